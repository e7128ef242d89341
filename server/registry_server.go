// Package server assembles the fabric's serving roles: the registry, the
// topic broker, and the RPC method server, each one a transport server
// with the role's handlers bound to its dispatcher.
package server

import (
	"io"
	"log"
	"net"

	"github.com/loomworks/weft/observability"
	"github.com/loomworks/weft/registry"
	"github.com/loomworks/weft/transport"
)

// RegistryServerConfig controls a registry daemon.
type RegistryServerConfig struct {
	Listen        string
	MaxFrameBytes int
	Multiplex     bool
	Logger        *log.Logger
	Observer      observability.FabricObserver
	Registry      observability.RegistryObserver
}

// RegistryServer hosts the provider/discoverer tables behind a fabric
// listener.
type RegistryServer struct {
	srv *transport.Server
	reg *registry.Registry
}

// NewRegistryServer wires a registry core onto a fabric server.
func NewRegistryServer(cfg RegistryServerConfig) *RegistryServer {
	srv := transport.NewServer(transport.ServerConfig{
		Listen:        cfg.Listen,
		MaxFrameBytes: cfg.MaxFrameBytes,
		Multiplex:     cfg.Multiplex,
		Logger:        cfg.Logger,
		Observer:      cfg.Observer,
	})
	reg := registry.New(registry.Config{Logger: cfg.Logger, Observer: cfg.Registry})
	reg.Bind(srv)
	return &RegistryServer{srv: srv, reg: reg}
}

// Start binds the listener and begins accepting.
func (s *RegistryServer) Start() error { return s.srv.Start() }

// Addr reports the bound listen address. Valid after Start.
func (s *RegistryServer) Addr() net.Addr { return s.srv.Addr() }

// ServeStream adopts an externally established stream as one connection.
func (s *RegistryServer) ServeStream(rwc io.ReadWriteCloser) { s.srv.ServeStream(rwc) }

// Close stops accepting and shuts every connection down.
func (s *RegistryServer) Close() { s.srv.Close() }
