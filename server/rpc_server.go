package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/loomworks/weft/client"
	"github.com/loomworks/weft/observability"
	"github.com/loomworks/weft/rpc"
	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

// RPCServerConfig controls an RPC method server. When RegistryAddr is set,
// every registered method is also announced to the registry under
// AccessHost.
type RPCServerConfig struct {
	Listen        string
	MaxFrameBytes int
	Multiplex     bool

	AccessHost     wire.Host     // Advertised provider address; zero derives ip:port from the listener.
	RegistryAddr   string        // Registry address; empty disables registration.
	RequestTimeout time.Duration // Bound for registry round-trips.

	Logger   *log.Logger
	Observer observability.FabricObserver
}

// RPCServer executes named methods for remote callers.
type RPCServer struct {
	cfg    RPCServerConfig
	srv    *transport.Server
	router *rpc.Router
	regCli *client.RegistryClient
	host   wire.Host
}

// NewRPCServer wires a method router onto a fabric server.
func NewRPCServer(cfg RPCServerConfig) *RPCServer {
	srv := transport.NewServer(transport.ServerConfig{
		Listen:        cfg.Listen,
		MaxFrameBytes: cfg.MaxFrameBytes,
		Multiplex:     cfg.Multiplex,
		Logger:        cfg.Logger,
		Observer:      cfg.Observer,
	})
	router := rpc.NewRouter()
	router.SetLogger(cfg.Logger)
	router.Bind(srv.Dispatcher())
	return &RPCServer{cfg: cfg, srv: srv, router: router}
}

// Start binds the listener and, when configured, connects to the registry.
// Register methods after Start so the advertised host is known.
func (s *RPCServer) Start() error {
	if err := s.srv.Start(); err != nil {
		return err
	}
	s.host = s.cfg.AccessHost
	if s.host.IP == "" || s.host.Port == 0 {
		host, err := hostOf(s.srv.Addr())
		if err != nil {
			s.srv.Close()
			return err
		}
		s.host = host
	}
	if s.cfg.RegistryAddr != "" {
		regCli, err := client.NewRegistryClient(client.Options{
			Addr:           s.cfg.RegistryAddr,
			MaxFrameBytes:  s.cfg.MaxFrameBytes,
			RequestTimeout: s.cfg.RequestTimeout,
			Logger:         s.cfg.Logger,
		})
		if err != nil {
			s.srv.Close()
			return fmt.Errorf("server: registry connect: %w", err)
		}
		s.regCli = regCli
	}
	return nil
}

// RegisterMethod installs a method locally and, when a registry is
// configured, announces it under the advertised host.
func (s *RPCServer) RegisterMethod(ctx context.Context, m *rpc.MethodDesc) error {
	if err := s.router.Register(m); err != nil {
		return err
	}
	if s.regCli != nil {
		return s.regCli.RegisterMethod(ctx, m.Name(), s.host)
	}
	return nil
}

// Addr reports the bound listen address. Valid after Start.
func (s *RPCServer) Addr() net.Addr { return s.srv.Addr() }

// Host reports the advertised provider address. Valid after Start.
func (s *RPCServer) Host() wire.Host { return s.host }

// ServeStream adopts an externally established stream as one connection.
func (s *RPCServer) ServeStream(rwc io.ReadWriteCloser) { s.srv.ServeStream(rwc) }

// Close disconnects from the registry, which pushes this provider's methods
// offline, then shuts the listener and every connection down.
func (s *RPCServer) Close() {
	if s.regCli != nil {
		s.regCli.Close()
	}
	s.srv.Close()
}

func hostOf(addr net.Addr) (wire.Host, error) {
	if addr == nil {
		return wire.Host{}, fmt.Errorf("server: no listen address")
	}
	ip, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return wire.Host{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return wire.Host{}, err
	}
	return wire.Host{IP: ip, Port: port}, nil
}
