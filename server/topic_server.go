package server

import (
	"io"
	"log"
	"net"

	"github.com/loomworks/weft/observability"
	"github.com/loomworks/weft/topic"
	"github.com/loomworks/weft/transport"
)

// TopicServerConfig controls a broker daemon.
type TopicServerConfig struct {
	Listen        string
	MaxFrameBytes int
	Multiplex     bool
	Logger        *log.Logger
	Observer      observability.FabricObserver
	Topics        observability.TopicObserver
}

// TopicServer hosts the topic membership graph behind a fabric listener.
type TopicServer struct {
	srv    *transport.Server
	broker *topic.Broker
}

// NewTopicServer wires a broker onto a fabric server.
func NewTopicServer(cfg TopicServerConfig) *TopicServer {
	srv := transport.NewServer(transport.ServerConfig{
		Listen:        cfg.Listen,
		MaxFrameBytes: cfg.MaxFrameBytes,
		Multiplex:     cfg.Multiplex,
		Logger:        cfg.Logger,
		Observer:      cfg.Observer,
	})
	broker := topic.New(topic.Config{Logger: cfg.Logger, Observer: cfg.Topics})
	broker.Bind(srv)
	return &TopicServer{srv: srv, broker: broker}
}

// Start binds the listener and begins accepting.
func (s *TopicServer) Start() error { return s.srv.Start() }

// Addr reports the bound listen address. Valid after Start.
func (s *TopicServer) Addr() net.Addr { return s.srv.Addr() }

// ServeStream adopts an externally established stream as one connection.
func (s *TopicServer) ServeStream(rwc io.ReadWriteCloser) { s.srv.ServeStream(rwc) }

// Close stops accepting and shuts every connection down.
func (s *TopicServer) Close() { s.srv.Close() }
