package transport

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"

	muxyamux "github.com/loomworks/weft/mux/yamux"
	"github.com/loomworks/weft/observability"
	"github.com/loomworks/weft/wire"
)

// ServerConfig controls a listening fabric endpoint.
type ServerConfig struct {
	Listen        string                       // TCP listen address.
	MaxFrameBytes int                          // Frame cap; 0 selects the default.
	Multiplex     bool                         // Accept yamux sessions; each stream is one fabric connection.
	Logger        *log.Logger                  // Destination for error lines; nil uses log.Default().
	Observer      observability.FabricObserver // Optional metrics observer.
}

// DefaultServerConfig returns conservative defaults for a fabric server.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:        "127.0.0.1:0",
		MaxFrameBytes: wire.DefaultMaxFrameBytes,
	}
}

// Server accepts fabric connections and serves each one on its own
// goroutine. Handlers are installed on its Dispatcher before Start.
type Server struct {
	cfg ServerConfig
	d   *Dispatcher
	ln  net.Listener

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	closeFn func(*Conn)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewServer validates and defaults the config.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	cfg.MaxFrameBytes = wire.ClampFrameCap(cfg.MaxFrameBytes)
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopFabricObserver
	}
	d := NewDispatcher()
	d.SetLogger(cfg.Logger)
	return &Server{
		cfg:    cfg,
		d:      d,
		conns:  make(map[*Conn]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Dispatcher exposes the handler table for registration.
func (s *Server) Dispatcher() *Dispatcher { return s.d }

// OnConnClose installs a callback run after each connection's teardown, so
// owners (registry, broker, correlator) reap records keyed by the
// connection. Install before Start.
func (s *Server) OnConnClose(fn func(*Conn)) { s.closeFn = fn }

// Start binds the listener and begins accepting in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.ln = ln
	go s.acceptLoop()
	return nil
}

// Addr reports the bound listen address. Valid after Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting and shuts down every live connection.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.mu.Lock()
		conns := make([]*Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			c.Shutdown()
		}
	})
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.cfg.Logger.Printf("transport: accept: %v", err)
			continue
		}
		if s.cfg.Multiplex {
			go s.serveSession(nc)
		} else {
			s.serveStream(nc)
		}
	}
}

func (s *Server) serveSession(nc net.Conn) {
	sess, err := muxyamux.NewServer(nc, nil)
	if err != nil {
		s.cfg.Logger.Printf("transport: mux session: %v", err)
		_ = nc.Close()
		return
	}
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			return
		}
		s.serveStream(stream)
	}
}

// ServeStream adopts an externally established stream (a websocket
// upgrade, a test pipe) as one fabric connection on this server.
func (s *Server) ServeStream(rwc io.ReadWriteCloser) { s.serveStream(rwc) }

func (s *Server) serveStream(rwc io.ReadWriteCloser) {
	c := NewConn(rwc, s.cfg.MaxFrameBytes)
	c.SetLogger(s.cfg.Logger)
	c.SetObserver(s.cfg.Observer)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()
	s.cfg.Observer.ConnCount(n)
	go c.Serve(s.d, func(c *Conn) {
		s.mu.Lock()
		delete(s.conns, c)
		n := len(s.conns)
		s.mu.Unlock()
		s.cfg.Observer.ConnCount(n)
		if s.closeFn != nil {
			s.closeFn(c)
		}
	})
}
