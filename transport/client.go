package transport

import (
	"errors"
	"io"
	"log"
	"net"
	"time"

	"github.com/loomworks/weft/observability"
	"github.com/loomworks/weft/wire"
)

// ClientConfig controls an outbound fabric connection.
type ClientConfig struct {
	Addr          string        // Peer address ("host:port") for the default TCP dialer.
	MaxFrameBytes int           // Frame cap; 0 selects the default.
	DialTimeout   time.Duration // TCP dial timeout; 0 selects the default.

	// Dial overrides the transport: a websocket stream, a stream on a
	// shared yamux session, a net.Pipe end in tests. When nil the client
	// dials Addr over TCP.
	Dial func() (io.ReadWriteCloser, error)

	Logger   *log.Logger                  // Destination for error lines; nil uses log.Default().
	Observer observability.FabricObserver // Optional metrics observer.
}

// DefaultDialTimeout bounds connection establishment when the config does
// not say otherwise.
const DefaultDialTimeout = 5 * time.Second

// Client owns one fabric connection to a peer and the dispatcher its
// inbound messages are routed through.
type Client struct {
	cfg  ClientConfig
	d    *Dispatcher
	conn *Conn

	onClose func(*Conn)
}

// NewClient validates and defaults the config. Connect establishes the
// connection.
func NewClient(cfg ClientConfig) *Client {
	cfg.MaxFrameBytes = wire.ClampFrameCap(cfg.MaxFrameBytes)
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopFabricObserver
	}
	d := NewDispatcher()
	d.SetLogger(cfg.Logger)
	return &Client{cfg: cfg, d: d}
}

// Dispatcher exposes the handler table for registration before Connect.
func (c *Client) Dispatcher() *Dispatcher { return c.d }

// OnClose installs a callback run once after the connection's teardown.
// Install before Connect.
func (c *Client) OnClose(fn func(*Conn)) { c.onClose = fn }

// Connect dials the peer and starts the delivery goroutine.
func (c *Client) Connect() error {
	if c.conn != nil {
		return errors.New("transport: already connected")
	}
	dial := c.cfg.Dial
	if dial == nil {
		if c.cfg.Addr == "" {
			return errors.New("transport: missing peer address")
		}
		dial = func() (io.ReadWriteCloser, error) {
			return net.DialTimeout("tcp", c.cfg.Addr, c.cfg.DialTimeout)
		}
	}
	rwc, err := dial()
	if err != nil {
		return err
	}
	conn := NewConn(rwc, c.cfg.MaxFrameBytes)
	conn.SetLogger(c.cfg.Logger)
	conn.SetObserver(c.cfg.Observer)
	c.conn = conn
	go conn.Serve(c.d, c.onClose)
	return nil
}

// Conn returns the live connection; nil before Connect.
func (c *Client) Conn() *Conn { return c.conn }

// Close shuts the connection down.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Shutdown()
	}
}
