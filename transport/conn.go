// Package transport carries framed fabric messages over byte streams: one
// Conn per logical peer, a Server accept loop, a Client dialer, and the
// Dispatcher that routes inbound messages to per-type handlers.
package transport

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/loomworks/weft/observability"
	"github.com/loomworks/weft/wire"
)

// ErrClosed reports a send on a connection that is no longer live.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one logical peer: a byte stream plus the frame codec. Sends from
// multiple goroutines are serialized so frames never interleave; inbound
// frames are delivered in arrival order on a single goroutine.
type Conn struct {
	rwc      io.ReadWriteCloser
	maxFrame int
	logger   *log.Logger
	obs      observability.FabricObserver

	writeMu sync.Mutex  // Serializes whole-frame writes.
	closed  atomic.Bool // Set once the stream is done, either way.

	closeOnce sync.Once
}

// NewConn wraps an established stream. maxFrame<=0 selects the default cap.
func NewConn(rwc io.ReadWriteCloser, maxFrame int) *Conn {
	return &Conn{
		rwc:      rwc,
		maxFrame: wire.ClampFrameCap(maxFrame),
		logger:   log.Default(),
		obs:      observability.NoopFabricObserver,
	}
}

// SetLogger replaces the connection's logger; nil keeps the current one.
func (c *Conn) SetLogger(l *log.Logger) {
	if l != nil {
		c.logger = l
	}
}

// SetObserver replaces the metrics observer; nil resets to no-op.
func (c *Conn) SetObserver(obs observability.FabricObserver) {
	if obs == nil {
		obs = observability.NoopFabricObserver
	}
	c.obs = obs
}

// MaxFrameBytes reports the frame cap this connection enforces.
func (c *Conn) MaxFrameBytes() int { return c.maxFrame }

// Send serializes msg and writes it as one frame. It fails with ErrClosed
// once the connection is down; a write error tears the connection down.
func (c *Conn) Send(msg *wire.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	frame, err := wire.Encode(msg, c.maxFrame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	_, err = c.rwc.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.obs.FrameError(observability.FrameWrite)
		c.closeWith(observability.CloseReasonWriteError)
		return ErrClosed
	}
	return nil
}

// Shutdown closes the connection. Idempotent.
func (c *Conn) Shutdown() {
	c.closeWith(observability.CloseReasonShutdown)
}

// Connected reports whether the connection is still live.
func (c *Conn) Connected() bool { return !c.closed.Load() }

// RemoteAddr reports the peer address when the underlying stream exposes
// one, and "" otherwise.
func (c *Conn) RemoteAddr() string {
	type remoteAddr interface{ RemoteAddr() net.Addr }
	if ra, ok := c.rwc.(remoteAddr); ok {
		if a := ra.RemoteAddr(); a != nil {
			return a.String()
		}
	}
	return ""
}

func (c *Conn) closeWith(reason observability.CloseReason) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.rwc.Close()
		c.obs.Close(reason)
	})
}

// Serve reads frames until the stream fails, dispatching each message on
// this goroutine. A frame violating the wire contract closes the
// connection. onClose, if non-nil, runs exactly once after teardown so
// owners can reap state keyed by this connection.
func (c *Conn) Serve(d *Dispatcher, onClose func(*Conn)) {
	for {
		msg, err := wire.ReadMessage(c.rwc, c.maxFrame)
		if err != nil {
			if errors.Is(err, wire.ErrInvalidFrame) {
				c.logger.Printf("transport: closing %s: %v", c.RemoteAddr(), err)
				c.obs.FrameError(observability.FrameRead)
				c.closeWith(observability.CloseReasonInvalidFrame)
			} else {
				c.closeWith(observability.CloseReasonPeerClosed)
			}
			break
		}
		d.Dispatch(c, msg)
		if c.closed.Load() {
			break
		}
	}
	if onClose != nil {
		onClose(c)
	}
}
