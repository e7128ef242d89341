// Package ws carries fabric frames over WebSocket. Each outbound Write
// becomes one binary message, so a frame is never split across messages;
// inbound binary messages are exposed as a byte stream the frame codec
// reads from.
package ws

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Stream adapts a websocket connection to the io.ReadWriteCloser the
// fabric transport expects. Read is not safe for concurrent use; the
// transport reads from exactly one goroutine.
type Stream struct {
	c *websocket.Conn
	r io.Reader // Reader over the current inbound binary message.
}

// Read drains binary messages in arrival order. Non-binary messages are
// skipped.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			mt, r, err := s.c.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if err == io.EOF {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as one binary message.
func (s *Stream) Write(p []byte) (int, error) {
	if err := s.c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the websocket connection.
func (s *Stream) Close() error {
	return s.c.Close()
}

// CloseWithStatus sends a close control frame before closing.
func (s *Stream) CloseWithStatus(code int, text string) error {
	_ = s.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(2*time.Second))
	return s.c.Close()
}

// RemoteAddr reports the peer address.
func (s *Stream) RemoteAddr() net.Addr {
	return s.c.RemoteAddr()
}

// UpgraderOptions exposes a small set of websocket upgrader controls.
type UpgraderOptions struct {
	ReadBufferSize  int                        // Read buffer size for upgrader.
	WriteBufferSize int                        // Write buffer size for upgrader.
	CheckOrigin     func(r *http.Request) bool // Optional origin check.
}

// Upgrade upgrades an HTTP request to a fabric stream.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgraderOptions) (*Stream, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Stream{c: c}, nil
}

// Handler upgrades each request and hands the stream to serve, which is
// expected to adopt it (e.g. transport.Server.ServeStream).
func Handler(opts UpgraderOptions, serve func(*Stream)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stream, err := Upgrade(w, r, opts)
		if err != nil {
			return
		}
		serve(stream)
	}
}

// DialOptions provides optional headers for websocket dialing.
type DialOptions struct {
	Header http.Header // Optional headers for the handshake request.
	Dialer *websocket.Dialer
}

// Dial opens a fabric stream over websocket with a deadline-aware
// handshake.
func Dial(ctx context.Context, urlStr string, opts DialOptions) (*Stream, *http.Response, error) {
	var d websocket.Dialer
	if opts.Dialer != nil {
		d = *opts.Dialer
	}
	if deadline, ok := ctx.Deadline(); ok {
		// Prefer the tighter of dialer.HandshakeTimeout and the context deadline when both are set.
		dl := time.Until(deadline)
		if d.HandshakeTimeout == 0 || d.HandshakeTimeout > dl {
			d.HandshakeTimeout = dl
		}
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	return &Stream{c: c}, resp, nil
}
