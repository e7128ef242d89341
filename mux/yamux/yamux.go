// Package yamux adapts hashicorp/yamux so one TCP socket can carry many
// fabric connections, each stream framed independently.
package yamux

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
)

// NewClient creates a yamux client session with defaults if cfg is nil.
func NewClient(conn net.Conn, cfg *yamux.Config) (*yamux.Session, error) {
	if cfg == nil {
		cfg = yamux.DefaultConfig()
	}
	return yamux.Client(conn, cfg)
}

// NewServer creates a yamux server session with defaults if cfg is nil.
func NewServer(conn net.Conn, cfg *yamux.Config) (*yamux.Session, error) {
	if cfg == nil {
		cfg = yamux.DefaultConfig()
	}
	return yamux.Server(conn, cfg)
}

// Dialer keeps one multiplexed session to a peer and opens a stream per
// fabric connection. It redials lazily after the session dies.
type Dialer struct {
	Addr    string        // Peer address ("host:port").
	Timeout time.Duration // TCP dial timeout; 0 means no limit.
	Config  *yamux.Config // Optional session config.

	mu   sync.Mutex
	sess *yamux.Session
}

// Open returns a fresh stream on the shared session, establishing the
// session first when needed.
func (d *Dialer) Open() (io.ReadWriteCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil || d.sess.IsClosed() {
		conn, err := net.DialTimeout("tcp", d.Addr, d.Timeout)
		if err != nil {
			return nil, err
		}
		sess, err := NewClient(conn, d.Config)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		d.sess = sess
	}
	return d.sess.Open()
}

// Close tears down the shared session and every stream on it.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil {
		return nil
	}
	err := d.sess.Close()
	d.sess = nil
	return err
}
