// Package client assembles the fabric's client roles from the runtime
// pieces: a transport connection, a correlator bound to the right response
// types, and the role logic on top.
package client

import (
	"io"
	"log"
	"time"

	"github.com/loomworks/weft/observability"
	"github.com/loomworks/weft/requestor"
	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

// Options is the connection surface shared by every client role.
type Options struct {
	Addr           string        // Peer address ("host:port") for the default TCP dialer.
	MaxFrameBytes  int           // Frame cap; 0 selects the default.
	DialTimeout    time.Duration // TCP dial timeout; 0 selects the transport default.
	RequestTimeout time.Duration // Bound for synchronous round-trips without a context deadline.

	// Dial overrides the transport (websocket stream, shared yamux session).
	Dial func() (io.ReadWriteCloser, error)

	Logger       *log.Logger                  // Destination for error lines; nil uses log.Default().
	Observer     observability.FabricObserver // Optional connection metrics.
	CallObserver observability.CallObserver   // Optional correlator metrics.
}

// connect dials a peer and binds a fresh correlator to the given response
// types. The correlator aborts its descriptors when the connection dies.
func connect(opts Options, rspTypes ...wire.MType) (*transport.Client, *requestor.Requestor, error) {
	cli := transport.NewClient(transport.ClientConfig{
		Addr:          opts.Addr,
		MaxFrameBytes: opts.MaxFrameBytes,
		DialTimeout:   opts.DialTimeout,
		Dial:          opts.Dial,
		Logger:        opts.Logger,
		Observer:      opts.Observer,
	})
	req := requestor.New()
	req.SetLogger(opts.Logger)
	req.SetObserver(opts.CallObserver)
	req.Bind(cli.Dispatcher(), rspTypes...)
	cli.OnClose(func(c *transport.Conn) { req.FailConn(c) })
	if err := cli.Connect(); err != nil {
		return nil, nil, err
	}
	return cli, req, nil
}
