package client

import (
	"context"

	"github.com/loomworks/weft/registry"
	"github.com/loomworks/weft/requestor"
	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

// DiscoveryClient connects a caller process to the registry: it resolves
// methods to provider hosts and tracks ONLINE/OFFLINE pushes.
type DiscoveryClient struct {
	cli  *transport.Client
	req  *requestor.Requestor
	disc *registry.Discoverer
}

// NewDiscoveryClient dials the registry at opts.Addr. offline, when
// non-nil, runs for every provider host that goes offline.
func NewDiscoveryClient(opts Options, offline registry.OfflineFunc) (*DiscoveryClient, error) {
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
	req.Bind(cli.Dispatcher(), wire.RspService)
	disc := registry.NewDiscoverer(req, offline, opts.RequestTimeout)
	disc.SetLogger(opts.Logger)
	disc.Bind(cli.Dispatcher())
	cli.OnClose(func(c *transport.Conn) { req.FailConn(c) })
	if err := cli.Connect(); err != nil {
		return nil, err
	}
	return &DiscoveryClient{cli: cli, req: req, disc: disc}, nil
}

// Discover resolves method to a provider host, round-robin over the ones
// currently online.
func (d *DiscoveryClient) Discover(ctx context.Context, method string) (wire.Host, error) {
	return d.disc.Discover(ctx, d.cli.Conn(), method)
}

// Close tears the registry connection down.
func (d *DiscoveryClient) Close() {
	d.cli.Close()
	d.req.Close()
}
