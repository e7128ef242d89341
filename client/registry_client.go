package client

import (
	"context"

	"github.com/loomworks/weft/registry"
	"github.com/loomworks/weft/requestor"
	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

// RegistryClient connects a provider process to the registry so it can
// announce the methods it hosts.
type RegistryClient struct {
	cli      *transport.Client
	req      *requestor.Requestor
	provider *registry.Provider
}

// NewRegistryClient dials the registry at opts.Addr.
func NewRegistryClient(opts Options) (*RegistryClient, error) {
	cli, req, err := connect(opts, wire.RspService)
	if err != nil {
		return nil, err
	}
	return &RegistryClient{
		cli:      cli,
		req:      req,
		provider: registry.NewProvider(req, opts.RequestTimeout),
	}, nil
}

// RegisterMethod announces that host serves method.
func (r *RegistryClient) RegisterMethod(ctx context.Context, method string, host wire.Host) error {
	return r.provider.RegisterMethod(ctx, r.cli.Conn(), method, host)
}

// Close tears the registry connection down. The registry pushes OFFLINE for
// every method this client registered.
func (r *RegistryClient) Close() {
	r.cli.Close()
	r.req.Close()
}
