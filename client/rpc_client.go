package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/loomworks/weft/requestor"
	"github.com/loomworks/weft/rpc"
	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

// RPCClientConfig selects between direct mode (Addr names the provider)
// and discovery mode (RegistryAddr names the registry and providers are
// resolved per method).
type RPCClientConfig struct {
	Options

	EnableDiscovery bool   // Consult the registry instead of dialing Addr.
	RegistryAddr    string // Registry address; required in discovery mode.
}

// peer is one provider connection with its own correlator and caller.
type peer struct {
	cli    *transport.Client
	req    *requestor.Requestor
	caller *rpc.Caller
}

func (p *peer) close() {
	p.cli.Close()
	p.req.Close()
}

// RPCClient invokes remote methods. In discovery mode it keeps one cached
// connection per provider host and evicts it when the registry pushes the
// host offline.
type RPCClient struct {
	cfg  RPCClientConfig
	disc *DiscoveryClient

	mu     sync.Mutex
	peers  map[string]*peer // Keyed by "host:port"; discovery mode only.
	direct *peer
}

// NewRPCClient connects according to cfg. In direct mode the provider
// connection is established immediately; in discovery mode connections are
// dialed as methods resolve.
func NewRPCClient(cfg RPCClientConfig) (*RPCClient, error) {
	c := &RPCClient{cfg: cfg, peers: make(map[string]*peer)}
	if cfg.EnableDiscovery {
		opts := cfg.Options
		opts.Addr = cfg.RegistryAddr
		disc, err := NewDiscoveryClient(opts, c.evict)
		if err != nil {
			return nil, err
		}
		c.disc = disc
		return c, nil
	}
	p, err := c.newPeer(cfg.Options.Addr)
	if err != nil {
		return nil, err
	}
	c.direct = p
	return c, nil
}

// Call invokes method synchronously and returns the raw result.
func (c *RPCClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p, err := c.peerFor(ctx, method)
	if err != nil {
		return nil, err
	}
	return p.caller.Call(ctx, p.cli.Conn(), method, params)
}

// CallAsync invokes method and returns a future for its result.
func (c *RPCClient) CallAsync(ctx context.Context, method string, params any) (*rpc.ResultFuture, error) {
	p, err := c.peerFor(ctx, method)
	if err != nil {
		return nil, err
	}
	return p.caller.CallAsync(p.cli.Conn(), method, params)
}

// CallWithCallback invokes method and runs cb with the outcome on the
// delivery goroutine.
func (c *RPCClient) CallWithCallback(ctx context.Context, method string, params any, cb func(result json.RawMessage, err error)) error {
	p, err := c.peerFor(ctx, method)
	if err != nil {
		return err
	}
	return p.caller.CallWithCallback(p.cli.Conn(), method, params, cb)
}

// Close tears down every provider connection and the discovery link.
func (c *RPCClient) Close() {
	c.mu.Lock()
	peers := make([]*peer, 0, len(c.peers)+1)
	for addr, p := range c.peers {
		delete(c.peers, addr)
		peers = append(peers, p)
	}
	if c.direct != nil {
		peers = append(peers, c.direct)
	}
	c.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	if c.disc != nil {
		c.disc.Close()
	}
}

// peerFor resolves the connection serving method: the fixed provider in
// direct mode, a discovered (and cached) one otherwise.
func (c *RPCClient) peerFor(ctx context.Context, method string) (*peer, error) {
	if !c.cfg.EnableDiscovery {
		return c.direct, nil
	}
	host, err := c.disc.Discover(ctx, method)
	if err != nil {
		return nil, err
	}
	addr := host.Addr()
	c.mu.Lock()
	p := c.peers[addr]
	c.mu.Unlock()
	if p != nil {
		return p, nil
	}
	p, err = c.newPeer(addr)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if existing := c.peers[addr]; existing != nil {
		c.mu.Unlock()
		p.close()
		return existing, nil
	}
	c.peers[addr] = p
	c.mu.Unlock()
	return p, nil
}

func (c *RPCClient) newPeer(addr string) (*peer, error) {
	opts := c.cfg.Options
	opts.Addr = addr
	if c.cfg.EnableDiscovery {
		// The override dialer, if any, points at the registry; provider
		// connections resolved at runtime go over plain TCP.
		opts.Dial = nil
	}
	cli, req, err := connect(opts, wire.RspRPC)
	if err != nil {
		return nil, err
	}
	return &peer{
		cli:    cli,
		req:    req,
		caller: rpc.NewCaller(req, opts.RequestTimeout),
	}, nil
}

// evict drops the cached connection to a host the registry reported
// offline.
func (c *RPCClient) evict(host wire.Host) {
	addr := host.Addr()
	c.mu.Lock()
	p := c.peers[addr]
	delete(c.peers, addr)
	c.mu.Unlock()
	if p != nil {
		p.close()
	}
}
