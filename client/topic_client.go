package client

import (
	"context"

	"github.com/loomworks/weft/requestor"
	"github.com/loomworks/weft/topic"
	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

// TopicClient connects a process to the topic broker for create, remove,
// subscribe, cancel, and publish.
type TopicClient struct {
	cli    *transport.Client
	req    *requestor.Requestor
	topics *topic.Client
}

// NewTopicClient dials the broker at opts.Addr.
func NewTopicClient(opts Options) (*TopicClient, error) {
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
	req.Bind(cli.Dispatcher(), wire.RspTopic)
	topics := topic.NewClient(req, opts.RequestTimeout)
	topics.SetLogger(opts.Logger)
	topics.Bind(cli.Dispatcher())
	cli.OnClose(func(c *transport.Conn) { req.FailConn(c) })
	if err := cli.Connect(); err != nil {
		return nil, err
	}
	return &TopicClient{cli: cli, req: req, topics: topics}, nil
}

// Create makes the topic. Idempotent.
func (t *TopicClient) Create(ctx context.Context, key string) error {
	return t.topics.Create(ctx, t.cli.Conn(), key)
}

// Remove erases the topic and every subscription to it.
func (t *TopicClient) Remove(ctx context.Context, key string) error {
	return t.topics.Remove(ctx, t.cli.Conn(), key)
}

// Subscribe starts delivering the topic's publishes to cb.
func (t *TopicClient) Subscribe(ctx context.Context, key string, cb topic.MessageFunc) error {
	return t.topics.Subscribe(ctx, t.cli.Conn(), key, cb)
}

// Cancel stops the subscription.
func (t *TopicClient) Cancel(ctx context.Context, key string) error {
	return t.topics.Cancel(ctx, t.cli.Conn(), key)
}

// Publish sends payload to every current subscriber of key.
func (t *TopicClient) Publish(ctx context.Context, key string, payload string) error {
	return t.topics.Publish(ctx, t.cli.Conn(), key, payload)
}

// Close tears the broker connection down; the broker reaps this
// subscriber's memberships.
func (t *TopicClient) Close() {
	t.cli.Close()
	t.req.Close()
}
