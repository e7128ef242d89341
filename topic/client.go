package topic

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/weft/internal/contextutil"
	"github.com/loomworks/weft/requestor"
	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

// DefaultRequestTimeout bounds broker round-trips issued without a context
// deadline.
const DefaultRequestTimeout = 1 * time.Second

// MessageFunc consumes one published message. It runs on the connection's
// delivery goroutine, so it must be short and thread-safe.
type MessageFunc func(topic string, payload string)

// Client drives a broker and dispatches publishes it receives to
// per-topic callbacks.
type Client struct {
	req     *requestor.Requestor
	timeout time.Duration
	logger  *log.Logger

	mu        sync.Mutex
	callbacks map[string]MessageFunc
}

// NewClient wraps a correlator. timeout<=0 selects DefaultRequestTimeout.
func NewClient(r *requestor.Requestor, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		req:       r,
		timeout:   timeout,
		logger:    log.Default(),
		callbacks: make(map[string]MessageFunc),
	}
}

// SetLogger replaces the logger; nil keeps the current one.
func (c *Client) SetLogger(l *log.Logger) {
	if l != nil {
		c.logger = l
	}
}

// Bind installs the publish handler on the dispatcher toward the broker.
func (c *Client) Bind(d *transport.Dispatcher) {
	transport.RegisterTyped(d, wire.ReqTopic, c.OnPublish)
}

// Create makes the topic on the broker. Idempotent.
func (c *Client) Create(ctx context.Context, conn *transport.Conn, key string) error {
	return c.request(ctx, conn, wire.NewTopicRequest(wire.TopicCreate, key))
}

// Remove erases the topic on the broker.
func (c *Client) Remove(ctx context.Context, conn *transport.Conn, key string) error {
	return c.request(ctx, conn, wire.NewTopicRequest(wire.TopicRemove, key))
}

// Subscribe installs cb for key and subscribes on the broker. The callback
// is installed first so a publish racing the acknowledgement is not lost,
// and rolled back when the subscribe fails.
func (c *Client) Subscribe(ctx context.Context, conn *transport.Conn, key string, cb MessageFunc) error {
	c.mu.Lock()
	c.callbacks[key] = cb
	c.mu.Unlock()
	if err := c.request(ctx, conn, wire.NewTopicRequest(wire.TopicSubscribe, key)); err != nil {
		c.mu.Lock()
		delete(c.callbacks, key)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Cancel unsubscribes from key and drops its callback.
func (c *Client) Cancel(ctx context.Context, conn *transport.Conn, key string) error {
	c.mu.Lock()
	delete(c.callbacks, key)
	c.mu.Unlock()
	return c.request(ctx, conn, wire.NewTopicRequest(wire.TopicCancel, key))
}

// Publish sends payload to every current subscriber of key.
func (c *Client) Publish(ctx context.Context, conn *transport.Conn, key string, payload string) error {
	return c.request(ctx, conn, wire.NewTopicPublish(key, payload))
}

// OnPublish dispatches one received publish to its topic callback. A
// message for a topic with no callback is logged and dropped.
func (c *Client) OnPublish(conn *transport.Conn, id string, req *wire.TopicRequest) {
	if req.TopicOptype() != wire.TopicPublish {
		c.logger.Printf("topic: unexpected %s from broker, dropped", req.TopicOptype())
		return
	}
	c.mu.Lock()
	cb := c.callbacks[req.TopicKey]
	c.mu.Unlock()
	if cb == nil {
		c.logger.Printf("topic: message for %q has no subscription callback, dropped", req.TopicKey)
		return
	}
	cb(req.TopicKey, req.Msg())
}

func (c *Client) request(ctx context.Context, conn *transport.Conn, body *wire.TopicRequest) error {
	msg := &wire.Message{ID: uuid.NewString(), Body: body}
	ctx, cancel := contextutil.WithTimeout(ctx, c.timeoutFor(ctx))
	defer cancel()
	rsp, err := c.req.SendSync(ctx, conn, msg)
	if err != nil {
		return err
	}
	ack, ok := rsp.Body.(*wire.TopicResponse)
	if !ok {
		return &wire.StatusError{Code: wire.CodeBadMessageType}
	}
	return wire.StatusOf(ack.RCode())
}

func (c *Client) timeoutFor(ctx context.Context) time.Duration {
	if ctx != nil {
		if _, ok := ctx.Deadline(); ok {
			return 0
		}
	}
	return c.timeout
}
