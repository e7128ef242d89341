// Package rpc builds RPC requests on the caller side and routes them to
// local handlers on the server side. The caller offers synchronous,
// future-style, and callback completion over one request builder; the
// router validates parameter shapes before a handler ever runs.
package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/weft/internal/contextutil"
	"github.com/loomworks/weft/requestor"
	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

// DefaultCallTimeout bounds a synchronous call whose context carries no
// deadline. Aggressive timeouts hurt cold registries, so per-call contexts
// can always override it.
const DefaultCallTimeout = 1 * time.Second

// Caller issues RPC requests through a Requestor. It never retries; retry
// is a user-level policy.
type Caller struct {
	req     *requestor.Requestor
	timeout time.Duration
}

// NewCaller wraps a correlator. timeout<=0 selects DefaultCallTimeout for
// synchronous calls without a context deadline.
func NewCaller(r *requestor.Requestor, timeout time.Duration) *Caller {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Caller{req: r, timeout: timeout}
}

func buildRequest(method string, params any) (*wire.Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &wire.Message{
		ID:   uuid.NewString(),
		Body: &wire.RPCRequest{Method: method, Params: raw},
	}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	if params == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(params)
}

func resultOf(msg *wire.Message) (json.RawMessage, error) {
	rsp, ok := msg.Body.(*wire.RPCResponse)
	if !ok {
		return nil, &wire.StatusError{Code: wire.CodeBadMessageType}
	}
	if err := wire.StatusOf(rsp.RCode()); err != nil {
		return nil, err
	}
	return rsp.Result, nil
}

// Call invokes method synchronously and returns the raw result on rcode=OK.
// A context without a deadline is bounded by the caller's default timeout.
func (c *Caller) Call(ctx context.Context, conn *transport.Conn, method string, params any) (json.RawMessage, error) {
	req, err := buildRequest(method, params)
	if err != nil {
		return nil, err
	}
	ctx, cancel := contextutil.WithTimeout(ctx, c.deadlineFor(ctx))
	defer cancel()
	rsp, err := c.req.SendSync(ctx, conn, req)
	if err != nil {
		return nil, err
	}
	return resultOf(rsp)
}

// ResultFuture resolves to the result of one asynchronous call.
type ResultFuture struct {
	fut *requestor.Future
}

// Wait blocks for the response and maps it like a synchronous call.
func (f *ResultFuture) Wait(ctx context.Context) (json.RawMessage, error) {
	rsp, err := f.fut.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return resultOf(rsp)
}

// CallAsync invokes method and returns a future for its result.
func (c *Caller) CallAsync(conn *transport.Conn, method string, params any) (*ResultFuture, error) {
	req, err := buildRequest(method, params)
	if err != nil {
		return nil, err
	}
	fut, err := c.req.SendAsync(conn, req)
	if err != nil {
		return nil, err
	}
	return &ResultFuture{fut: fut}, nil
}

// CallWithCallback invokes method and runs cb with the outcome on the
// delivery goroutine. cb must be short and thread-safe.
func (c *Caller) CallWithCallback(conn *transport.Conn, method string, params any, cb func(result json.RawMessage, err error)) error {
	req, err := buildRequest(method, params)
	if err != nil {
		return err
	}
	return c.req.SendCallback(conn, req, func(msg *wire.Message) {
		cb(resultOf(msg))
	})
}

func (c *Caller) deadlineFor(ctx context.Context) time.Duration {
	if ctx != nil {
		if _, ok := ctx.Deadline(); ok {
			return 0
		}
	}
	return c.timeout
}

// CallAs invokes method synchronously and unmarshals the result into T.
func CallAs[T any](ctx context.Context, c *Caller, conn *transport.Conn, method string, params any) (*T, error) {
	raw, err := c.Call(ctx, conn, method, params)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
