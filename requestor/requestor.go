// Package requestor correlates responses to outstanding requests by id,
// multiplexing many in-flight requests over one connection. Completion is
// exposed three ways: a bounded synchronous wait, a future, or a callback
// run on the delivery goroutine.
package requestor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/weft/observability"
	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

var (
	// ErrTimeout reports a synchronous call that outlived its deadline. The
	// descriptor is removed before returning, so a late response is dropped
	// quietly.
	ErrTimeout = errors.New("requestor: call timed out")
	// ErrDisconnected reports a request aborted because its connection died.
	ErrDisconnected = errors.New("requestor: connection lost")
	// ErrClosed reports a request aborted by Requestor teardown.
	ErrClosed = errors.New("requestor: closed")
)

// Kind tags how a descriptor completes. A synchronous call is a future
// plus a bounded wait, not a distinct kind.
type Kind int

const (
	Async Kind = iota
	Callback
)

// ResponseCallback consumes a completed response. It runs on whatever
// goroutine delivers the response, so it must be short and thread-safe.
type ResponseCallback func(msg *wire.Message)

type descriptor struct {
	id    string
	conn  *transport.Conn
	kind  Kind
	start time.Time

	ch      chan *wire.Message // Single-shot slot for Sync/Async completions.
	cb      ResponseCallback   // Callback completions.
	failErr error              // Set before ch is closed on abort.
}

func (d *descriptor) fail(err error) {
	if d.kind == Callback {
		// Callbacks have no error arm; an aborted callback is abandoned.
		return
	}
	d.failErr = err
	close(d.ch)
}

// Future resolves to the response of one outstanding request.
type Future struct {
	r *Requestor
	d *descriptor
}

// Wait blocks until the response arrives or ctx ends. When ctx ends first
// the descriptor is removed, so the eventual response is dropped and the id
// can never complete twice.
func (f *Future) Wait(ctx context.Context) (*wire.Message, error) {
	select {
	case msg, ok := <-f.d.ch:
		if !ok {
			return nil, f.d.failErr
		}
		return msg, nil
	case <-ctx.Done():
		f.r.remove(f.d.id)
		f.r.obs.Call(observability.CallResultTimeout, time.Since(f.d.start))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Requestor owns the outstanding-request table. One instance serves any
// number of connections; descriptors are keyed by request id and bound to
// the connection they were sent on.
type Requestor struct {
	mu      sync.Mutex
	pending map[string]*descriptor
	closed  bool

	logger *log.Logger
	obs    observability.CallObserver
}

// New constructs an empty Requestor.
func New() *Requestor {
	return &Requestor{
		pending: make(map[string]*descriptor),
		logger:  log.Default(),
		obs:     observability.NoopCallObserver,
	}
}

// SetLogger replaces the logger; nil keeps the current one.
func (r *Requestor) SetLogger(l *log.Logger) {
	if l != nil {
		r.logger = l
	}
}

// SetObserver replaces the metrics observer; nil resets to no-op.
func (r *Requestor) SetObserver(obs observability.CallObserver) {
	if obs == nil {
		obs = observability.NoopCallObserver
	}
	r.obs = obs
}

// Bind routes the given response mtypes from a dispatcher into OnResponse.
func (r *Requestor) Bind(d *transport.Dispatcher, types ...wire.MType) {
	for _, t := range types {
		d.Register(t, r.OnResponse)
	}
}

// SendAsync writes the request and returns a future resolved by the
// response. A missing id is assigned a fresh one.
func (r *Requestor) SendAsync(conn *transport.Conn, msg *wire.Message) (*Future, error) {
	d, err := r.insert(conn, msg, Async, nil)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(msg); err != nil {
		r.remove(d.id)
		r.obs.Call(observability.CallResultTransport, 0)
		return nil, err
	}
	return &Future{r: r, d: d}, nil
}

// SendSync writes the request and blocks until the response arrives or ctx
// ends. Callers bound the wait with a context deadline.
func (r *Requestor) SendSync(ctx context.Context, conn *transport.Conn, msg *wire.Message) (*wire.Message, error) {
	fut, err := r.SendAsync(conn, msg)
	if err != nil {
		return nil, err
	}
	return fut.Wait(ctx)
}

// SendCallback writes the request and arranges for cb to run when the
// response arrives. cb runs on the delivery goroutine.
func (r *Requestor) SendCallback(conn *transport.Conn, msg *wire.Message, cb ResponseCallback) error {
	if cb == nil {
		return errors.New("requestor: nil callback")
	}
	d, err := r.insert(conn, msg, Callback, cb)
	if err != nil {
		return err
	}
	if err := conn.Send(msg); err != nil {
		r.remove(d.id)
		r.obs.Call(observability.CallResultTransport, 0)
		return err
	}
	return nil
}

// OnResponse completes the descriptor owning msg.ID. A response with no
// descriptor (late, duplicate, or unsolicited) is logged and dropped. The
// descriptor is removed before the waiter is woken, so completion is
// at-most-once, and no lock is held across the completion itself.
func (r *Requestor) OnResponse(conn *transport.Conn, msg *wire.Message) {
	r.mu.Lock()
	d, ok := r.pending[msg.ID]
	if ok {
		delete(r.pending, msg.ID)
	}
	r.mu.Unlock()
	if !ok {
		r.logger.Printf("requestor: response %s has no outstanding request, dropped", msg.ID)
		return
	}
	r.obs.Call(observability.CallResultOK, time.Since(d.start))
	switch d.kind {
	case Callback:
		d.cb(msg)
	default:
		d.ch <- msg
	}
}

// FailConn aborts every descriptor bound to conn. Sync and future waiters
// unblock immediately with ErrDisconnected; callback descriptors are
// abandoned.
func (r *Requestor) FailConn(conn *transport.Conn) {
	r.failWhere(func(d *descriptor) bool { return d.conn == conn }, ErrDisconnected,
		observability.CallResultDisconnected)
}

// Close aborts every outstanding descriptor and rejects new sends.
func (r *Requestor) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.failWhere(func(*descriptor) bool { return true }, ErrClosed,
		observability.CallResultTransport)
}

// Outstanding reports the number of descriptors currently in flight.
func (r *Requestor) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Requestor) insert(conn *transport.Conn, msg *wire.Message, kind Kind, cb ResponseCallback) (*descriptor, error) {
	if conn == nil || !conn.Connected() {
		return nil, ErrDisconnected
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	d := &descriptor{
		id:    msg.ID,
		conn:  conn,
		kind:  kind,
		start: time.Now(),
		cb:    cb,
	}
	if kind != Callback {
		d.ch = make(chan *wire.Message, 1)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, exists := r.pending[d.id]; exists {
		return nil, errors.New("requestor: duplicate request id " + d.id)
	}
	r.pending[d.id] = d
	return d, nil
}

func (r *Requestor) remove(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Requestor) failWhere(match func(*descriptor) bool, err error, result observability.CallResult) {
	r.mu.Lock()
	var failed []*descriptor
	for id, d := range r.pending {
		if match(d) {
			delete(r.pending, id)
			failed = append(failed, d)
		}
	}
	r.mu.Unlock()
	for _, d := range failed {
		r.obs.Call(result, time.Since(d.start))
		d.fail(err)
	}
}
