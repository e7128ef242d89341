package transport

import (
	"log"
	"sync"

	"github.com/loomworks/weft/observability"
	"github.com/loomworks/weft/wire"
)

// Handler processes one well-formed inbound message on the connection's
// delivery goroutine.
type Handler func(c *Conn, msg *wire.Message)

// Dispatcher routes messages by mtype. A message whose type has no handler
// means the peer speaks a protocol this endpoint does not implement, so the
// connection is closed. Registration is safe against concurrent dispatch.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[wire.MType]Handler
	logger   *log.Logger
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[wire.MType]Handler),
		logger:   log.Default(),
	}
}

// SetLogger replaces the dispatcher's logger; nil keeps the current one.
func (d *Dispatcher) SetLogger(l *log.Logger) {
	if l != nil {
		d.logger = l
	}
}

// Register binds a handler to an mtype, replacing any previous binding.
func (d *Dispatcher) Register(t wire.MType, h Handler) {
	d.mu.Lock()
	d.handlers[t] = h
	d.mu.Unlock()
}

// Dispatch routes one message. Unknown mtype closes the connection.
func (d *Dispatcher) Dispatch(c *Conn, msg *wire.Message) {
	d.mu.RLock()
	h := d.handlers[msg.Body.MType()]
	d.mu.RUnlock()
	if h == nil {
		d.logger.Printf("transport: no handler for %s from %s, closing", msg.Body.MType(), c.RemoteAddr())
		c.closeWith(observability.CloseReasonUnknownType)
		return
	}
	h(c, msg)
}

// RegisterTyped binds a handler that receives the message narrowed to one
// body variant. The codec guarantees the variant matches the frame's mtype,
// so the narrowing cannot fail for frames that arrived through it.
func RegisterTyped[B wire.Body](d *Dispatcher, t wire.MType, h func(c *Conn, id string, body B)) {
	d.Register(t, func(c *Conn, msg *wire.Message) {
		body, ok := msg.Body.(B)
		if !ok {
			d.logger.Printf("transport: %s payload has unexpected variant %T", t, msg.Body)
			c.closeWith(observability.CloseReasonUnknownType)
			return
		}
		h(c, msg.ID, body)
	})
}
