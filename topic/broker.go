// Package topic implements named fan-out channels: a broker holding the
// topic ↔ subscriber membership graph with safe teardown on disconnect, and
// a client that drives it and dispatches received publishes to callbacks.
package topic

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/loomworks/weft/observability"
	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

// Config controls the broker.
type Config struct {
	Logger   *log.Logger                 // Destination for error lines; nil uses log.Default().
	Observer observability.TopicObserver // Optional metrics observer.
}

type subscriberState struct {
	conn *transport.Conn

	mu     sync.Mutex
	topics map[string]struct{} // Names of topics this connection subscribes to.
}

func (s *subscriberState) addTopic(name string) {
	s.mu.Lock()
	s.topics[name] = struct{}{}
	s.mu.Unlock()
}

func (s *subscriberState) removeTopic(name string) {
	s.mu.Lock()
	delete(s.topics, name)
	s.mu.Unlock()
}

func (s *subscriberState) listTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for name := range s.topics {
		out = append(out, name)
	}
	return out
}

type topicState struct {
	name string

	mu   sync.Mutex
	subs map[*subscriberState]struct{}
}

func (t *topicState) addSubscriber(s *subscriberState) {
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()
}

func (t *topicState) removeSubscriber(s *subscriberState) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

// listSubscribers snapshots the membership, so fan-out and teardown iterate
// without holding the topic lock.
func (t *topicState) listSubscribers() []*subscriberState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*subscriberState, 0, len(t.subs))
	for s := range t.subs {
		out = append(out, s)
	}
	return out
}

// Broker owns the two top-level maps of the membership graph. Its mutex is
// always acquired before any topic or subscriber lock, never after.
type Broker struct {
	cfg Config

	mu     sync.Mutex
	topics map[string]*topicState
	subs   map[*transport.Conn]*subscriberState
}

// New constructs an empty broker.
func New(cfg Config) *Broker {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopTopicObserver
	}
	return &Broker{
		cfg:    cfg,
		topics: make(map[string]*topicState),
		subs:   make(map[*transport.Conn]*subscriberState),
	}
}

// Bind installs the broker's handlers on a fabric server.
func (b *Broker) Bind(s *transport.Server) {
	transport.RegisterTyped(s.Dispatcher(), wire.ReqTopic, b.OnTopicRequest)
	s.OnConnClose(b.OnDisconnect)
}

// OnTopicRequest executes one topic operation and acknowledges it.
func (b *Broker) OnTopicRequest(c *transport.Conn, id string, req *wire.TopicRequest) {
	var code wire.RCode
	switch req.TopicOptype() {
	case wire.TopicCreate:
		code = b.create(req.TopicKey)
	case wire.TopicRemove:
		code = b.remove(req.TopicKey)
	case wire.TopicSubscribe:
		code = b.subscribe(c, req.TopicKey)
	case wire.TopicCancel:
		code = b.cancel(c, req.TopicKey)
	case wire.TopicPublish:
		code = b.publish(req.TopicKey, req.Msg())
	default:
		code = wire.CodeInvalidOptype
	}
	if code != wire.CodeOK {
		b.cfg.Logger.Printf("topic: %s %q from %s: %s", req.TopicOptype(), req.TopicKey, c.RemoteAddr(), code.Reason())
	}
	if err := c.Send(&wire.Message{ID: id, Body: wire.NewTopicResponse(code)}); err != nil {
		b.cfg.Logger.Printf("topic: response %s dropped: %v", id, err)
	}
}

// create makes an empty topic. Re-creating is a no-op success.
func (b *Broker) create(name string) wire.RCode {
	b.mu.Lock()
	if _, exists := b.topics[name]; !exists {
		b.topics[name] = &topicState{name: name, subs: make(map[*subscriberState]struct{})}
	}
	n := len(b.topics)
	b.mu.Unlock()
	b.cfg.Observer.Topics(n)
	return wire.CodeOK
}

// remove erases a topic and strips its name from every subscriber record.
func (b *Broker) remove(name string) wire.RCode {
	b.mu.Lock()
	t, exists := b.topics[name]
	if !exists {
		b.mu.Unlock()
		return wire.CodeTopicNotFound
	}
	delete(b.topics, name)
	n := len(b.topics)
	b.mu.Unlock()

	for _, s := range t.listSubscribers() {
		s.removeTopic(name)
	}
	b.cfg.Observer.Topics(n)
	return wire.CodeOK
}

// subscribe adds the connection to the topic's membership, on both sides of
// the graph.
func (b *Broker) subscribe(c *transport.Conn, name string) wire.RCode {
	b.mu.Lock()
	t, exists := b.topics[name]
	if !exists {
		b.mu.Unlock()
		return wire.CodeTopicNotFound
	}
	s := b.subs[c]
	if s == nil {
		s = &subscriberState{conn: c, topics: make(map[string]struct{})}
		b.subs[c] = s
	}
	n := len(b.subs)
	b.mu.Unlock()

	t.addSubscriber(s)
	s.addTopic(name)
	b.cfg.Observer.Subscribers(n)
	return wire.CodeOK
}

// cancel removes the connection from the topic's membership, on both sides.
func (b *Broker) cancel(c *transport.Conn, name string) wire.RCode {
	b.mu.Lock()
	t, exists := b.topics[name]
	s := b.subs[c]
	b.mu.Unlock()
	if !exists || s == nil {
		return wire.CodeTopicNotFound
	}
	s.removeTopic(name)
	t.removeSubscriber(s)
	return wire.CodeOK
}

// publish fans the payload out to the topic's current subscribers. Delivery
// iterates a snapshot, so a racing disconnect at worst receives one final
// message. One dead subscriber never aborts delivery to the rest.
func (b *Broker) publish(name string, payload string) wire.RCode {
	b.mu.Lock()
	t, exists := b.topics[name]
	b.mu.Unlock()
	if !exists {
		return wire.CodeTopicNotFound
	}
	msg := &wire.Message{
		ID:   uuid.NewString(),
		Body: wire.NewTopicPublish(name, payload),
	}
	delivered := 0
	for _, s := range t.listSubscribers() {
		if err := s.conn.Send(msg); err != nil {
			b.cfg.Logger.Printf("topic: publish %q to %s dropped: %v", name, s.conn.RemoteAddr(), err)
			continue
		}
		delivered++
	}
	b.cfg.Observer.Publish(delivered)
	return wire.CodeOK
}

// OnDisconnect removes the connection's subscriber record and its
// membership in every topic it subscribed to.
func (b *Broker) OnDisconnect(c *transport.Conn) {
	b.mu.Lock()
	s := b.subs[c]
	if s == nil {
		b.mu.Unlock()
		return
	}
	delete(b.subs, c)
	names := s.listTopics()
	topics := make([]*topicState, 0, len(names))
	for _, name := range names {
		if t := b.topics[name]; t != nil {
			topics = append(topics, t)
		}
	}
	n := len(b.subs)
	b.mu.Unlock()

	for _, t := range topics {
		t.removeSubscriber(s)
	}
	b.cfg.Observer.Subscribers(n)
}
