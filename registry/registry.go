// Package registry tracks which endpoints host which named methods and
// pushes online/offline notifications to the discoverers that asked about
// them. The client side keeps a routing table updated by those pushes and
// selects hosts round-robin.
package registry

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/loomworks/weft/observability"
	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

// Config controls the registry core.
type Config struct {
	Logger   *log.Logger                    // Destination for error lines; nil uses log.Default().
	Observer observability.RegistryObserver // Optional metrics observer.
}

type providerRecord struct {
	conn *transport.Conn
	host wire.Host

	mu      sync.Mutex
	methods []string // Ordered set of method names this provider registered.
}

func (p *providerRecord) appendMethod(method string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.methods {
		if m == method {
			return false
		}
	}
	p.methods = append(p.methods, method)
	return true
}

func (p *providerRecord) listMethods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.methods))
	copy(out, p.methods)
	return out
}

type discovererRecord struct {
	conn *transport.Conn

	mu      sync.Mutex
	methods []string // Ordered set of method names this discoverer asked about.
}

func (d *discovererRecord) appendMethod(method string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.methods {
		if m == method {
			return
		}
	}
	d.methods = append(d.methods, method)
}

// Registry is the server core: provider and discoverer tables indexed both
// by method and by connection. The outer mutex guards all four maps; the
// per-record mutexes guard only their method slices, and the outer lock is
// always taken first.
type Registry struct {
	cfg Config

	mu                  sync.Mutex
	providersByMethod   map[string]map[*providerRecord]struct{}
	providersByConn     map[*transport.Conn]*providerRecord
	discoverersByMethod map[string]map[*discovererRecord]struct{}
	discoverersByConn   map[*transport.Conn]*discovererRecord
}

// New constructs an empty registry.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopRegistryObserver
	}
	return &Registry{
		cfg:                 cfg,
		providersByMethod:   make(map[string]map[*providerRecord]struct{}),
		providersByConn:     make(map[*transport.Conn]*providerRecord),
		discoverersByMethod: make(map[string]map[*discovererRecord]struct{}),
		discoverersByConn:   make(map[*transport.Conn]*discovererRecord),
	}
}

// Bind installs the registry's handlers on a fabric server.
func (r *Registry) Bind(s *transport.Server) {
	transport.RegisterTyped(s.Dispatcher(), wire.ReqService, r.OnServiceRequest)
	s.OnConnClose(r.OnDisconnect)
}

// OnServiceRequest handles one REGISTRY or DISCOVERY operation. Other
// optypes are answered with INVALID_OPTYPE.
func (r *Registry) OnServiceRequest(c *transport.Conn, id string, req *wire.ServiceRequest) {
	switch req.ServiceOptype() {
	case wire.ServiceRegistry:
		r.register(c, *req.Host, req.Method)
		r.respond(c, id, wire.NewServiceResponse(wire.CodeOK, wire.ServiceRegistry))
	case wire.ServiceDiscovery:
		hosts := r.discover(c, req.Method)
		if len(hosts) == 0 {
			r.respond(c, id, wire.NewServiceResponse(wire.CodeServiceNotFound, wire.ServiceDiscovery))
			return
		}
		rsp := wire.NewServiceResponse(wire.CodeOK, wire.ServiceDiscovery)
		rsp.Method = req.Method
		rsp.Hosts = hosts
		r.respond(c, id, rsp)
	default:
		r.cfg.Logger.Printf("registry: invalid service optype %s from %s", req.ServiceOptype(), c.RemoteAddr())
		r.respond(c, id, wire.NewServiceResponse(wire.CodeInvalidOptype, req.ServiceOptype()))
	}
}

// register upserts a provider record, indexes the method, and pushes ONLINE
// to every discoverer of that method.
func (r *Registry) register(c *transport.Conn, host wire.Host, method string) {
	r.mu.Lock()
	p := r.providersByConn[c]
	if p == nil {
		p = &providerRecord{conn: c, host: host}
		r.providersByConn[c] = p
	}
	set := r.providersByMethod[method]
	if set == nil {
		set = make(map[*providerRecord]struct{})
		r.providersByMethod[method] = set
	}
	set[p] = struct{}{}
	recipients := r.discoverersOf(method)
	n := len(r.providersByConn)
	r.mu.Unlock()

	p.appendMethod(method)
	r.cfg.Observer.Providers(n)
	r.notify(recipients, wire.ServiceOnline, method, host)
}

// discover upserts a discoverer record, indexes the method, and returns the
// hosts currently providing it.
func (r *Registry) discover(c *transport.Conn, method string) []wire.Host {
	r.mu.Lock()
	d := r.discoverersByConn[c]
	if d == nil {
		d = &discovererRecord{conn: c}
		r.discoverersByConn[c] = d
	}
	set := r.discoverersByMethod[method]
	if set == nil {
		set = make(map[*discovererRecord]struct{})
		r.discoverersByMethod[method] = set
	}
	set[d] = struct{}{}
	var hosts []wire.Host
	for p := range r.providersByMethod[method] {
		hosts = append(hosts, p.host)
	}
	n := len(r.discoverersByConn)
	r.mu.Unlock()

	d.appendMethod(method)
	r.cfg.Observer.Discoverers(n)
	return hosts
}

type offlineEvent struct {
	method     string
	recipients []*transport.Conn
}

// OnDisconnect reaps every record keyed by the closed connection. A
// provider's methods are pushed OFFLINE to their discoverers first.
func (r *Registry) OnDisconnect(c *transport.Conn) {
	r.mu.Lock()
	p := r.providersByConn[c]
	var offline []offlineEvent
	if p != nil {
		for _, method := range p.listMethods() {
			if set := r.providersByMethod[method]; set != nil {
				delete(set, p)
				if len(set) == 0 {
					delete(r.providersByMethod, method)
				}
			}
			offline = append(offline, offlineEvent{method, r.discoverersOf(method)})
		}
		delete(r.providersByConn, c)
	}
	if d := r.discoverersByConn[c]; d != nil {
		for method, set := range r.discoverersByMethod {
			delete(set, d)
			if len(set) == 0 {
				delete(r.discoverersByMethod, method)
			}
		}
		delete(r.discoverersByConn, c)
	}
	np, nd := len(r.providersByConn), len(r.discoverersByConn)
	r.mu.Unlock()

	r.cfg.Observer.Providers(np)
	r.cfg.Observer.Discoverers(nd)
	if p != nil {
		for _, o := range offline {
			r.notify(o.recipients, wire.ServiceOffline, o.method, p.host)
		}
	}
}

// discoverersOf snapshots the connections subscribed to a method's
// notifications. Caller holds r.mu.
func (r *Registry) discoverersOf(method string) []*transport.Conn {
	set := r.discoverersByMethod[method]
	if len(set) == 0 {
		return nil
	}
	conns := make([]*transport.Conn, 0, len(set))
	for d := range set {
		conns = append(conns, d.conn)
	}
	return conns
}

// notify pushes one ONLINE or OFFLINE event to each recipient. Sends run
// outside the registry lock; a dead recipient is skipped and will be reaped
// by its own disconnect.
func (r *Registry) notify(recipients []*transport.Conn, op wire.ServiceOp, method string, host wire.Host) {
	if len(recipients) == 0 {
		return
	}
	msg := &wire.Message{
		ID:   uuid.NewString(),
		Body: wire.NewServiceRequest(op, method, &host),
	}
	for _, conn := range recipients {
		if err := conn.Send(msg); err != nil {
			r.cfg.Logger.Printf("registry: %s notify for %q to %s dropped: %v", op, method, conn.RemoteAddr(), err)
		}
	}
	r.cfg.Observer.Notification(op.String())
}

func (r *Registry) respond(c *transport.Conn, id string, body *wire.ServiceResponse) {
	if err := c.Send(&wire.Message{ID: id, Body: body}); err != nil {
		r.cfg.Logger.Printf("registry: response %s dropped: %v", id, err)
	}
}
