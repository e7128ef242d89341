package registry

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

// MethodHosts is the current provider list for one method, selected
// round-robin. The counter wraps at read time, so the list growing or
// shrinking needs no recomputation.
type MethodHosts struct {
	mu    sync.Mutex
	idx   uint64
	hosts []wire.Host
}

// NewMethodHosts seeds a list from a discovery answer.
func NewMethodHosts(hosts []wire.Host) *MethodHosts {
	mh := &MethodHosts{}
	mh.hosts = append(mh.hosts, hosts...)
	return mh
}

// Append records a host that came online.
func (m *MethodHosts) Append(host wire.Host) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.hosts {
		if h == host {
			return
		}
	}
	m.hosts = append(m.hosts, host)
}

// Remove drops a host that went offline.
func (m *MethodHosts) Remove(host wire.Host) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, h := range m.hosts {
		if h == host {
			m.hosts = append(m.hosts[:i], m.hosts[i+1:]...)
			return
		}
	}
}

// Choose returns the next host round-robin, or false when the list is
// empty.
func (m *MethodHosts) Choose() (wire.Host, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.hosts) == 0 {
		return wire.Host{}, false
	}
	pos := m.idx % uint64(len(m.hosts))
	m.idx++
	return m.hosts[pos], true
}

// Empty reports whether no provider is known.
func (m *MethodHosts) Empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hosts) == 0
}

// OfflineFunc is invoked when a provider host goes offline, so callers can
// drop cached connections to it.
type OfflineFunc func(host wire.Host)

// Discoverer resolves methods to provider hosts through a registry and
// keeps its routing table current from ONLINE/OFFLINE pushes.
type Discoverer struct {
	req     *requestor.Requestor
	offline OfflineFunc
	timeout time.Duration
	logger  *log.Logger

	mu          sync.Mutex
	methodHosts map[string]*MethodHosts
}

// NewDiscoverer wraps a correlator. offline may be nil. timeout<=0 selects
// DefaultRequestTimeout.
func NewDiscoverer(r *requestor.Requestor, offline OfflineFunc, timeout time.Duration) *Discoverer {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Discoverer{
		req:         r,
		offline:     offline,
		timeout:     timeout,
		logger:      log.Default(),
		methodHosts: make(map[string]*MethodHosts),
	}
}

// SetLogger replaces the logger; nil keeps the current one.
func (d *Discoverer) SetLogger(l *log.Logger) {
	if l != nil {
		d.logger = l
	}
}

// Bind installs the discoverer's handlers on the dispatcher toward the
// registry: notification pushes arrive as ServiceRequests.
func (d *Discoverer) Bind(disp *transport.Dispatcher) {
	transport.RegisterTyped(disp, wire.ReqService, d.OnServiceRequest)
}

// Discover returns a provider host for method, asking the registry only
// when the local table has none. Selection is round-robin over the current
// list.
func (d *Discoverer) Discover(ctx context.Context, conn *transport.Conn, method string) (wire.Host, error) {
	d.mu.Lock()
	mh := d.methodHosts[method]
	d.mu.Unlock()
	if mh != nil {
		if host, ok := mh.Choose(); ok {
			return host, nil
		}
	}

	msg := &wire.Message{
		ID:   uuid.NewString(),
		Body: wire.NewServiceRequest(wire.ServiceDiscovery, method, nil),
	}
	ctx, cancel := contextutil.WithTimeout(ctx, timeoutFor(ctx, d.timeout))
	defer cancel()
	rsp, err := d.req.SendSync(ctx, conn, msg)
	if err != nil {
		return wire.Host{}, err
	}
	body, ok := rsp.Body.(*wire.ServiceResponse)
	if !ok {
		return wire.Host{}, &wire.StatusError{Code: wire.CodeBadMessageType}
	}
	if err := wire.StatusOf(body.RCode()); err != nil {
		return wire.Host{}, err
	}

	d.mu.Lock()
	mh = d.methodHosts[method]
	if mh == nil {
		mh = NewMethodHosts(body.Hosts)
		d.methodHosts[method] = mh
	} else {
		for _, h := range body.Hosts {
			mh.Append(h)
		}
	}
	d.mu.Unlock()
	host, ok := mh.Choose()
	if !ok {
		return wire.Host{}, &wire.StatusError{Code: wire.CodeServiceNotFound}
	}
	return host, nil
}

// OnServiceRequest consumes ONLINE/OFFLINE pushes from the registry. Other
// optypes are logged and dropped.
func (d *Discoverer) OnServiceRequest(c *transport.Conn, id string, req *wire.ServiceRequest) {
	switch req.ServiceOptype() {
	case wire.ServiceOnline:
		d.mu.Lock()
		mh := d.methodHosts[req.Method]
		if mh == nil {
			mh = NewMethodHosts(nil)
			d.methodHosts[req.Method] = mh
		}
		d.mu.Unlock()
		mh.Append(*req.Host)
	case wire.ServiceOffline:
		d.mu.Lock()
		mh := d.methodHosts[req.Method]
		d.mu.Unlock()
		if mh == nil {
			return
		}
		mh.Remove(*req.Host)
		if d.offline != nil {
			d.offline(*req.Host)
		}
	default:
		d.logger.Printf("registry: unexpected %s push from %s, dropped", req.ServiceOptype(), c.RemoteAddr())
	}
}
