package registry

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

// frameConn returns a transport connection and a channel of every message
// the registry writes to it.
func frameConn(t *testing.T) (*transport.Conn, <-chan *wire.Message) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	conn := transport.NewConn(a, 0)
	out := make(chan *wire.Message, 16)
	go func() {
		defer close(out)
		for {
			msg, err := wire.ReadMessage(b, 0)
			if err != nil {
				return
			}
			out <- msg
		}
	}()
	return conn, out
}

func recvMessage(t *testing.T, ch <-chan *wire.Message, what string) *wire.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatalf("connection closed while waiting for %s", what)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
	return nil
}

func sreq(op wire.ServiceOp, method string, host *wire.Host) *wire.ServiceRequest {
	return wire.NewServiceRequest(op, method, host)
}

var testHost = wire.Host{IP: "127.0.0.1", Port: 18081}

func TestRegistrySymmetry(t *testing.T) {
	r := New(Config{})
	conn1, out1 := frameConn(t)
	conn2, out2 := frameConn(t)

	r.OnServiceRequest(conn1, "r1", sreq(wire.ServiceRegistry, "Add", &testHost))
	r.OnServiceRequest(conn1, "r2", sreq(wire.ServiceRegistry, "Mul", &testHost))
	host2 := wire.Host{IP: "127.0.0.1", Port: 18082}
	r.OnServiceRequest(conn2, "r3", sreq(wire.ServiceRegistry, "Add", &host2))
	recvMessage(t, out1, "ack")
	recvMessage(t, out1, "ack")
	recvMessage(t, out2, "ack")

	r.mu.Lock()
	p1 := r.providersByConn[conn1]
	p2 := r.providersByConn[conn2]
	addSet := r.providersByMethod["Add"]
	mulSet := r.providersByMethod["Mul"]
	r.mu.Unlock()
	if p1 == nil || p2 == nil {
		t.Fatal("provider records missing")
	}
	if _, ok := addSet[p1]; !ok {
		t.Fatal("conn1 not indexed under Add")
	}
	if _, ok := addSet[p2]; !ok {
		t.Fatal("conn2 not indexed under Add")
	}
	if _, ok := mulSet[p1]; !ok {
		t.Fatal("conn1 not indexed under Mul")
	}
	if got := p1.listMethods(); len(got) != 2 {
		t.Fatalf("conn1 methods = %v", got)
	}

	// Re-registering the same method does not duplicate it.
	r.OnServiceRequest(conn1, "r4", sreq(wire.ServiceRegistry, "Add", &testHost))
	recvMessage(t, out1, "ack")
	if got := p1.listMethods(); len(got) != 2 {
		t.Fatalf("re-register duplicated methods: %v", got)
	}

	r.OnDisconnect(conn1)
	r.mu.Lock()
	_, stillThere := r.providersByConn[conn1]
	addSet = r.providersByMethod["Add"]
	_, mulLeft := r.providersByMethod["Mul"]
	r.mu.Unlock()
	if stillThere {
		t.Fatal("conn1 survives disconnect")
	}
	if _, ok := addSet[p1]; ok {
		t.Fatal("conn1 still indexed under Add after disconnect")
	}
	if mulLeft {
		t.Fatal("empty Mul provider set not removed")
	}
}

func TestDiscoveryNotifyLifecycle(t *testing.T) {
	r := New(Config{})
	provider, pout := frameConn(t)
	discoverer, dout := frameConn(t)

	// Discovery against an empty registry fails.
	r.OnServiceRequest(discoverer, "d1", sreq(wire.ServiceDiscovery, "Add", nil))
	rsp := recvMessage(t, dout, "discovery response").Body.(*wire.ServiceResponse)
	if rsp.RCode() != wire.CodeServiceNotFound {
		t.Fatalf("empty registry answered %v", rsp.RCode())
	}

	// Registration pushes ONLINE to the discoverer.
	r.OnServiceRequest(provider, "p1", sreq(wire.ServiceRegistry, "Add", &testHost))
	ack := recvMessage(t, pout, "registry ack").Body.(*wire.ServiceResponse)
	if ack.RCode() != wire.CodeOK || ack.ServiceOptype() != wire.ServiceRegistry {
		t.Fatalf("unexpected ack %#v", ack)
	}
	push := recvMessage(t, dout, "online push").Body.(*wire.ServiceRequest)
	if push.ServiceOptype() != wire.ServiceOnline || push.Method != "Add" || *push.Host != testHost {
		t.Fatalf("unexpected online push %#v", push)
	}

	// A fresh discovery now succeeds and echoes the request id.
	r.OnServiceRequest(discoverer, "d2", sreq(wire.ServiceDiscovery, "Add", nil))
	msg := recvMessage(t, dout, "discovery response")
	if msg.ID != "d2" {
		t.Fatalf("discovery response id %q", msg.ID)
	}
	rsp = msg.Body.(*wire.ServiceResponse)
	if rsp.RCode() != wire.CodeOK || rsp.Method != "Add" || len(rsp.Hosts) != 1 || rsp.Hosts[0] != testHost {
		t.Fatalf("unexpected discovery response %#v", rsp)
	}

	// Provider disconnect pushes OFFLINE.
	r.OnDisconnect(provider)
	push = recvMessage(t, dout, "offline push").Body.(*wire.ServiceRequest)
	if push.ServiceOptype() != wire.ServiceOffline || push.Method != "Add" || *push.Host != testHost {
		t.Fatalf("unexpected offline push %#v", push)
	}

	// Discoverer disconnect leaves no trace.
	r.OnDisconnect(discoverer)
	r.mu.Lock()
	nConn := len(r.discoverersByConn)
	nMethod := len(r.discoverersByMethod)
	r.mu.Unlock()
	if nConn != 0 || nMethod != 0 {
		t.Fatalf("discoverer state leaked: %d conns, %d methods", nConn, nMethod)
	}
}

func TestNotifyOnlyReachesAskers(t *testing.T) {
	r := New(Config{})
	provider, pout := frameConn(t)
	asked, askedOut := frameConn(t)
	other, otherOut := frameConn(t)

	r.OnServiceRequest(asked, "d1", sreq(wire.ServiceDiscovery, "Add", nil))
	recvMessage(t, askedOut, "discovery response")
	r.OnServiceRequest(other, "d2", sreq(wire.ServiceDiscovery, "Mul", nil))
	recvMessage(t, otherOut, "discovery response")

	r.OnServiceRequest(provider, "p1", sreq(wire.ServiceRegistry, "Add", &testHost))
	recvMessage(t, pout, "ack")

	recvMessage(t, askedOut, "online push")
	select {
	case m := <-otherOut:
		t.Fatalf("uninvolved discoverer got %#v", m.Body)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestInvalidOptypeAtRegistry(t *testing.T) {
	r := New(Config{})
	conn, out := frameConn(t)

	// ONLINE is a valid wire optype but only the registry emits it;
	// receiving one is an invalid operation.
	r.OnServiceRequest(conn, "x1", sreq(wire.ServiceOnline, "Add", &testHost))
	rsp := recvMessage(t, out, "error response").Body.(*wire.ServiceResponse)
	if rsp.RCode() != wire.CodeInvalidOptype {
		t.Fatalf("expected INVALID_OPTYPE, got %v", rsp.RCode())
	}
}

func TestNotifySkipsDeadDiscoverer(t *testing.T) {
	r := New(Config{})
	provider, pout := frameConn(t)
	dead, deadOut := frameConn(t)

	r.OnServiceRequest(dead, "d1", sreq(wire.ServiceDiscovery, "Add", nil))
	recvMessage(t, deadOut, "discovery response")
	dead.Shutdown()

	r.OnServiceRequest(provider, "p1", sreq(wire.ServiceRegistry, "Add", &testHost))
	if ack := recvMessage(t, pout, "ack").Body.(*wire.ServiceResponse); ack.RCode() != wire.CodeOK {
		t.Fatalf("registration failed: %v", ack.RCode())
	}
}

func TestProviderReadFailure(t *testing.T) {
	// Sanity: reading from a closed pipe yields EOF, not a partial frame.
	a, b := net.Pipe()
	_ = a.Close()
	_, err := wire.ReadMessage(b, 0)
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("unexpected error %v", err)
	}
}
