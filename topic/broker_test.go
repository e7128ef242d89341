package topic

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

// frameConn returns a transport connection and a channel of every message
// the broker writes to it.
func frameConn(t *testing.T) (*transport.Conn, <-chan *wire.Message) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	conn := transport.NewConn(a, 0)
	out := make(chan *wire.Message, 64)
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

func recvAck(t *testing.T, ch <-chan *wire.Message, want wire.RCode) {
	t.Helper()
	for {
		m := recvMessage(t, ch, "acknowledgement")
		ack, ok := m.Body.(*wire.TopicResponse)
		if !ok {
			// A fan-out publish can interleave with acks; skip it.
			continue
		}
		if ack.RCode() != want {
			t.Fatalf("ack rcode %v, want %v", ack.RCode(), want)
		}
		return
	}
}

func recvPublish(t *testing.T, ch <-chan *wire.Message) *wire.TopicRequest {
	t.Helper()
	for {
		m := recvMessage(t, ch, "publish")
		if pub, ok := m.Body.(*wire.TopicRequest); ok {
			return pub
		}
	}
}

func TestBrokerMembershipSymmetry(t *testing.T) {
	b := New(Config{})
	conn, out := frameConn(t)

	b.OnTopicRequest(conn, "c1", wire.NewTopicRequest(wire.TopicCreate, "daily.news"))
	recvAck(t, out, wire.CodeOK)
	b.OnTopicRequest(conn, "c2", wire.NewTopicRequest(wire.TopicCreate, "daily.news"))
	recvAck(t, out, wire.CodeOK) // Idempotent.
	b.OnTopicRequest(conn, "s1", wire.NewTopicRequest(wire.TopicSubscribe, "daily.news"))
	recvAck(t, out, wire.CodeOK)

	b.mu.Lock()
	ts := b.topics["daily.news"]
	sub := b.subs[conn]
	b.mu.Unlock()
	if ts == nil || sub == nil {
		t.Fatal("membership records missing")
	}
	ts.mu.Lock()
	_, inTopic := ts.subs[sub]
	ts.mu.Unlock()
	sub.mu.Lock()
	_, inSub := sub.topics["daily.news"]
	sub.mu.Unlock()
	if !inTopic || !inSub {
		t.Fatal("membership graph out of sync")
	}

	b.OnTopicRequest(conn, "x1", wire.NewTopicRequest(wire.TopicCancel, "daily.news"))
	recvAck(t, out, wire.CodeOK)
	ts.mu.Lock()
	n := len(ts.subs)
	ts.mu.Unlock()
	sub.mu.Lock()
	m := len(sub.topics)
	sub.mu.Unlock()
	if n != 0 || m != 0 {
		t.Fatal("cancel left one side of the graph populated")
	}
}

func TestBrokerUnknownTopic(t *testing.T) {
	b := New(Config{})
	conn, out := frameConn(t)

	for _, req := range []*wire.TopicRequest{
		wire.NewTopicRequest(wire.TopicRemove, "nope"),
		wire.NewTopicRequest(wire.TopicSubscribe, "nope"),
		wire.NewTopicRequest(wire.TopicCancel, "nope"),
		wire.NewTopicPublish("nope", "m"),
	} {
		b.OnTopicRequest(conn, "q", req)
		recvAck(t, out, wire.CodeTopicNotFound)
	}
}

func TestBrokerCancelWithoutSubscription(t *testing.T) {
	b := New(Config{})
	conn, out := frameConn(t)
	b.OnTopicRequest(conn, "c1", wire.NewTopicRequest(wire.TopicCreate, "daily.news"))
	recvAck(t, out, wire.CodeOK)
	// Topic exists but this connection never subscribed.
	b.OnTopicRequest(conn, "x1", wire.NewTopicRequest(wire.TopicCancel, "daily.news"))
	recvAck(t, out, wire.CodeTopicNotFound)
}

func TestBrokerFanOut(t *testing.T) {
	b := New(Config{})
	pub, pubOut := frameConn(t)
	sub1, out1 := frameConn(t)
	sub2, out2 := frameConn(t)

	b.OnTopicRequest(pub, "c1", wire.NewTopicRequest(wire.TopicCreate, "daily.news"))
	recvAck(t, pubOut, wire.CodeOK)
	b.OnTopicRequest(sub1, "s1", wire.NewTopicRequest(wire.TopicSubscribe, "daily.news"))
	recvAck(t, out1, wire.CodeOK)
	b.OnTopicRequest(sub2, "s2", wire.NewTopicRequest(wire.TopicSubscribe, "daily.news"))
	recvAck(t, out2, wire.CodeOK)

	const n = 20
	for i := 0; i < n; i++ {
		b.OnTopicRequest(pub, fmt.Sprintf("p%d", i), wire.NewTopicPublish("daily.news", fmt.Sprintf("msg-%d", i)))
		recvAck(t, pubOut, wire.CodeOK)
	}
	for _, out := range []<-chan *wire.Message{out1, out2} {
		for i := 0; i < n; i++ {
			got := recvPublish(t, out)
			if want := fmt.Sprintf("msg-%d", i); got.Msg() != want {
				t.Fatalf("delivery %d = %q, want %q", i, got.Msg(), want)
			}
		}
	}

	// After one subscriber cancels, only the other receives.
	b.OnTopicRequest(sub1, "x1", wire.NewTopicRequest(wire.TopicCancel, "daily.news"))
	recvAck(t, out1, wire.CodeOK)
	b.OnTopicRequest(pub, "pz", wire.NewTopicPublish("daily.news", "after-cancel"))
	recvAck(t, pubOut, wire.CodeOK)
	if got := recvPublish(t, out2); got.Msg() != "after-cancel" {
		t.Fatalf("remaining subscriber got %q", got.Msg())
	}
	select {
	case m := <-out1:
		t.Fatalf("cancelled subscriber got %#v", m.Body)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBrokerRemoveStripsSubscribers(t *testing.T) {
	b := New(Config{})
	conn, out := frameConn(t)
	b.OnTopicRequest(conn, "c1", wire.NewTopicRequest(wire.TopicCreate, "t"))
	recvAck(t, out, wire.CodeOK)
	b.OnTopicRequest(conn, "s1", wire.NewTopicRequest(wire.TopicSubscribe, "t"))
	recvAck(t, out, wire.CodeOK)

	b.OnTopicRequest(conn, "r1", wire.NewTopicRequest(wire.TopicRemove, "t"))
	recvAck(t, out, wire.CodeOK)

	b.mu.Lock()
	sub := b.subs[conn]
	_, topicLeft := b.topics["t"]
	b.mu.Unlock()
	if topicLeft {
		t.Fatal("topic survived remove")
	}
	sub.mu.Lock()
	n := len(sub.topics)
	sub.mu.Unlock()
	if n != 0 {
		t.Fatal("subscriber record still names the removed topic")
	}
}

func TestBrokerDisconnectTeardown(t *testing.T) {
	b := New(Config{})
	conn, out := frameConn(t)
	other, otherOut := frameConn(t)

	b.OnTopicRequest(conn, "c1", wire.NewTopicRequest(wire.TopicCreate, "a"))
	recvAck(t, out, wire.CodeOK)
	b.OnTopicRequest(conn, "c2", wire.NewTopicRequest(wire.TopicCreate, "b"))
	recvAck(t, out, wire.CodeOK)
	b.OnTopicRequest(conn, "s1", wire.NewTopicRequest(wire.TopicSubscribe, "a"))
	recvAck(t, out, wire.CodeOK)
	b.OnTopicRequest(conn, "s2", wire.NewTopicRequest(wire.TopicSubscribe, "b"))
	recvAck(t, out, wire.CodeOK)
	b.OnTopicRequest(other, "s3", wire.NewTopicRequest(wire.TopicSubscribe, "a"))
	recvAck(t, otherOut, wire.CodeOK)

	b.OnDisconnect(conn)
	b.mu.Lock()
	_, subLeft := b.subs[conn]
	ta := b.topics["a"]
	tb := b.topics["b"]
	b.mu.Unlock()
	if subLeft {
		t.Fatal("subscriber record survived disconnect")
	}
	if na := len(ta.listSubscribers()); na != 1 {
		t.Fatalf("topic a has %d subscribers after disconnect", na)
	}
	if nb := len(tb.listSubscribers()); nb != 0 {
		t.Fatalf("topic b has %d subscribers after disconnect", nb)
	}

	// A dead subscriber in no set: publish reaches only the live one. The
	// fan-out lands before the publisher's own ack.
	b.OnTopicRequest(other, "p1", wire.NewTopicPublish("a", "still-here"))
	if got := recvPublish(t, otherOut); got.Msg() != "still-here" {
		t.Fatalf("live subscriber got %q", got.Msg())
	}
	recvAck(t, otherOut, wire.CodeOK)
}
