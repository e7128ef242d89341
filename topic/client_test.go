package topic_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/loomworks/weft/requestor"
	"github.com/loomworks/weft/topic"
	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

// startBrokerPeer serves a broker over one end of a pipe and returns a
// topic client wired to the other end.
func startBrokerPeer(t *testing.T, b *topic.Broker) (*topic.Client, *transport.Conn) {
	t.Helper()
	a, bEnd := net.Pipe()
	t.Cleanup(func() { a.Close(); bEnd.Close() })

	sd := transport.NewDispatcher()
	transport.RegisterTyped(sd, wire.ReqTopic, b.OnTopicRequest)
	serverConn := transport.NewConn(a, 0)
	go serverConn.Serve(sd, b.OnDisconnect)

	req := requestor.New()
	cd := transport.NewDispatcher()
	req.Bind(cd, wire.RspTopic)
	cli := topic.NewClient(req, 2*time.Second)
	cli.Bind(cd)
	clientConn := transport.NewConn(bEnd, 0)
	go clientConn.Serve(cd, func(c *transport.Conn) { req.FailConn(c) })
	return cli, clientConn
}

func TestClientSubscribeReceivesPublishes(t *testing.T) {
	broker := topic.New(topic.Config{})
	cli, conn := startBrokerPeer(t, broker)
	ctx := context.Background()

	if err := cli.Create(ctx, conn, "daily.news"); err != nil {
		t.Fatal(err)
	}
	got := make(chan string, 8)
	err := cli.Subscribe(ctx, conn, "daily.news", func(topicKey string, payload string) {
		if topicKey != "daily.news" {
			t.Errorf("callback topic %q", topicKey)
		}
		got <- payload
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := cli.Publish(ctx, conn, "daily.news", "hello"); err != nil {
		t.Fatal(err)
	}
	select {
	case payload := <-got:
		if payload != "hello" {
			t.Fatalf("payload %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for publish")
	}
}

func TestClientSubscribeUnknownTopicRollsBack(t *testing.T) {
	broker := topic.New(topic.Config{})
	cli, conn := startBrokerPeer(t, broker)
	ctx := context.Background()

	err := cli.Subscribe(ctx, conn, "missing", func(string, string) {
		t.Error("callback must not fire for a failed subscribe")
	})
	var se *wire.StatusError
	if !errors.As(err, &se) || se.Code != wire.CodeTopicNotFound {
		t.Fatalf("expected NOT_FOUND_TOPIC, got %v", err)
	}
}

func TestClientCancelStopsDelivery(t *testing.T) {
	broker := topic.New(topic.Config{})
	cli, conn := startBrokerPeer(t, broker)
	ctx := context.Background()

	if err := cli.Create(ctx, conn, "t"); err != nil {
		t.Fatal(err)
	}
	got := make(chan string, 8)
	if err := cli.Subscribe(ctx, conn, "t", func(_, payload string) { got <- payload }); err != nil {
		t.Fatal(err)
	}
	if err := cli.Cancel(ctx, conn, "t"); err != nil {
		t.Fatal(err)
	}
	if err := cli.Publish(ctx, conn, "t", "after-cancel"); err != nil {
		t.Fatal(err)
	}
	select {
	case payload := <-got:
		t.Fatalf("cancelled subscription received %q", payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClientRemoveUnknownTopic(t *testing.T) {
	broker := topic.New(topic.Config{})
	cli, conn := startBrokerPeer(t, broker)

	err := cli.Remove(context.Background(), conn, "missing")
	var se *wire.StatusError
	if !errors.As(err, &se) || se.Code != wire.CodeTopicNotFound {
		t.Fatalf("expected NOT_FOUND_TOPIC, got %v", err)
	}
}
