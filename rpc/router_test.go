package rpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/loomworks/weft/requestor"
	"github.com/loomworks/weft/rpc"
	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

type addArgs struct {
	Num1 int `json:"num1"`
	Num2 int `json:"num2"`
}

func addMethod(t *testing.T) *rpc.MethodDesc {
	t.Helper()
	return rpc.NewMethod("Add", func(params json.RawMessage) (json.RawMessage, error) {
		var a addArgs
		if err := json.Unmarshal(params, &a); err != nil {
			return nil, err
		}
		return json.Marshal(a.Num1 + a.Num2)
	}).Param("num1", rpc.Integral).Param("num2", rpc.Integral).Returns(rpc.Integral)
}

// startRPCPeer serves a router over one end of a pipe and returns a caller
// wired to the other end.
func startRPCPeer(t *testing.T, router *rpc.Router) (*rpc.Caller, *transport.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	sd := transport.NewDispatcher()
	router.Bind(sd)
	serverConn := transport.NewConn(a, 0)
	go serverConn.Serve(sd, nil)

	req := requestor.New()
	cd := transport.NewDispatcher()
	req.Bind(cd, wire.RspRPC)
	clientConn := transport.NewConn(b, 0)
	go clientConn.Serve(cd, func(c *transport.Conn) { req.FailConn(c) })
	return rpc.NewCaller(req, 2*time.Second), clientConn
}

func TestCallSyncAddsIntegers(t *testing.T) {
	router := rpc.NewRouter()
	if err := router.Register(addMethod(t)); err != nil {
		t.Fatal(err)
	}
	caller, conn := startRPCPeer(t, router)

	result, err := caller.Call(context.Background(), conn, "Add", addArgs{Num1: 11, Num2: 22})
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != "33" {
		t.Fatalf("Add(11,22) = %s", result)
	}
}

func TestCallMissingParamRejected(t *testing.T) {
	router := rpc.NewRouter()
	if err := router.Register(addMethod(t)); err != nil {
		t.Fatal(err)
	}
	caller, conn := startRPCPeer(t, router)

	_, err := caller.Call(context.Background(), conn, "Add", json.RawMessage(`{"num1":1}`))
	var se *wire.StatusError
	if !errors.As(err, &se) || se.Code != wire.CodeInvalidParams {
		t.Fatalf("expected INVALID_PARAMS, got %v", err)
	}
}

func TestCallWrongParamKindRejected(t *testing.T) {
	router := rpc.NewRouter()
	if err := router.Register(addMethod(t)); err != nil {
		t.Fatal(err)
	}
	caller, conn := startRPCPeer(t, router)

	for _, params := range []string{
		`{"num1":"11","num2":22}`,
		`{"num1":1.5,"num2":22}`,
		`{"num1":true,"num2":22}`,
	} {
		_, err := caller.Call(context.Background(), conn, "Add", json.RawMessage(params))
		var se *wire.StatusError
		if !errors.As(err, &se) || se.Code != wire.CodeInvalidParams {
			t.Fatalf("params %s: expected INVALID_PARAMS, got %v", params, err)
		}
	}
}

func TestCallUnknownMethodKeepsConnection(t *testing.T) {
	router := rpc.NewRouter()
	if err := router.Register(addMethod(t)); err != nil {
		t.Fatal(err)
	}
	caller, conn := startRPCPeer(t, router)

	_, err := caller.Call(context.Background(), conn, "Mul", json.RawMessage(`{}`))
	var se *wire.StatusError
	if !errors.As(err, &se) || se.Code != wire.CodeServiceNotFound {
		t.Fatalf("expected NOT_FOUND_SERVICE, got %v", err)
	}
	// The connection stays usable: method tables may differ per peer.
	result, err := caller.Call(context.Background(), conn, "Add", addArgs{Num1: 1, Num2: 2})
	if err != nil || string(result) != "3" {
		t.Fatalf("follow-up call failed: %s, %v", result, err)
	}
}

func TestHandlerPanicReportsInternalError(t *testing.T) {
	router := rpc.NewRouter()
	boom := rpc.NewMethod("Boom", func(params json.RawMessage) (json.RawMessage, error) {
		panic("kaboom")
	})
	if err := router.Register(boom); err != nil {
		t.Fatal(err)
	}
	caller, conn := startRPCPeer(t, router)

	_, err := caller.Call(context.Background(), conn, "Boom", nil)
	var se *wire.StatusError
	if !errors.As(err, &se) || se.Code != wire.CodeInternalError {
		t.Fatalf("expected INVALID_ERROR, got %v", err)
	}
	if !conn.Connected() {
		t.Fatal("handler panic must not kill the connection")
	}
}

func TestHandlerErrorReportsInternalError(t *testing.T) {
	router := rpc.NewRouter()
	fail := rpc.NewMethod("Fail", func(params json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("nope")
	})
	if err := router.Register(fail); err != nil {
		t.Fatal(err)
	}
	caller, conn := startRPCPeer(t, router)

	_, err := caller.Call(context.Background(), conn, "Fail", nil)
	var se *wire.StatusError
	if !errors.As(err, &se) || se.Code != wire.CodeInternalError {
		t.Fatalf("expected INVALID_ERROR, got %v", err)
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	router := rpc.NewRouter()
	if err := router.Register(addMethod(t)); err != nil {
		t.Fatal(err)
	}
	if err := router.Register(addMethod(t)); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestParamKindMatching(t *testing.T) {
	cases := []struct {
		kind rpc.ParamKind
		raw  string
		want bool
	}{
		{rpc.Bool, `true`, true},
		{rpc.Bool, `1`, false},
		{rpc.Integral, `42`, true},
		{rpc.Integral, `-7`, true},
		{rpc.Integral, `4.2`, false},
		{rpc.Integral, `"42"`, false},
		{rpc.Numeric, `4.2`, true},
		{rpc.Numeric, `"4.2"`, false},
		{rpc.String, `"hi"`, true},
		{rpc.String, `123`, false},
		{rpc.Array, `[1,2]`, true},
		{rpc.Object, `{"a":1}`, true},
		{rpc.Object, `[]`, false},
	}
	for _, c := range cases {
		desc := rpc.NewMethod("m", func(json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`true`), nil
		}).Param("p", c.kind)
		params := json.RawMessage(`{"p":` + c.raw + `}`)
		router := rpc.NewRouter()
		if err := router.Register(desc); err != nil {
			t.Fatal(err)
		}
		caller, conn := startRPCPeer(t, router)
		_, err := caller.Call(context.Background(), conn, "m", params)
		if c.want && err != nil {
			t.Errorf("%v %s: unexpected error %v", c.kind, c.raw, err)
		}
		if !c.want {
			var se *wire.StatusError
			if !errors.As(err, &se) || se.Code != wire.CodeInvalidParams {
				t.Errorf("%v %s: expected INVALID_PARAMS, got %v", c.kind, c.raw, err)
			}
		}
	}
}
