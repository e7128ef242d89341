package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

// ParamKind names the JSON shape a declared parameter or return value must
// have.
type ParamKind int

const (
	Bool ParamKind = iota
	Integral
	Numeric
	String
	Array
	Object
)

func (k ParamKind) String() string {
	switch k {
	case Bool:
		return "bool"
	case Integral:
		return "integral"
	case Numeric:
		return "numeric"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	}
	return fmt.Sprintf("ParamKind(%d)", int(k))
}

// matches reports whether raw is a JSON value of this kind.
func (k ParamKind) matches(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 {
		return false
	}
	switch k {
	case Bool:
		return bytes.Equal(b, []byte("true")) || bytes.Equal(b, []byte("false"))
	case Integral:
		return isJSONNumber(b) && !bytes.ContainsAny(b, ".eE")
	case Numeric:
		return isJSONNumber(b)
	case String:
		return b[0] == '"'
	case Array:
		return b[0] == '['
	case Object:
		return b[0] == '{'
	}
	return false
}

func isJSONNumber(b []byte) bool {
	// A quoted numeric string also decodes into json.Number, so rule out
	// anything that does not start like a number literal first.
	if b[0] != '-' && (b[0] < '0' || b[0] > '9') {
		return false
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return false
	}
	return !dec.More() && len(n) > 0
}

// HandlerFunc executes one method invocation. params is the request's
// parameter object, already validated against the declared schema. The
// returned result must be a non-null JSON value; errors are reported to the
// caller as an internal failure.
type HandlerFunc func(params json.RawMessage) (json.RawMessage, error)

type paramDesc struct {
	name string
	kind ParamKind
}

// MethodDesc declares one callable method: its name, parameter schema,
// return kind, and local handler. Descriptions are immutable once
// registered.
type MethodDesc struct {
	name    string
	params  []paramDesc
	returns ParamKind
	handler HandlerFunc
}

// NewMethod starts a description for a named method.
func NewMethod(name string, h HandlerFunc) *MethodDesc {
	return &MethodDesc{name: name, returns: Object, handler: h}
}

// Param declares a required parameter and its kind. Returns the receiver
// for chaining.
func (m *MethodDesc) Param(name string, kind ParamKind) *MethodDesc {
	m.params = append(m.params, paramDesc{name: name, kind: kind})
	return m
}

// Returns declares the return kind. Returns the receiver for chaining.
func (m *MethodDesc) Returns(kind ParamKind) *MethodDesc {
	m.returns = kind
	return m
}

// Name reports the method name.
func (m *MethodDesc) Name() string { return m.name }

func (m *MethodDesc) validate(params json.RawMessage) bool {
	if len(m.params) == 0 {
		return true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		return false
	}
	for _, p := range m.params {
		raw, ok := fields[p.name]
		if !ok || !p.kind.matches(raw) {
			return false
		}
	}
	return true
}

// Router maps method names to local handlers on the serving side. An
// unknown method yields a NOT_FOUND_SERVICE response, not a connection
// close: the method table may legitimately differ per peer in a proxied
// deployment.
type Router struct {
	mu      sync.RWMutex
	methods map[string]*MethodDesc
	logger  *log.Logger
}

// NewRouter constructs an empty router.
func NewRouter() *Router {
	return &Router{
		methods: make(map[string]*MethodDesc),
		logger:  log.Default(),
	}
}

// SetLogger replaces the router's logger; nil keeps the current one.
func (r *Router) SetLogger(l *log.Logger) {
	if l != nil {
		r.logger = l
	}
}

// Register installs a method. Registering a name twice is a programming
// error and is rejected.
func (r *Router) Register(m *MethodDesc) error {
	if m == nil || m.name == "" || m.handler == nil {
		return fmt.Errorf("rpc: incomplete method description")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[m.name]; exists {
		return fmt.Errorf("rpc: method %q already registered", m.name)
	}
	r.methods[m.name] = m
	return nil
}

// Bind routes inbound RPC requests from a dispatcher into this router.
func (r *Router) Bind(d *transport.Dispatcher) {
	transport.RegisterTyped(d, wire.ReqRPC, r.OnRequest)
}

// OnRequest validates and executes one RPC request, then answers with a
// response echoing the request id.
func (r *Router) OnRequest(c *transport.Conn, id string, req *wire.RPCRequest) {
	r.mu.RLock()
	m := r.methods[req.Method]
	r.mu.RUnlock()
	if m == nil {
		r.logger.Printf("rpc: method %q not found", req.Method)
		r.respond(c, id, wire.CodeServiceNotFound, nil)
		return
	}
	if !m.validate(req.Params) {
		r.logger.Printf("rpc: method %q called with invalid parameters", req.Method)
		r.respond(c, id, wire.CodeInvalidParams, nil)
		return
	}
	result, err := r.invoke(m, req.Params)
	if err != nil {
		r.logger.Printf("rpc: method %q failed: %v", req.Method, err)
		r.respond(c, id, wire.CodeInternalError, nil)
		return
	}
	r.respond(c, id, wire.CodeOK, result)
}

// invoke runs the handler, converting a panic into an error so one broken
// method cannot take the connection down.
func (r *Router) invoke(m *MethodDesc, params json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	result, err = m.handler(params)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(result)) == 0 || bytes.Equal(bytes.TrimSpace(result), []byte("null")) {
		return nil, fmt.Errorf("handler returned no result")
	}
	return result, nil
}

func (r *Router) respond(c *transport.Conn, id string, code wire.RCode, result json.RawMessage) {
	msg := &wire.Message{ID: id, Body: wire.NewRPCResponse(code, result)}
	if err := c.Send(msg); err != nil {
		r.logger.Printf("rpc: response %s dropped: %v", id, err)
	}
}
