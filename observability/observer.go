// Package observability defines metric observer interfaces for the fabric
// with zero-cost no-op defaults. The Prometheus implementations live in the
// prom subpackage so the core carries no metrics dependency.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type CloseReason string

const (
	CloseReasonPeerClosed   CloseReason = "peer_closed"
	CloseReasonInvalidFrame CloseReason = "invalid_frame"
	CloseReasonUnknownType  CloseReason = "unknown_type"
	CloseReasonWriteError   CloseReason = "write_error"
	CloseReasonShutdown     CloseReason = "shutdown"
)

type FrameDirection string

const (
	FrameRead  FrameDirection = "read"
	FrameWrite FrameDirection = "write"
)

type CallResult string

const (
	CallResultOK           CallResult = "ok"
	CallResultError        CallResult = "rpc_error"
	CallResultTimeout      CallResult = "timeout"
	CallResultDisconnected CallResult = "disconnected"
	CallResultTransport    CallResult = "transport_error"
)

// FabricObserver receives connection-level metric events.
type FabricObserver interface {
	ConnCount(n int)
	Close(reason CloseReason)
	FrameError(direction FrameDirection)
}

// CallObserver receives request/response metric events from the correlator.
type CallObserver interface {
	Call(result CallResult, d time.Duration)
	Notify()
}

// RegistryObserver receives registry state and notification events.
type RegistryObserver interface {
	Providers(n int)
	Discoverers(n int)
	Notification(op string)
}

// TopicObserver receives broker state and fan-out events.
type TopicObserver interface {
	Topics(n int)
	Subscribers(n int)
	Publish(delivered int)
}

type noopFabricObserver struct{}

func (noopFabricObserver) ConnCount(int)             {}
func (noopFabricObserver) Close(CloseReason)         {}
func (noopFabricObserver) FrameError(FrameDirection) {}

type noopCallObserver struct{}

func (noopCallObserver) Call(CallResult, time.Duration) {}
func (noopCallObserver) Notify()                        {}

type noopRegistryObserver struct{}

func (noopRegistryObserver) Providers(int)       {}
func (noopRegistryObserver) Discoverers(int)     {}
func (noopRegistryObserver) Notification(string) {}

type noopTopicObserver struct{}

func (noopTopicObserver) Topics(int)      {}
func (noopTopicObserver) Subscribers(int) {}
func (noopTopicObserver) Publish(int)     {}

// NoopFabricObserver is a zero-cost observer used when metrics are disabled.
var NoopFabricObserver FabricObserver = noopFabricObserver{}

// NoopCallObserver is a zero-cost observer used when metrics are disabled.
var NoopCallObserver CallObserver = noopCallObserver{}

// NoopRegistryObserver is a zero-cost observer used when metrics are disabled.
var NoopRegistryObserver RegistryObserver = noopRegistryObserver{}

// NoopTopicObserver is a zero-cost observer used when metrics are disabled.
var NoopTopicObserver TopicObserver = noopTopicObserver{}

// AtomicFabricObserver swaps its delegate at runtime, so a daemon can turn
// metrics on and off without restarting its listeners.
type AtomicFabricObserver struct {
	once sync.Once
	v    atomic.Value
}

// fabricHolder gives atomic.Value one concrete type whatever the delegate is.
type fabricHolder struct{ obs FabricObserver }

func (a *AtomicFabricObserver) init() {
	a.once.Do(func() { a.v.Store(fabricHolder{NoopFabricObserver}) })
}

// Set replaces the delegate; nil resets to the no-op observer.
func (a *AtomicFabricObserver) Set(obs FabricObserver) {
	a.init()
	if obs == nil {
		obs = NoopFabricObserver
	}
	a.v.Store(fabricHolder{obs})
}

func (a *AtomicFabricObserver) get() FabricObserver {
	a.init()
	return a.v.Load().(fabricHolder).obs
}

func (a *AtomicFabricObserver) ConnCount(n int)               { a.get().ConnCount(n) }
func (a *AtomicFabricObserver) Close(r CloseReason)           { a.get().Close(r) }
func (a *AtomicFabricObserver) FrameError(dir FrameDirection) { a.get().FrameError(dir) }

// AtomicCallObserver swaps its delegate at runtime.
type AtomicCallObserver struct {
	once sync.Once
	v    atomic.Value
}

// callHolder gives atomic.Value one concrete type whatever the delegate is.
type callHolder struct{ obs CallObserver }

func (a *AtomicCallObserver) init() {
	a.once.Do(func() { a.v.Store(callHolder{NoopCallObserver}) })
}

// Set replaces the delegate; nil resets to the no-op observer.
func (a *AtomicCallObserver) Set(obs CallObserver) {
	a.init()
	if obs == nil {
		obs = NoopCallObserver
	}
	a.v.Store(callHolder{obs})
}

func (a *AtomicCallObserver) get() CallObserver {
	a.init()
	return a.v.Load().(callHolder).obs
}

func (a *AtomicCallObserver) Call(r CallResult, d time.Duration) { a.get().Call(r, d) }
func (a *AtomicCallObserver) Notify()                            { a.get().Notify() }
