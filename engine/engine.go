// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package engine defines the contract of the native RPC engine driven by
// [code.hybscloud.com/erpc].
//
// An [Engine] is single-threaded and non-reentrant: every method except
// [Engine.AllocBuffer] must be called from the one OS thread that created it.
// Completions are delivered synchronously from inside
// [Engine.RunEventLoopOnce] through a [ContFunc] (client side) or a
// [ReqFunc] (server side).
package engine

import (
	"errors"
	"unsafe"
)

// SessionID identifies one session of an engine. It is assigned by
// [Engine.CreateSession] and stays valid until [Engine.DestroySession].
type SessionID int

// ContFunc is the continuation invoked when a client request completes.
// context is the pointer given in [Config.Context]; tag is the opaque value
// passed to [Engine.EnqueueRequest]. The response buffer's [Status] tells a
// served response from one the engine completed because the session was lost.
type ContFunc func(context unsafe.Pointer, tag unsafe.Pointer)

// ReqFunc is the request handler invoked for an incoming request whose type
// was registered with [Nexus.RegisterReqFunc].
type ReqFunc func(h *ReqHandle, context unsafe.Pointer)

// SmEvent is a session management event.
type SmEvent uint8

const (
	SmConnected SmEvent = iota
	SmConnectFailed
	SmDisconnected
	SmDisconnectFailed
)

var smEventNames = [...]string{"connected", "connect-failed", "disconnected", "disconnect-failed"}

func (e SmEvent) String() string {
	if int(e) < len(smEventNames) {
		return smEventNames[e]
	}
	return "unknown"
}

// SmHandler observes session management events.
type SmHandler func(sid SessionID, ev SmEvent, err error, context unsafe.Pointer)

// Engine errors.
var (
	ErrPermission        = errors.New("engine: permission denied")
	ErrInvalidTarget     = errors.New("engine: invalid remote target")
	ErrResourceExhausted = errors.New("engine: resource exhausted")
	ErrBusy              = errors.New("engine: session busy")
	ErrAlreadyInProgress = errors.New("engine: operation already in progress")
	ErrNoSession         = errors.New("engine: no such session")
)

// Config is used to create an [Engine].
type Config struct {
	// Context is handed back to every ContFunc, ReqFunc and SmHandler.
	Context unsafe.Pointer
	// RpcID identifies the engine inside its Nexus.
	RpcID uint8
	// PhyPort is the NIC port the engine binds to.
	PhyPort   uint8
	SmHandler SmHandler
}

// Nexus is the process-wide engine factory. It is safe for concurrent use.
type Nexus interface {
	// URI returns the local URI, formatted as host:port.
	URI() string
	// RegisterReqFunc registers fn for requests of reqType. Registrations
	// must precede the engines that serve them; whether a later
	// registration reaches running engines is engine-specific.
	RegisterReqFunc(reqType uint8, fn ReqFunc) error
	// NewEngine creates an engine owned by the calling thread.
	NewEngine(cfg Config) (Engine, error)
}

// Engine is one single-threaded engine instance.
type Engine interface {
	CreateSession(remoteURI string, remoteRpcID uint8) (SessionID, error)
	IsConnected(sid SessionID) bool
	// DestroySession starts tearing sid down. It fails with ErrBusy while
	// requests are outstanding and with ErrAlreadyInProgress until the
	// teardown finishes; once the session is gone it returns ErrNoSession.
	DestroySession(sid SessionID) error

	// RunEventLoopOnce runs one iteration of the event loop. Continuations,
	// request handlers and session management handlers fire from here.
	RunEventLoopOnce()

	// EnqueueRequest sends req on sid. cont fires exactly once, after resp
	// holds the response and its Status, or with StatusReset if the session
	// goes away first.
	EnqueueRequest(sid SessionID, reqType uint8, req, resp *MsgBuffer, cont ContFunc, tag unsafe.Pointer)
	// EnqueueResponse sends resp, including its Status, for the request
	// behind h.
	EnqueueResponse(h *ReqHandle, resp *MsgBuffer)

	// AllocBuffer may be called from any goroutine.
	AllocBuffer(maxDataSize int) *MsgBuffer

	// EvLoopTicks returns the engine clock sampled at the last event loop
	// iteration.
	EvLoopTicks() uint64
	FreqGHz() float64
}

// Retransmitter is implemented by engines that count retransmissions.
type Retransmitter interface {
	NumReTx(sid SessionID) uint64
	ResetNumReTx(sid SessionID)
}

// MsToCycles converts milliseconds to engine clock ticks.
func MsToCycles(ms float64, freqGHz float64) uint64 {
	return uint64(ms * 1000 * 1000 * freqGHz)
}

// ToUsec converts engine clock ticks to microseconds.
func ToUsec(cycles uint64, freqGHz float64) float64 {
	return float64(cycles) / (freqGHz * 1000)
}
