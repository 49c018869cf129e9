// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc

import (
	"context"
	"errors"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/erpc/engine"
)

// Buffers is the request and response buffer pair of one call.
//
// The engine keeps both buffers from submission until the response has
// arrived, even if the caller stopped waiting. Reuse a pair only when
// InFlight reports false.
type Buffers struct {
	Req  *engine.MsgBuffer
	Resp *engine.MsgBuffer
}

// InFlight reports whether the engine still holds the buffers.
func (b *Buffers) InFlight() bool {
	return b.Req.Pinned() || b.Resp.Pinned()
}

func (b *Buffers) pin() bool {
	if !b.Req.TryPin() {
		return false
	}
	if !b.Resp.TryPin() {
		b.Req.Unpin()
		return false
	}
	return true
}

func (b *Buffers) release() {
	b.Resp.Unpin()
	b.Req.Unpin()
}

// rpcCall is the item type of a lane queue: a client request to submit
// (*Call) or a server response to send (CallTag).
type rpcCall interface {
	submit(t *engineThread, l *lane)
}

// CallOption configures a [Call].
type CallOption func(*Call)

// WithContinuation replaces the continuation the engine invokes when the
// response arrives. fn runs on the engine thread and must call
// [ResolveTag] with the tag it was given exactly once.
func WithContinuation(fn engine.ContFunc) CallOption {
	return func(c *Call) { c.cont = fn }
}

// Call is one client request. It is consumed by [SubChannel.Submit]: once
// submitted it cannot be submitted again.
type Call struct {
	sid    engine.SessionID
	method uint8
	bufs   *Buffers
	cont   engine.ContFunc
	done   chan *engine.Reader
	state  atomix.Uint32
	name   string
}

// NewCall prepares a call of method on bufs. bufs.Req must already hold
// the encoded request.
func NewCall(method uint8, bufs *Buffers, opts ...CallOption) *Call {
	c := &Call{
		method: method,
		bufs:   bufs,
		cont:   ResolveTag,
		done:   make(chan *engine.Reader, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wait blocks until the response arrives or ctx ends. The Reader views
// bufs.Resp. A call whose session went down before submission or before
// its response arrived fails with ErrChannel; a call the server failed
// returns ErrRemote carrying the server's message.
func (c *Call) Wait(ctx context.Context) (*engine.Reader, error) {
	op := c.name
	if op == "" {
		op = methodName(c.method)
	}
	select {
	case r := <-c.done:
		if r == nil {
			if c.bufs.Resp.Status() == engine.StatusReset {
				return nil, channelError("call "+op, errSessionReset)
			}
			return nil, channelError("call "+op, errSessionDown)
		}
		if r.Buffer().Status() == engine.StatusFailed {
			return nil, remoteError("call "+op, r.Bytes())
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) submit(t *engineThread, l *lane) {
	if len(l.backlog) > 0 || !t.issue(l, c) {
		l.backlog = append(l.backlog, c)
	}
}

var (
	errCallReused    = errors.New("call already submitted")
	errBuffersPinned = errors.New("buffers in flight")
	errSessionReset  = errors.New("session lost before the response arrived")
)

// Tag correlates one engine completion with the call waiting for it. It is
// handed to the engine as an unsafe.Pointer and resolved exactly once.
type Tag struct {
	done      chan *engine.Reader
	method    uint8
	slot      uint32
	lane      *lane
	bufs      *Buffers
	cont      engine.ContFunc
	submitted uint64
	resolved  atomix.Uint32
}

// Method returns the method id of the call.
func (t *Tag) Method() uint8 { return t.method }

// Response returns the response buffer the engine wrote into.
func (t *Tag) Response() *engine.MsgBuffer { return t.bufs.Resp }

// TagOf reconstructs the Tag behind a continuation's tag argument.
func TagOf(tag unsafe.Pointer) *Tag { return (*Tag)(tag) }

// ResolveTag is the default continuation. It frees the call's slot,
// releases the buffers and wakes the waiting caller. A completion the engine
// reported with [engine.StatusReset] wakes the caller without a response.
// Resolving a tag twice panics.
func ResolveTag(context unsafe.Pointer, tag unsafe.Pointer) {
	t := (*Tag)(tag)
	if !t.resolved.CompareAndSwap(0, 1) {
		panic("erpc: tag resolved twice")
	}
	tc := (*threadContext)(context)
	tc.resolve(t)
	reset := t.bufs.Resp.Status() == engine.StatusReset
	t.bufs.release()
	if reset {
		t.done <- nil
		return
	}
	t.done <- engine.NewReader(t.bufs.Resp)
}

// dispatchCont is the continuation registered with the engine for every
// request. It runs the call's continuation behind the panic guard.
func dispatchCont(context unsafe.Pointer, tag unsafe.Pointer) {
	tc := (*threadContext)(context)
	defer abortOnPanic(tc.thread.log, "continuation")
	(*Tag)(tag).cont(context, tag)
}

// CallTag carries a finished server response back to the engine thread.
type CallTag struct {
	h *engine.ReqHandle
}

func (c CallTag) submit(t *engineThread, l *lane) {
	l.handlers--
	resp := c.h.RespMsgBuf()
	t.ctx.stats.tx(resp.DataSize())
	t.eng.EnqueueResponse(c.h, resp)
}
