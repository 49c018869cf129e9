// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package loopback

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/kont"
	"code.hybscloud.com/lfq"
)

// defaultRingCapacity is the per-direction capacity of a wire.
// Frames that do not fit wait in the session backlog and are counted as
// retransmissions.
const defaultRingCapacity = 64

// wireContext holds the lock-free transport for one end of a wire.
// Each direction is a single-producer single-consumer bounded queue; the
// producer and the consumer are the event loops of the two engines.
type wireContext struct {
	sendQ    *lfq.SPSC[any]
	recvQ    *lfq.SPSC[any]
	closed   *atomix.Uint32
	sendSlot any
}

// send enqueues v without blocking. It returns iox.ErrWouldBlock when the
// ring is full.
func (ctx *wireContext) send(v any) error {
	ctx.sendSlot = v
	return ctx.sendQ.Enqueue(&ctx.sendSlot)
}

// recv dequeues one value without blocking. It returns iox.ErrWouldBlock
// when the ring is empty.
func (ctx *wireContext) recv() (any, error) {
	return ctx.recvQ.Dequeue()
}

func (ctx *wireContext) peerClosed() bool {
	return ctx.closed.Load() != 0
}

// wireDispatcher is the structural interface for wire operations.
// dispatchWire is non-blocking: it returns iox.ErrWouldBlock at the ring
// boundary.
type wireDispatcher interface {
	dispatchWire(ctx *wireContext) (kont.Resumed, error)
}

// endpoint is one side of a wire.
type endpoint struct {
	ctx    wireContext
	serial Serial
}

// wirePair holds both endpoints, their rings and the shared close counter
// in a single allocation.
type wirePair struct {
	a      endpoint
	b      endpoint
	closed atomix.Uint32
	dataAB lfq.SPSC[any]
	dataBA lfq.SPSC[any]
}

// newWire creates a connected pair of endpoints. The first is handed to
// the connecting engine, the second to the accepting one.
func newWire(capacity int) (*endpoint, *endpoint) {
	s := nextSerial()

	pair := &wirePair{}
	pair.dataAB.Init(capacity)
	pair.dataBA.Init(capacity)

	pair.a = endpoint{
		ctx: wireContext{
			sendQ:  &pair.dataAB,
			recvQ:  &pair.dataBA,
			closed: &pair.closed,
		},
		serial: s,
	}
	pair.b = endpoint{
		ctx: wireContext{
			sendQ:  &pair.dataBA,
			recvQ:  &pair.dataAB,
			closed: &pair.closed,
		},
		serial: s,
	}
	return &pair.a, &pair.b
}
