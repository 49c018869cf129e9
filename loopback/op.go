// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package loopback

import (
	"code.hybscloud.com/kont"
)

// sendOp is the effect operation for sending a control message of type T
// on a wire.
type sendOp[T any] struct {
	kont.Phantom[struct{}]
	Value T
}

// dispatchWire returns iox.ErrWouldBlock if the ring is full.
func (s sendOp[T]) dispatchWire(ctx *wireContext) (kont.Resumed, error) {
	if err := ctx.send(s.Value); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// recvOp is the effect operation for receiving a control message of type T.
type recvOp[T any] struct {
	kont.Phantom[T]
}

// dispatchWire returns iox.ErrWouldBlock if the ring is empty.
func (recvOp[T]) dispatchWire(ctx *wireContext) (kont.Resumed, error) {
	v, err := ctx.recv()
	if err != nil {
		return nil, err
	}
	return v.(T), nil
}

// closeOp is the effect operation for closing a wire. It never blocks.
type closeOp struct {
	kont.Phantom[struct{}]
}

func (closeOp) dispatchWire(ctx *wireContext) (kont.Resumed, error) {
	ctx.closed.Add(1)
	return struct{}{}, nil
}
