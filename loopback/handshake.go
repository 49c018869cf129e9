// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package loopback

import (
	"code.hybscloud.com/kont"
)

// Session connect handshake:
//
//	client: !hello.?welcome.end
//	server: ?hello.!welcome.end
//
// Each engine keeps the pending suspension in its session and advances it
// once per event loop iteration, so connecting never blocks the loop.

// hello is sent by the connecting engine.
type hello struct {
	Serial    Serial
	ClientURI string
	ClientRpc uint8
}

// welcome is the accepting engine's answer.
type welcome struct {
	Serial    Serial
	ServerURI string
	ServerSID int
}

// Pre-allocated return frame, avoiding a heap escape per constructor.
var exprReturnFrame kont.Frame = kont.ReturnFrame{}

func identityResume(v kont.Erased) kont.Erased { return v }

// exprSendThen sends v and continues with next.
// Fuses ExprPerform(sendOp[T]{Value: v}) + ExprThen.
func exprSendThen[T, B any](v T, next kont.Expr[B]) kont.Expr[B] {
	tf := kont.AcquireThenFrame()
	tf.Second = kont.Expr[kont.Erased]{Value: kont.Erased(next.Value), Frame: next.Frame}
	tf.Next = exprReturnFrame
	ef := kont.AcquireEffectFrame()
	ef.Operation = sendOp[T]{Value: v}
	ef.Resume = identityResume
	ef.Next = tf
	return kont.ExprSuspend[B](ef)
}

func recvBindUnwind[T, B any](data, _, _ kont.Erased, current kont.Erased) (kont.Erased, kont.Frame) {
	f := data.(func(T) kont.Expr[B])
	result := f(current.(T))
	return kont.Erased(result.Value), result.Frame
}

// exprRecvBind receives a value and passes it to f.
// Fuses ExprPerform(recvOp[T]{}) + ExprBind.
func exprRecvBind[T, B any](f func(T) kont.Expr[B]) kont.Expr[B] {
	bf := kont.AcquireUnwindFrame()
	bf.Data1 = f
	bf.Unwind = recvBindUnwind[T, B]
	ef := kont.AcquireEffectFrame()
	ef.Operation = recvOp[T]{}
	ef.Resume = identityResume
	ef.Next = bf
	return kont.ExprSuspend[B](ef)
}

// clientHandshake sends h and completes with the peer's welcome.
func clientHandshake(h hello) kont.Expr[welcome] {
	return exprSendThen(h, exprRecvBind(func(w welcome) kont.Expr[welcome] {
		return kont.ExprReturn(w)
	}))
}

// serverHandshake waits for a hello, answers with accept(hello) and
// completes with the hello.
func serverHandshake(accept func(hello) welcome) kont.Expr[hello] {
	return exprRecvBind(func(h hello) kont.Expr[hello] {
		return exprSendThen(accept(h), kont.ExprReturn(h))
	})
}
