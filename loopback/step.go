// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package loopback

import (
	"code.hybscloud.com/kont"
)

// step evaluates a wire protocol until its first effect suspension.
// Returns (result, nil) on completion, or (zero, suspension) if pending.
func step[R any](protocol kont.Expr[R]) (R, *kont.Suspension[R]) {
	return kont.StepExpr(protocol)
}

// advance dispatches the suspended operation on the endpoint.
//
// On success the suspension is consumed and the protocol advances to the
// next effect or completes. On iox.ErrWouldBlock the suspension is
// returned unconsumed and is retried on the next event loop iteration.
func advance[R any](ep *endpoint, susp *kont.Suspension[R]) (R, *kont.Suspension[R], error) {
	op, ok := susp.Op().(wireDispatcher)
	if !ok {
		panic("loopback: unhandled effect in advance")
	}
	v, err := op.dispatchWire(&ep.ctx)
	if err != nil {
		var zero R
		return zero, susp, err
	}
	result, next := susp.Resume(v)
	return result, next, nil
}

// closeWire closes ep's wire by dispatching closeOp directly.
func closeWire(ep *endpoint) {
	_, _ = closeOp{}.dispatchWire(&ep.ctx)
}
