// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc

import (
	"context"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
)

// inbox is a bounded multi-producer single-consumer queue owned by an
// engine thread. Producers block while it is full; the consumer never
// blocks.
//
// Closing never drops items: the consumer keeps popping until done reports
// true. senders counts pushes in progress, so done cannot race a push that
// passed the closed check.
type inbox[T any] struct {
	items   chan T
	senders atomix.Uint32
	closed  atomix.Uint32
}

func newInbox[T any](depth int) *inbox[T] {
	return &inbox[T]{items: make(chan T, depth)}
}

// push enqueues v. It fails with ErrChannel once the inbox is closed and
// with ctx.Err() if ctx ends while the inbox is full.
func (q *inbox[T]) push(ctx context.Context, v T) error {
	q.senders.Add(1)
	defer q.senders.Add(^uint32(0))
	if q.closed.Load() != 0 {
		return ErrChannel
	}
	select {
	case q.items <- v:
		return nil
	default:
	}
	select {
	case q.items <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryPop returns iox.ErrWouldBlock when the inbox is empty.
func (q *inbox[T]) tryPop() (T, error) {
	select {
	case v := <-q.items:
		return v, nil
	default:
		var zero T
		return zero, iox.ErrWouldBlock
	}
}

func (q *inbox[T]) close() { q.closed.Store(1) }

// done reports whether the inbox is closed and fully drained.
func (q *inbox[T]) done() bool {
	return q.closed.Load() != 0 && q.senders.Load() == 0 && len(q.items) == 0
}
