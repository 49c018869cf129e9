// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc

import (
	"context"
	"log/slog"
)

// DispatchHook observes server-side request handling. OnDispatchStart runs
// on the handler goroutine before the request is decoded; OnDispatchEnd runs
// after the response has been encoded or the handler failed.
// Implementations must be safe for concurrent use.
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error)
}

// HookToken is returned by OnDispatchStart and passed back to OnDispatchEnd.
// Only meaningful to the DispatchHook that created it.
type HookToken interface{}

// DispatchInfo identifies the request being handled.
type DispatchInfo struct {
	Method   string
	MethodID uint8
	// ServerURI is the local URI of the serving engine.
	ServerURI string
	Thread    string
}

// CallStatistics holds per-call byte counts.
type CallStatistics struct {
	RequestBytes  int64
	ResponseBytes int64
}

// hookStart and hookEnd keep a misbehaving hook from taking the handler
// down.
func hookStart(log *slog.Logger, h DispatchHook, ctx context.Context, info DispatchInfo) (rctx context.Context, token HookToken) {
	rctx = ctx
	defer func() {
		if rv := recover(); rv != nil {
			log.Error("dispatch hook start panic", "method", info.Method, "err", rv)
			rctx, token = ctx, nil
		}
	}()
	return h.OnDispatchStart(ctx, info)
}

func hookEnd(log *slog.Logger, h DispatchHook, ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			log.Error("dispatch hook end panic", "method", info.Method, "err", rv)
		}
	}()
	h.OnDispatchEnd(ctx, token, info, stats, err)
}
