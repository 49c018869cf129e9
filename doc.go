// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package erpc bridges a single-threaded, callback-driven RPC engine
// ([code.hybscloud.com/erpc/engine]) to ordinary goroutines.
//
// Callers and handlers run on any goroutine. Every engine is owned by one
// engine thread, a goroutine locked to its OS thread, which is the only
// code that ever touches it.
//
// # Architecture
//
//   - Threads: an [Environment] runs a fixed pool of engine threads. Work reaches a thread through a capacity-1 bootstrap queue and per-channel lane queues; nothing guards an engine with a mutex.
//   - Client: a [Channel] owns an ordered set of sessions on one thread. [Channel.PickSubchan] leases them round-robin. [UnaryCall] encodes, queues a [Call] and waits for its completion.
//   - Correlation: the engine's completion callback carries only a raw tag pointer. The thread boxes a [Tag] per call, passes it as an unsafe.Pointer and resolves it exactly once in [ResolveTag]. Per-method slot tables keep slots unique among outstanding calls.
//   - Server: a [Server] registers one request function for its methods. It hands every request to a handler goroutine, which queues the response back as a [CallTag].
//   - Polling: each thread alternates draining its queues with one engine iteration, within a poll window whose statistics go to a [StatsObserver].
//   - Shutdown: [Channel.Shutdown] drains queued and outstanding calls before destroying sessions; [Server.Shutdown] waits for running handlers.
//   - Errors: every error is an [*Error] whose Kind matches [ErrCodec], [ErrChannel] or [ErrInternal] with errors.Is.
//   - Panics: a panic in a request function, continuation or handler ends the process with [AbortExitCode].
//
// # Example
//
//	env := erpc.NewEnvBuilder(nexus).ChanCount(2).Build()
//	ch, _ := erpc.NewChannelBuilder(env, 0).SubchanCount(4).Connect(ctx, serverURI)
//	sc, _ := ch.PickSubchan()
//	resp, err := erpc.UnaryCall(ctx, erpc.NewClient(sc), echoMethod, "hello", ch.NewBuffers(64, 64))
package erpc
