// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package loopback is an in-process implementation of
// [code.hybscloud.com/erpc/engine].
//
// It keeps the threading contract of a native engine: an [Engine] is
// single-threaded, completions fire only from [Engine.RunEventLoopOnce], and
// a concurrent call to RunEventLoopOnce panics.
//
// # Architecture
//
//   - Addressing: a [Fabric] maps URIs to [Nexus] instances. A Nexus hosts one [Engine] per rpc id.
//   - Transport: every session is a wire of two bounded lock-free SPSC rings via [code.hybscloud.com/lfq], one per direction.
//   - Handshake: sessions connect with a two-step protocol (hello, welcome) built on [code.hybscloud.com/kont] and stepped once per event loop iteration.
//   - Flow control: per-session credits bound outstanding requests; frames that do not fit the ring wait in a backlog and count as retransmissions.
//   - Testing aids: [WithReorder] shuffles received responses, [Nexus.Counters] exposes activity.
//
// # Example
//
//	fabric := loopback.NewFabric()
//	nx, _ := fabric.NewNexus("127.0.0.1:31850")
//	eng, _ := nx.NewEngine(engine.Config{RpcID: 0})
//	sid, _ := eng.CreateSession("127.0.0.1:31850", 0)
//	for !eng.IsConnected(sid) {
//		eng.RunEventLoopOnce()
//	}
package loopback
