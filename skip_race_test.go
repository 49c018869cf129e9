// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package erpc_test

import "testing"

// skipRace skips tests that drive loopback engines from engine threads.
// Loopback rings are lfq SPSC queues; the race detector tracks
// per-variable happens-before and cannot see their cross-variable memory
// ordering, producing false positives.
func skipRace(tb testing.TB) {
	tb.Helper()
	tb.Skip("skip: SPSC uses cross-variable memory ordering")
}
