// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc

import (
	"log/slog"
	"os"
	"runtime/debug"
)

// AbortExitCode is the status the process exits with when a panic escapes
// a request function, a continuation or a request handler.
const AbortExitCode = 134

// abortOnPanic must be deferred directly. Unwinding through an engine
// callback would leave the engine in an undefined state, so a recovered
// panic ends the process.
func abortOnPanic(log *slog.Logger, where string) {
	r := recover()
	if r == nil {
		return
	}
	log.Error("panic in engine callback", "where", where, "panic", r, "stack", string(debug.Stack()))
	os.Exit(AbortExitCode)
}
