// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc

import (
	"errors"
	"fmt"
)

// Kind classifies an [Error].
type Kind uint8

const (
	// KindCodec reports a serialization or deserialization failure.
	KindCodec Kind = iota + 1
	// KindChannel reports that a channel, lane or environment is closed.
	KindChannel
	// KindInternal reports an engine failure or a broken invariant.
	KindInternal
	// KindRemote reports that the server failed the request: its handler
	// returned an error, or no handler accepted the method.
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindCodec:
		return "codec"
	case KindChannel:
		return "channel"
	case KindInternal:
		return "internal"
	case KindRemote:
		return "remote"
	}
	return "unknown"
}

// Error is the error type returned by this package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Sentinels for use with errors.Is. Each matches any *Error of its kind.
var (
	ErrCodec    = &Error{Kind: KindCodec}
	ErrChannel  = &Error{Kind: KindChannel}
	ErrInternal = &Error{Kind: KindInternal}
	ErrRemote   = &Error{Kind: KindRemote}
)

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return "erpc: " + e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("erpc: %s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("erpc: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("erpc: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func codecError(op string, err error) error {
	return &Error{Kind: KindCodec, Op: op, Err: err}
}

func channelError(op string, err error) error {
	return &Error{Kind: KindChannel, Op: op, Err: err}
}

func internalError(op string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// remoteError carries the diagnostic message of a failed response.
func remoteError(op string, msg []byte) error {
	if len(msg) == 0 {
		return &Error{Kind: KindRemote, Op: op}
	}
	return &Error{Kind: KindRemote, Op: op, Err: errors.New(string(msg))}
}
