// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc_test

import (
	"errors"
	"fmt"
	"testing"

	"code.hybscloud.com/erpc"
	"code.hybscloud.com/erpc/engine"
)

func TestErrorKinds(t *testing.T) {
	kinds := []struct {
		kind     erpc.Kind
		sentinel error
		name     string
	}{
		{erpc.KindCodec, erpc.ErrCodec, "codec"},
		{erpc.KindChannel, erpc.ErrChannel, "channel"},
		{erpc.KindInternal, erpc.ErrInternal, "internal"},
		{erpc.KindRemote, erpc.ErrRemote, "remote"},
	}
	for _, k := range kinds {
		err := &erpc.Error{Kind: k.kind, Op: "op", Err: engine.ErrBusy}
		if k.kind.String() != k.name {
			t.Fatalf("kind %d: got %q, want %q", k.kind, k.kind.String(), k.name)
		}
		for _, other := range kinds {
			if got, want := errors.Is(err, other.sentinel), other.kind == k.kind; got != want {
				t.Fatalf("%v is %v: got %v, want %v", err, other.sentinel, got, want)
			}
		}
		if !errors.Is(err, engine.ErrBusy) {
			t.Fatalf("%v does not unwrap to the engine error", err)
		}
		wrapped := fmt.Errorf("outer: %w", err)
		if !errors.Is(wrapped, k.sentinel) {
			t.Fatalf("wrapped %v lost its kind", wrapped)
		}
		var e *erpc.Error
		if !errors.As(wrapped, &e) || e.Op != "op" {
			t.Fatalf("errors.As: %v", wrapped)
		}
	}
}

func TestErrorString(t *testing.T) {
	cases := []struct {
		err  *erpc.Error
		want string
	}{
		{&erpc.Error{Kind: erpc.KindChannel}, "erpc: channel"},
		{&erpc.Error{Kind: erpc.KindChannel, Op: "submit"}, "erpc: submit: channel"},
		{&erpc.Error{Kind: erpc.KindCodec, Err: errors.New("bad")}, "erpc: codec: bad"},
		{&erpc.Error{Kind: erpc.KindInternal, Op: "connect", Err: engine.ErrInvalidTarget}, "erpc: connect: internal: " + engine.ErrInvalidTarget.Error()},
		{&erpc.Error{Kind: erpc.KindRemote, Op: "call test.Echo", Err: errors.New("boom")}, "erpc: call test.Echo: remote: boom"},
		{&erpc.Error{}, "erpc: unknown"},
	}
	for _, c := range cases {
		if got := c.err.Error(); got != c.want {
			t.Fatalf("got %q, want %q", got, c.want)
		}
	}
}
