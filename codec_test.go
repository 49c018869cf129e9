// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc_test

import (
	"bytes"
	"runtime"
	"strings"
	"testing"
	"testing/quick"

	"code.hybscloud.com/erpc"
	"code.hybscloud.com/erpc/engine"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestProtoMarshallerTooLarge(t *testing.T) {
	m := erpc.ProtoMarshaller(newStringValue)
	b := engine.NewMsgBuffer(8)
	err := m.Ser(wrapperspb.String(strings.Repeat("x", 32)), b)
	if err == nil || !strings.Contains(err.Error(), "message is too large") {
		t.Fatalf("got %v, want too large", err)
	}

	b = engine.NewMsgBuffer(64)
	if err := m.Ser(wrapperspb.String("fits"), b); err != nil {
		t.Fatalf("ser: %v", err)
	}
	v, err := m.De(engine.NewReader(b))
	if err != nil || v.GetValue() != "fits" {
		t.Fatalf("de: %q, %v", v.GetValue(), err)
	}
}

func TestJSONMarshallerRejectsGarbage(t *testing.T) {
	m := erpc.JSONMarshaller[greeting]()
	b := engine.NewMsgBuffer(16)
	if err := writeRaw(b, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := m.De(engine.NewReader(b)); err == nil {
		t.Fatalf("garbage decoded")
	}
}

func writeRaw(b *engine.MsgBuffer, p []byte) error {
	return erpc.BytesMarshaller().Ser(p, b)
}

func TestBytesMarshallerCopies(t *testing.T) {
	m := erpc.BytesMarshaller()
	b := engine.NewMsgBuffer(8)
	if err := m.Ser([]byte("abc"), b); err != nil {
		t.Fatalf("ser: %v", err)
	}
	got, err := m.De(engine.NewReader(b))
	if err != nil {
		t.Fatalf("de: %v", err)
	}
	copy(b.Bytes(), "zzz")
	if string(got) != "abc" {
		t.Fatalf("decoded slice aliases the buffer: %q", got)
	}
	if err := m.Ser(make([]byte, 9), b); err == nil {
		t.Fatalf("9 bytes fit an 8 byte buffer")
	}
}

// Compressible payloads larger than the buffer still fit once compressed.
func TestCompressedMarshaller(t *testing.T) {
	m := erpc.Compressed(erpc.BytesMarshaller(), 1<<16)
	payload := bytes.Repeat([]byte("erpc "), 4096)
	b := engine.NewMsgBuffer(1024)
	if err := m.Ser(payload, b); err != nil {
		t.Fatalf("ser: %v", err)
	}
	if b.DataSize() >= len(payload) {
		t.Fatalf("not compressed: %d >= %d", b.DataSize(), len(payload))
	}
	got, err := m.De(engine.NewReader(b))
	if err != nil {
		t.Fatalf("de: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip changed the payload")
	}

	small := erpc.Compressed(erpc.BytesMarshaller(), 64)
	if _, err := small.De(engine.NewReader(b)); err == nil {
		t.Fatalf("decoded %d bytes past the raw limit", len(payload))
	}
}

// A small frame that inflates far past the raw limit is rejected without
// being inflated.
func TestCompressedRejectsOversizedFrame(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	frame := enc.EncodeAll(make([]byte, 64<<20), nil)
	b := engine.NewMsgBuffer(len(frame))
	copy(b.Bytes(), frame)

	m := erpc.Compressed(erpc.BytesMarshaller(), 1024)
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	got, err := m.De(engine.NewReader(b))
	runtime.ReadMemStats(&after)
	if err == nil || got != nil {
		t.Fatalf("decoded %d bytes past the raw limit", len(got))
	}
	if grew := after.TotalAlloc - before.TotalAlloc; grew > 16<<20 {
		t.Fatalf("rejecting the frame allocated %d bytes", grew)
	}
}

func TestCompressedNeedsRawSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("zero raw size did not panic")
		}
	}()
	erpc.Compressed(erpc.BytesMarshaller(), 0)
}

func TestCompressedRoundTrip(t *testing.T) {
	m := erpc.Compressed(erpc.BytesMarshaller(), 4096)
	prop := func(p []byte) bool {
		b := engine.NewMsgBuffer(8192)
		if err := m.Ser(p, b); err != nil {
			return false
		}
		got, err := m.De(engine.NewReader(b))
		return err == nil && bytes.Equal(got, p)
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Fatal(err)
	}
}

func TestMethodFullName(t *testing.T) {
	if got := echoMethod.FullName(); got != "test.Echo" {
		t.Fatalf("got %q", got)
	}
	anon := erpc.Method[[]byte, []byte]{ID: 9}
	if got := anon.FullName(); got != "method-9" {
		t.Fatalf("got %q", got)
	}
}
