// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine_test

import (
	"bytes"
	"io"
	"testing"

	"code.hybscloud.com/erpc/engine"
)

func TestMsgBufferResize(t *testing.T) {
	b := engine.NewMsgBuffer(8)
	if b.MaxDataSize() != 8 || b.DataSize() != 8 {
		t.Fatalf("new buffer: max %d size %d", b.MaxDataSize(), b.DataSize())
	}
	b.Resize(3)
	copy(b.Bytes(), "abc")
	if string(b.Bytes()) != "abc" {
		t.Fatalf("bytes %q", b.Bytes())
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("resize past capacity did not panic")
		}
	}()
	b.Resize(9)
}

func TestMsgBufferPin(t *testing.T) {
	b := engine.NewMsgBuffer(1)
	if !b.TryPin() || !b.Pinned() {
		t.Fatalf("first pin failed")
	}
	if b.TryPin() {
		t.Fatalf("pinned twice")
	}
	b.Unpin()
	if b.Pinned() || !b.TryPin() {
		t.Fatalf("pin after unpin failed")
	}
}

func TestReader(t *testing.T) {
	b := engine.NewMsgBuffer(16)
	b.Resize(5)
	copy(b.Bytes(), "hello")
	r := engine.NewReader(b)
	c, err := r.ReadByte()
	if err != nil || c != 'h' || r.Len() != 4 {
		t.Fatalf("ReadByte: %q %v len %d", c, err, r.Len())
	}
	rest, err := io.ReadAll(r)
	if err != nil || !bytes.Equal(rest, []byte("ello")) {
		t.Fatalf("ReadAll: %q %v", rest, err)
	}
	if _, err := r.ReadByte(); err != io.EOF {
		t.Fatalf("ReadByte at end: %v", err)
	}
	if r.Buffer() != b {
		t.Fatalf("Buffer does not return the viewed buffer")
	}
}

func TestReqHandleResponse(t *testing.T) {
	req, pre := engine.NewMsgBuffer(4), engine.NewMsgBuffer(2)
	h := engine.NewReqHandle(9, req, pre, "cookie")
	if h.ReqType() != 9 || h.ReqMsgBuf() != req || h.Cookie() != "cookie" {
		t.Fatalf("handle fields")
	}
	if h.RespMsgBuf() != pre {
		t.Fatalf("response defaults to the preallocated buffer")
	}
	dyn := engine.NewMsgBuffer(64)
	h.InitDynRespMsgBuf(dyn)
	if h.RespMsgBuf() != dyn || h.PreRespMsgBuf() != pre {
		t.Fatalf("dynamic response not attached")
	}
}

func TestClockConversions(t *testing.T) {
	if got := engine.MsToCycles(2, 1.5); got != 3_000_000 {
		t.Fatalf("MsToCycles: %d", got)
	}
	if got := engine.ToUsec(3_000, 1.5); got != 2 {
		t.Fatalf("ToUsec: %v", got)
	}
}

func TestSmEventString(t *testing.T) {
	for _, ev := range []engine.SmEvent{engine.SmConnected, engine.SmConnectFailed, engine.SmDisconnected} {
		if ev.String() == "" {
			t.Fatalf("event %d has no name", ev)
		}
	}
}

func TestMsgBufferStatus(t *testing.T) {
	b := engine.NewMsgBuffer(4)
	if b.Status() != engine.StatusOK {
		t.Fatalf("new buffer status %v", b.Status())
	}
	b.SetStatus(engine.StatusReset)
	if b.Status() != engine.StatusReset || b.Status().String() != "reset" {
		t.Fatalf("status %v", b.Status())
	}
	if engine.Status(9).String() != "unknown" {
		t.Fatalf("out of range status %q", engine.Status(9).String())
	}
}
