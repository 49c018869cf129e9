// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine

import (
	"fmt"
	"io"

	"code.hybscloud.com/atomix"
)

// MsgBuffer is an engine message buffer with a fixed capacity and a
// variable data size.
//
// The engine keeps a reference to a submitted buffer until the matching
// completion fires. Pin records that window so the owner can tell when the
// buffer may be reused.
type MsgBuffer struct {
	data   []byte
	size   int
	status Status
	pinned atomix.Uint32
}

// Status is the completion status an engine attaches to a response.
type Status uint8

const (
	// StatusOK is a response produced by the remote handler.
	StatusOK Status = iota
	// StatusFailed is a response the server could not produce. The data
	// holds a diagnostic message.
	StatusFailed
	// StatusReset completes a request whose session went away before the
	// response arrived. The data is empty.
	StatusReset
)

var statusNames = [...]string{"ok", "failed", "reset"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// NewMsgBuffer returns a buffer holding up to maxDataSize bytes, with its
// data size set to maxDataSize.
func NewMsgBuffer(maxDataSize int) *MsgBuffer {
	if maxDataSize < 0 {
		panic("engine: negative buffer size")
	}
	return &MsgBuffer{data: make([]byte, maxDataSize), size: maxDataSize}
}

// MaxDataSize returns the buffer capacity.
func (b *MsgBuffer) MaxDataSize() int { return len(b.data) }

// DataSize returns the current data size.
func (b *MsgBuffer) DataSize() int { return b.size }

// Resize sets the data size. It panics if n exceeds MaxDataSize.
func (b *MsgBuffer) Resize(n int) {
	if n < 0 || n > len(b.data) {
		panic(fmt.Sprintf("engine: resize %d out of range [0, %d]", n, len(b.data)))
	}
	b.size = n
}

// Status returns the completion status. Engines set it on a client
// response buffer before invoking the continuation, and carry the status of
// a server response to the client.
func (b *MsgBuffer) Status() Status { return b.status }

// SetStatus sets the completion status.
func (b *MsgBuffer) SetStatus(s Status) { b.status = s }

// Bytes returns the data region. The slice aliases the buffer.
func (b *MsgBuffer) Bytes() []byte { return b.data[:b.size] }

// TryPin marks the buffer as retained by the engine. It reports false if
// the buffer is already pinned.
func (b *MsgBuffer) TryPin() bool { return b.pinned.CompareAndSwap(0, 1) }

// Unpin releases the mark set by TryPin.
func (b *MsgBuffer) Unpin() { b.pinned.Store(0) }

// Pinned reports whether the engine still retains the buffer.
func (b *MsgBuffer) Pinned() bool { return b.pinned.Load() != 0 }

// Reader is a read-only view over the data region of a MsgBuffer.
type Reader struct {
	buf *MsgBuffer
	off int
}

// NewReader returns a Reader positioned at the start of b's data.
func NewReader(b *MsgBuffer) *Reader {
	return &Reader{buf: b}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return r.buf.size - r.off }

// Bytes returns the unread bytes without consuming them.
func (r *Reader) Bytes() []byte { return r.buf.data[r.off:r.buf.size] }

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.Len() == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, r.Bytes())
	r.off += n
	return n, nil
}

// ReadByte implements io.ByteReader.
func (r *Reader) ReadByte() (byte, error) {
	if r.Len() == 0 {
		return 0, io.EOF
	}
	c := r.buf.data[r.off]
	r.off++
	return c, nil
}

// Buffer returns the underlying buffer.
func (r *Reader) Buffer() *MsgBuffer { return r.buf }

// ReqHandle is the server-side handle of one received request.
type ReqHandle struct {
	reqType uint8
	req     *MsgBuffer
	preResp *MsgBuffer
	dynResp *MsgBuffer
	cookie  any
}

// NewReqHandle is used by engine implementations. cookie carries the
// engine's private routing state back to EnqueueResponse.
func NewReqHandle(reqType uint8, req, preResp *MsgBuffer, cookie any) *ReqHandle {
	return &ReqHandle{reqType: reqType, req: req, preResp: preResp, cookie: cookie}
}

// ReqType returns the request type the handle was dispatched for.
func (h *ReqHandle) ReqType() uint8 { return h.reqType }

// ReqMsgBuf returns the received request.
func (h *ReqHandle) ReqMsgBuf() *MsgBuffer { return h.req }

// PreRespMsgBuf returns the small preallocated response buffer.
func (h *ReqHandle) PreRespMsgBuf() *MsgBuffer { return h.preResp }

// InitDynRespMsgBuf attaches a dynamically allocated response buffer.
func (h *ReqHandle) InitDynRespMsgBuf(b *MsgBuffer) { h.dynResp = b }

// RespMsgBuf returns the dynamic response buffer if one was attached,
// otherwise the preallocated one.
func (h *ReqHandle) RespMsgBuf() *MsgBuffer {
	if h.dynResp != nil {
		return h.dynResp
	}
	return h.preResp
}

// Cookie returns the engine-private value given to NewReqHandle.
func (h *ReqHandle) Cookie() any { return h.cookie }
