// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package loopback

import "code.hybscloud.com/erpc/engine"

type frameKind uint8

const (
	frameRequest frameKind = iota
	frameResponse
	frameDisconnect
)

// frame is the unit carried by a wire once the handshake has completed.
// The payload is a private copy: neither side ever sees the other's buffers.
type frame struct {
	kind    frameKind
	reqType uint8
	reqNum  uint64
	status  engine.Status
	payload []byte
}

func requestFrame(reqType uint8, reqNum uint64, req *engine.MsgBuffer) *frame {
	return &frame{kind: frameRequest, reqType: reqType, reqNum: reqNum, payload: clonePayload(req)}
}

func responseFrame(reqType uint8, reqNum uint64, resp *engine.MsgBuffer) *frame {
	return &frame{kind: frameResponse, reqType: reqType, reqNum: reqNum, status: resp.Status(), payload: clonePayload(resp)}
}

func clonePayload(b *engine.MsgBuffer) []byte {
	if b == nil || b.DataSize() == 0 {
		return nil
	}
	return append([]byte(nil), b.Bytes()...)
}

// copyInto writes p into b and resizes b to the number of bytes written.
// Bytes beyond b's capacity are dropped.
func copyInto(b *engine.MsgBuffer, p []byte) {
	b.Resize(b.MaxDataSize())
	n := copy(b.Bytes(), p)
	b.Resize(n)
}
