// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc

import "code.hybscloud.com/erpc/engine"

// Marshaller converts values of type T to and from engine message buffers.
//
// Ser writes v into b and resizes b to the encoded length. It must fail,
// leaving the caller free to reuse b, if the encoding does not fit
// b.MaxDataSize().
type Marshaller[T any] struct {
	Ser func(v T, b *engine.MsgBuffer) error
	De  func(r *engine.Reader) (T, error)
}

// Method describes one unary RPC. ID is the engine request type and must be
// unique within a server.
type Method[Req, Resp any] struct {
	ID       uint8
	Name     string
	Request  Marshaller[Req]
	Response Marshaller[Resp]
}

// FullName returns Name, or a name derived from ID when Name is empty.
func (m Method[Req, Resp]) FullName() string {
	if m.Name != "" {
		return m.Name
	}
	return methodName(m.ID)
}
