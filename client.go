// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc

import (
	"context"
)

// Client issues calls on one subchannel.
type Client struct {
	sc *SubChannel
}

// NewClient returns a client bound to sc.
func NewClient(sc *SubChannel) *Client {
	return &Client{sc: sc}
}

func (c *Client) SubChannel() *SubChannel { return c.sc }

// UnaryCall encodes req into bufs.Req, sends it on c and decodes the
// response from bufs.Resp.
//
// Encoding failures return ErrCodec before anything is queued. A request
// the server failed returns ErrRemote, and a session lost before the
// response arrived returns ErrChannel. If ctx ends
// after the call was queued, UnaryCall returns ctx.Err() but the engine
// still completes the call; bufs stay in flight until then.
func UnaryCall[Req, Resp any](ctx context.Context, c *Client, m Method[Req, Resp], req Req, bufs *Buffers, opts ...CallOption) (Resp, error) {
	var zero Resp
	if bufs.InFlight() {
		return zero, internalError("call "+m.FullName(), errBuffersPinned)
	}
	if err := m.Request.Ser(req, bufs.Req); err != nil {
		return zero, codecError("encode "+m.FullName(), err)
	}
	call := NewCall(m.ID, bufs, opts...)
	call.name = m.FullName()
	if err := c.sc.Submit(ctx, call); err != nil {
		return zero, err
	}
	r, err := call.Wait(ctx)
	if err != nil {
		return zero, err
	}
	resp, err := m.Response.De(r)
	if err != nil {
		return zero, codecError("decode "+m.FullName(), err)
	}
	return resp, nil
}
