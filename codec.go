// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"code.hybscloud.com/erpc/engine"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
)

func methodName(id uint8) string { return "method-" + strconv.Itoa(int(id)) }

func tooLarge(size, max int) error {
	return fmt.Errorf("message is too large: %d > %d", size, max)
}

// writeBytes copies p into b, failing if p does not fit.
func writeBytes(p []byte, b *engine.MsgBuffer) error {
	if len(p) > b.MaxDataSize() {
		return tooLarge(len(p), b.MaxDataSize())
	}
	b.Resize(len(p))
	copy(b.Bytes(), p)
	return nil
}

// ProtoMarshaller encodes protobuf messages. newT returns an empty message
// to decode into.
func ProtoMarshaller[T proto.Message](newT func() T) Marshaller[T] {
	return Marshaller[T]{
		Ser: func(v T, b *engine.MsgBuffer) error {
			size := proto.Size(v)
			if size > b.MaxDataSize() {
				return tooLarge(size, b.MaxDataSize())
			}
			b.Resize(b.MaxDataSize())
			out, err := proto.MarshalOptions{}.MarshalAppend(b.Bytes()[:0], v)
			if err != nil {
				return err
			}
			if len(out) > b.MaxDataSize() {
				return tooLarge(len(out), b.MaxDataSize())
			}
			b.Resize(len(out))
			return nil
		},
		De: func(r *engine.Reader) (T, error) {
			v := newT()
			if err := proto.Unmarshal(r.Bytes(), v); err != nil {
				var zero T
				return zero, err
			}
			return v, nil
		},
	}
}

// JSONMarshaller encodes values with encoding/json.
func JSONMarshaller[T any]() Marshaller[T] {
	return Marshaller[T]{
		Ser: func(v T, b *engine.MsgBuffer) error {
			p, err := json.Marshal(v)
			if err != nil {
				return err
			}
			return writeBytes(p, b)
		},
		De: func(r *engine.Reader) (T, error) {
			var v T
			err := json.Unmarshal(r.Bytes(), &v)
			return v, err
		},
	}
}

// BytesMarshaller passes payloads through unchanged. Decoded slices are
// copies and stay valid after the buffer is reused.
func BytesMarshaller() Marshaller[[]byte] {
	return Marshaller[[]byte]{
		Ser: writeBytes,
		De: func(r *engine.Reader) ([]byte, error) {
			return append([]byte(nil), r.Bytes()...), nil
		},
	}
}

var zstdEncoder = newZstdEncoder()

// newZstdEncoder builds the shared encoder. Single segment frames carry
// their content size, which the decoder checks before allocating.
func newZstdEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithSingleSegment(true))
	if err != nil {
		panic("erpc: zstd encoder: " + err.Error())
	}
	return enc
}

// Compressed wraps inner with zstd compression. maxRaw bounds the
// uncompressed size on both sides; a frame that would decode past it is
// rejected before it is inflated. It panics if maxRaw is not positive.
func Compressed[T any](inner Marshaller[T], maxRaw int) Marshaller[T] {
	if maxRaw <= 0 {
		panic("erpc: Compressed needs a positive raw size")
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxRaw)))
	if err != nil {
		panic("erpc: zstd decoder: " + err.Error())
	}
	return Marshaller[T]{
		Ser: func(v T, b *engine.MsgBuffer) error {
			raw := engine.NewMsgBuffer(maxRaw)
			if err := inner.Ser(v, raw); err != nil {
				return err
			}
			return writeBytes(zstdEncoder.EncodeAll(raw.Bytes(), nil), b)
		},
		De: func(r *engine.Reader) (T, error) {
			var zero T
			p, err := dec.DecodeAll(r.Bytes(), nil)
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
				return zero, fmt.Errorf("message is too large: decodes past %d: %w", maxRaw, err)
			}
			if err != nil {
				return zero, err
			}
			if len(p) > maxRaw {
				return zero, tooLarge(len(p), maxRaw)
			}
			raw := engine.NewMsgBuffer(len(p))
			copy(raw.Bytes(), p)
			return inner.De(engine.NewReader(raw))
		},
	}
}
