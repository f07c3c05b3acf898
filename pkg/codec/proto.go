package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/command/status"
)

// v2 frames keep the magic+version prefix, then a varint body length and a
// body in protobuf wire format, so peers can add fields without breaking
// older decoders. The explicit length makes truncation detectable.
const (
	fieldDirection protowire.Number = 1
	fieldRequestID protowire.Number = 2
	fieldType      protowire.Number = 3
	fieldStatus    protowire.Number = 4
	fieldError     protowire.Number = 5
	fieldPayload   protowire.Number = 6
)

type protoCodec struct {
	reg *Registry
}

func (p *protoCodec) Encode(c *command.Command) ([]byte, error) {
	s, err := prepare(p.reg, V2, c)
	if err != nil {
		return nil, err
	}
	pw := &protoWriter{}
	if err := s.Encode(pw, c.Payload); err != nil {
		return nil, encodeErr(V2, err)
	}

	h := c.Header
	body := make([]byte, 0, 24+len(h.Error)+len(pw.buf))
	if h.Direction != command.Request {
		body = appendVarintField(body, fieldDirection, uint64(h.Direction))
	}
	if h.RequestID != 0 {
		body = appendVarintField(body, fieldRequestID, uint64(h.RequestID))
	}
	body = appendVarintField(body, fieldType, uint64(int64(h.Type)))
	if h.Status != status.Success {
		body = appendVarintField(body, fieldStatus, uint64(int64(h.Status)))
	}
	if h.Error != "" {
		body = protowire.AppendTag(body, fieldError, protowire.BytesType)
		body = protowire.AppendString(body, h.Error)
	}
	if len(pw.buf) > 0 {
		body = protowire.AppendTag(body, fieldPayload, protowire.BytesType)
		body = protowire.AppendBytes(body, pw.buf)
	}
	buf := appendPrefix(make([]byte, 0, prefixLen+lenVarintSize+len(body)), V2)
	buf = protowire.AppendVarint(buf, uint64(len(body)))
	return append(buf, body...), nil
}

// lenVarintSize covers body lengths up to 256MiB; it only
// sizes the initial allocation.
const lenVarintSize = 4

func (p *protoCodec) Decode(frame []byte) (*command.Command, error) {
	if err := checkPrefix(V2, frame); err != nil {
		return nil, err
	}
	h := command.Header{Version: V2}
	var (
		payload []byte
		typed   bool
	)
	b, err := unframe(frame[prefixLen:])
	if err != nil {
		return nil, decodeErr(V2, err)
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, decodeErr(V2, wireErr(n))
		}
		b = b[n:]
		switch num {
		case fieldDirection, fieldRequestID, fieldType, fieldStatus:
			if typ != protowire.VarintType {
				return nil, decodeErr(V2, fmt.Errorf("%w: field %d wire type %d", ErrMalformed, num, typ))
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, decodeErr(V2, wireErr(n))
			}
			b = b[n:]
			if err := setHeaderField(&h, num, v); err != nil {
				return nil, decodeErr(V2, err)
			}
			if num == fieldType {
				typed = true
			}
		case fieldError, fieldPayload:
			if typ != protowire.BytesType {
				return nil, decodeErr(V2, fmt.Errorf("%w: field %d wire type %d", ErrMalformed, num, typ))
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, decodeErr(V2, wireErr(n))
			}
			b = b[n:]
			if num == fieldError {
				h.Error = string(v)
			} else {
				payload = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, decodeErr(V2, wireErr(n))
			}
			b = b[n:]
		}
	}
	if !typed {
		return nil, decodeErr(V2, fmt.Errorf("%w: missing type", ErrMalformed))
	}
	s, ok := p.reg.Lookup(h.Type)
	if !ok {
		return nil, decodeErr(V2, fmt.Errorf("%w: %d", ErrUnknownPayloadType, h.Type))
	}
	pr, err := newProtoReader(payload)
	if err != nil {
		return nil, decodeErr(V2, err)
	}
	pl, err := s.Decode(pr)
	if err != nil {
		return nil, decodeErr(V2, err)
	}
	c := &command.Command{Header: h, Payload: pl}
	if err := c.Validate(); err != nil {
		return nil, decodeErr(V2, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return c, nil
}

// unframe strips the varint length and checks it covers the rest exactly.
func unframe(b []byte) ([]byte, error) {
	n, k := protowire.ConsumeVarint(b)
	if k < 0 {
		return nil, wireErr(k)
	}
	b = b[k:]
	switch {
	case uint64(len(b)) < n:
		return nil, ErrTruncated
	case uint64(len(b)) > n:
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, uint64(len(b))-n)
	}
	return b, nil
}

func setHeaderField(h *command.Header, num protowire.Number, v uint64) error {
	switch num {
	case fieldDirection:
		if v > uint64(command.Response) {
			return fmt.Errorf("%w: direction %d", ErrMalformed, v)
		}
		h.Direction = command.Direction(v)
	case fieldRequestID:
		if v > math.MaxUint32 {
			return fmt.Errorf("%w: request id overflow", ErrMalformed)
		}
		h.RequestID = uint32(v)
	case fieldType:
		t := int64(v)
		if t < math.MinInt32 || t > math.MaxInt32 {
			return fmt.Errorf("%w: type overflow", ErrMalformed)
		}
		h.Type = command.Type(t)
	case fieldStatus:
		s := int64(v)
		if s < math.MinInt16 || s > math.MaxInt16 {
			return fmt.Errorf("%w: status overflow", ErrMalformed)
		}
		h.Status = status.Code(s)
	}
	return nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func wireErr(n int) error {
	if err := protowire.ParseError(n); err != nil {
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return ErrTruncated
}

// protoWriter writes payload fields as tagged protobuf fields, omitting zero
// scalars the way proto3 does. Repeated strings keep empty elements.
type protoWriter struct {
	buf []byte
}

func (w *protoWriter) Bool(num int, v bool) {
	if v {
		w.buf = appendVarintField(w.buf, protowire.Number(num), 1)
	}
}

func (w *protoWriter) Int32(num int, v int32) {
	if v != 0 {
		w.buf = appendVarintField(w.buf, protowire.Number(num), uint64(int64(v)))
	}
}

func (w *protoWriter) String(num int, v string) {
	if v != "" {
		w.appendString(num, v)
	}
}

func (w *protoWriter) Strings(num int, v []string) {
	for _, s := range v {
		w.appendString(num, s)
	}
}

func (w *protoWriter) appendString(num int, v string) {
	w.buf = protowire.AppendTag(w.buf, protowire.Number(num), protowire.BytesType)
	w.buf = protowire.AppendString(w.buf, v)
}

type protoField struct {
	typ protowire.Type
	v   uint64
	b   []byte
}

// protoReader indexes a payload by field number up front; accessors then pick
// the last occurrence for scalars and every occurrence for repeated fields.
type protoReader struct {
	fields map[int][]protoField
	err    error
}

func newProtoReader(b []byte) (*protoReader, error) {
	r := &protoReader{fields: make(map[int][]protoField)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, wireErr(n)
		}
		b = b[n:]
		f := protoField{typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, wireErr(n)
		}
		b = b[n:]
		r.fields[int(num)] = append(r.fields[int(num)], f)
	}
	return r, nil
}

func (r *protoReader) last(num int, want protowire.Type) (protoField, bool) {
	fs := r.fields[num]
	if len(fs) == 0 {
		return protoField{}, false
	}
	f := fs[len(fs)-1]
	if f.typ != want {
		if r.err == nil {
			r.err = fmt.Errorf("%w: payload field %d wire type %d", ErrMalformed, num, f.typ)
		}
		return protoField{}, false
	}
	return f, true
}

func (r *protoReader) Bool(num int) bool {
	f, ok := r.last(num, protowire.VarintType)
	return ok && f.v != 0
}

func (r *protoReader) Int32(num int) int32 {
	f, ok := r.last(num, protowire.VarintType)
	if !ok {
		return 0
	}
	v := int64(f.v)
	if v < math.MinInt32 || v > math.MaxInt32 {
		if r.err == nil {
			r.err = fmt.Errorf("%w: payload field %d overflows int32", ErrMalformed, num)
		}
		return 0
	}
	return int32(v)
}

func (r *protoReader) String(num int) string {
	f, ok := r.last(num, protowire.BytesType)
	if !ok {
		return ""
	}
	return string(f.b)
}

func (r *protoReader) Strings(num int) []string {
	fs := r.fields[num]
	if len(fs) == 0 {
		return nil
	}
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		if f.typ != protowire.BytesType {
			if r.err == nil {
				r.err = fmt.Errorf("%w: payload field %d wire type %d", ErrMalformed, num, f.typ)
			}
			return nil
		}
		out = append(out, string(f.b))
	}
	return out
}

func (r *protoReader) Err() error { return r.err }
