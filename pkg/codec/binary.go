package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/command/status"
)

// v1 frame layout, all integers big-endian:
//
//	magic(4) version(1) flags(1) requestID(4) type(4)
//	[status(2) errLen(2) err]   responses only
//	payloadLen(4) payload
//
// Payload fields follow each other in schema order: bool(1), int32(4),
// string = len(2)+bytes, []string = count(2)+strings.
const flagResponse = 0x01

type binaryCodec struct {
	reg *Registry
}

func (b *binaryCodec) Encode(c *command.Command) ([]byte, error) {
	s, err := prepare(b.reg, V1, c)
	if err != nil {
		return nil, err
	}
	pw := &binaryWriter{}
	if err := s.Encode(pw, c.Payload); err != nil {
		return nil, encodeErr(V1, err)
	}
	if pw.err != nil {
		return nil, encodeErr(V1, pw.err)
	}
	if uint64(len(pw.buf)) > math.MaxUint32 {
		return nil, encodeErr(V1, fmt.Errorf("%w: payload too large", ErrMalformed))
	}

	h := c.Header
	hw := &binaryWriter{buf: make([]byte, 0, 24+len(h.Error)+len(pw.buf))}
	hw.buf = appendPrefix(hw.buf, V1)
	var flags byte
	if h.Direction == command.Response {
		flags |= flagResponse
	}
	hw.buf = append(hw.buf, flags)
	hw.buf = binary.BigEndian.AppendUint32(hw.buf, h.RequestID)
	hw.Int32(0, int32(h.Type))
	if h.Direction == command.Response {
		hw.buf = binary.BigEndian.AppendUint16(hw.buf, uint16(h.Status))
		hw.String(0, h.Error)
	}
	hw.buf = binary.BigEndian.AppendUint32(hw.buf, uint32(len(pw.buf)))
	hw.buf = append(hw.buf, pw.buf...)
	if hw.err != nil {
		return nil, encodeErr(V1, hw.err)
	}
	return hw.buf, nil
}

func (b *binaryCodec) Decode(frame []byte) (*command.Command, error) {
	if err := checkPrefix(V1, frame); err != nil {
		return nil, err
	}
	r := &binaryReader{buf: frame, off: prefixLen}
	flags := r.u8()
	if flags&^flagResponse != 0 {
		return nil, decodeErr(V1, fmt.Errorf("%w: unknown flags %#x", ErrMalformed, flags))
	}
	h := command.Header{Version: V1}
	if flags&flagResponse != 0 {
		h.Direction = command.Response
	}
	h.RequestID = r.u32()
	h.Type = command.Type(r.Int32(0))
	if h.Direction == command.Response {
		h.Status = status.Code(r.u16())
		h.Error = r.String(0)
	}
	n := r.u32()
	if r.err != nil {
		return nil, decodeErr(V1, r.err)
	}
	if uint64(len(frame)-r.off) < uint64(n) {
		return nil, decodeErr(V1, ErrTruncated)
	}
	if uint64(len(frame)-r.off) > uint64(n) {
		return nil, decodeErr(V1, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(frame)-r.off-int(n)))
	}
	s, ok := b.reg.Lookup(h.Type)
	if !ok {
		return nil, decodeErr(V1, fmt.Errorf("%w: %d", ErrUnknownPayloadType, h.Type))
	}
	pr := &binaryReader{buf: frame[r.off:]}
	p, err := s.Decode(pr)
	if err != nil {
		return nil, decodeErr(V1, err)
	}
	if pr.off != len(pr.buf) {
		return nil, decodeErr(V1, fmt.Errorf("%w: %d unread payload bytes", ErrMalformed, len(pr.buf)-pr.off))
	}
	c := &command.Command{Header: h, Payload: p}
	if err := c.Validate(); err != nil {
		return nil, decodeErr(V1, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return c, nil
}

type binaryWriter struct {
	buf []byte
	err error
}

func (w *binaryWriter) Bool(_ int, v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *binaryWriter) Int32(_ int, v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *binaryWriter) String(_ int, v string) {
	if len(v) > math.MaxUint16 {
		if w.err == nil {
			w.err = fmt.Errorf("%w: string of %d bytes exceeds %d", ErrMalformed, len(v), math.MaxUint16)
		}
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *binaryWriter) Strings(_ int, v []string) {
	if len(v) > math.MaxUint16 {
		if w.err == nil {
			w.err = fmt.Errorf("%w: %d strings exceed %d", ErrMalformed, len(v), math.MaxUint16)
		}
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(v)))
	for _, s := range v {
		w.String(0, s)
	}
}

type binaryReader struct {
	buf []byte
	off int
	err error
}

func (r *binaryReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n {
		r.err = ErrTruncated
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binaryReader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *binaryReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *binaryReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *binaryReader) Bool(int) bool {
	switch r.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		if r.err == nil {
			r.err = fmt.Errorf("%w: invalid bool", ErrMalformed)
		}
		return false
	}
}

func (r *binaryReader) Int32(int) int32 { return int32(r.u32()) }

func (r *binaryReader) String(int) string {
	n := int(r.u16())
	if b := r.take(n); b != nil {
		return string(b)
	}
	return ""
}

func (r *binaryReader) Strings(int) []string {
	n := int(r.u16())
	if n == 0 || r.err != nil {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.String(0))
	}
	return out
}

func (r *binaryReader) Err() error { return r.err }
