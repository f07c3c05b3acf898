package codec

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/amirimatin/go-broker/pkg/command"
)

// Magic opens every frame regardless of protocol version.
const Magic uint32 = 0xCAFEBEBE

// prefixLen is magic(4) + version(1), shared by all versions.
const prefixLen = 5

// Protocol versions.
const (
	V1 uint8 = 1 // fixed big-endian layout
	V2 uint8 = 2 // protobuf wire format
)

// Encoder turns a command into a frame.
type Encoder interface {
	Encode(c *command.Command) ([]byte, error)
}

// Decoder turns a frame back into a command. It never returns a partially
// populated command: either the full command or an *Error.
type Decoder interface {
	Decode(frame []byte) (*command.Command, error)
}

// Codec pairs an encoder and a decoder of the same protocol version.
type Codec struct {
	Encoder
	Decoder
	version uint8
}

func (c Codec) Version() uint8 { return c.version }

// Factory yields codecs for one protocol version. Swapping versions means
// swapping the factory; encoders and decoders are never mixed.
type Factory interface {
	Version() uint8
	Codec() Codec
}

type factory struct {
	version uint8
	enc     Encoder
	dec     Decoder
}

func (f factory) Version() uint8 { return f.version }
func (f factory) Codec() Codec   { return Codec{Encoder: f.enc, Decoder: f.dec, version: f.version} }

// NewFactory binds an encoder and a decoder under version. Both must speak the
// same wire rules; the built-in factories below are the usual choice.
func NewFactory(version uint8, enc Encoder, dec Decoder) Factory {
	return factory{version: version, enc: enc, dec: dec}
}

// NewBinaryFactory returns the v1 factory over reg. reg is sealed.
func NewBinaryFactory(reg *Registry) Factory {
	reg.Seal()
	b := &binaryCodec{reg: reg}
	return NewFactory(V1, b, b)
}

// NewProtoFactory returns the v2 factory over reg. reg is sealed.
func NewProtoFactory(reg *Registry) Factory {
	reg.Seal()
	p := &protoCodec{reg: reg}
	return NewFactory(V2, p, p)
}

// PeekVersion reads the protocol version of frame without decoding it.
func PeekVersion(frame []byte) (uint8, error) {
	if len(frame) < prefixLen {
		return 0, decodeErr(0, ErrTruncated)
	}
	if binary.BigEndian.Uint32(frame) != Magic {
		return 0, decodeErr(0, ErrBadMagic)
	}
	return frame[4], nil
}

// Factories is the set of protocol versions a node speaks.
type Factories struct {
	byVersion map[uint8]Factory
	preferred uint8
}

// NewFactories indexes fs by version. The highest version is preferred for
// outbound commands unless Prefer says otherwise.
func NewFactories(fs ...Factory) *Factories {
	out := &Factories{byVersion: make(map[uint8]Factory, len(fs))}
	for _, f := range fs {
		out.byVersion[f.Version()] = f
		if f.Version() > out.preferred {
			out.preferred = f.Version()
		}
	}
	return out
}

// DefaultFactories returns v1 and v2 over the default registry.
func DefaultFactories() *Factories {
	reg := DefaultRegistry()
	return NewFactories(NewBinaryFactory(reg), NewProtoFactory(reg))
}

// Prefer selects the version used for outbound commands.
func (f *Factories) Prefer(v uint8) error {
	if _, ok := f.byVersion[v]; !ok {
		return fmt.Errorf("%w: v%d not supported", ErrVersionMismatch, v)
	}
	f.preferred = v
	return nil
}

// Preferred returns the outbound factory.
func (f *Factories) Preferred() Factory { return f.byVersion[f.preferred] }

// Negotiate returns the factory for version v.
func (f *Factories) Negotiate(v uint8) (Factory, error) {
	fac, ok := f.byVersion[v]
	if !ok {
		return nil, decodeErr(v, fmt.Errorf("%w: v%d not supported", ErrVersionMismatch, v))
	}
	return fac, nil
}

// ForFrame negotiates by the version carried in frame.
func (f *Factories) ForFrame(frame []byte) (Factory, error) {
	v, err := PeekVersion(frame)
	if err != nil {
		return nil, err
	}
	return f.Negotiate(v)
}

// Versions lists supported versions in ascending order.
func (f *Factories) Versions() []uint8 {
	out := make([]uint8, 0, len(f.byVersion))
	for v := range f.byVersion {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// prepare validates c for encoding under version v and resolves its schema.
func prepare(reg *Registry, v uint8, c *command.Command) (Schema, error) {
	if c == nil {
		return Schema{}, encodeErr(v, fmt.Errorf("%w: nil command", ErrMalformed))
	}
	if c.Header.Version != 0 && c.Header.Version != v {
		return Schema{}, encodeErr(v, fmt.Errorf("%w: command bound to v%d", ErrVersionMismatch, c.Header.Version))
	}
	if err := c.Validate(); err != nil {
		return Schema{}, encodeErr(v, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	s, ok := reg.Lookup(c.Header.Type)
	if !ok {
		return Schema{}, encodeErr(v, fmt.Errorf("%w: %d", ErrUnknownPayloadType, c.Header.Type))
	}
	return s, nil
}

// checkPrefix validates magic and version of an inbound frame.
func checkPrefix(v uint8, frame []byte) error {
	got, err := PeekVersion(frame)
	if err != nil {
		return decodeErr(v, err.(*Error).Err)
	}
	if got != v {
		return decodeErr(v, fmt.Errorf("%w: frame is v%d", ErrVersionMismatch, got))
	}
	return nil
}

func appendPrefix(buf []byte, v uint8) []byte {
	buf = binary.BigEndian.AppendUint32(buf, Magic)
	return append(buf, v)
}
