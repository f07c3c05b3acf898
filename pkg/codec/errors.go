package codec

import (
	"errors"
	"fmt"
)

var (
	ErrTruncated          = errors.New("codec: truncated frame")
	ErrBadMagic           = errors.New("codec: bad magic")
	ErrVersionMismatch    = errors.New("codec: protocol version mismatch")
	ErrUnknownPayloadType = errors.New("codec: unknown payload type")
	ErrMalformed          = errors.New("codec: malformed frame")
)

// Error is the failure returned by every encoder and decoder. Err is one of
// the sentinels above, possibly wrapped with detail.
type Error struct {
	Op      string // "encode" or "decode"
	Version uint8
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec v%d %s: %v", e.Version, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func decodeErr(v uint8, err error) error { return &Error{Op: "decode", Version: v, Err: err} }
func encodeErr(v uint8, err error) error { return &Error{Op: "encode", Version: v, Err: err} }

// IsCodecError reports whether err came from a codec.
func IsCodecError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
