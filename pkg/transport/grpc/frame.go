package grpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// frame is an already encoded command. The broker codec owns the wire format;
// gRPC only carries the bytes.
type frame []byte

// frameCodec passes frames through untouched so the service needs no protobuf
// codegen. It is selected by content subtype, leaving the health service on
// the default proto codec.
type frameCodec struct{}

const frameCodecName = "broker-frame"

func (frameCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("grpc: frame codec cannot marshal %T", v)
	}
	return *f, nil
}

func (frameCodec) Unmarshal(b []byte, v interface{}) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("grpc: frame codec cannot unmarshal into %T", v)
	}
	// b may be reused by gRPC after we return
	*f = append((*f)[:0], b...)
	return nil
}

func (frameCodec) Name() string { return frameCodecName }

func init() {
	encoding.RegisterCodec(frameCodec{})
}
