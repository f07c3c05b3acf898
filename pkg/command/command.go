package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/amirimatin/go-broker/pkg/command/status"
)

// Direction tells requests from their replies.
type Direction uint8

const (
	Request  Direction = 0
	Response Direction = 1
)

func (d Direction) String() string {
	if d == Response {
		return "response"
	}
	return "request"
}

// Type is the integer code identifying a payload schema. It also routes
// dispatch to a handler.
type Type int32

// Header is the fixed part of every command on the wire. Status and Error are
// only meaningful on responses; Error is non-empty iff Status is not Success.
type Header struct {
	Direction Direction
	Type      Type
	RequestID uint32
	Status    status.Code
	Error     string
	// Version is the protocol version the command was decoded with, or the
	// version it must be encoded with. Zero lets the codec stamp its own.
	Version uint8
}

var (
	ErrNilPayload       = errors.New("command: nil payload")
	ErrTypeMismatch     = errors.New("command: header type does not match payload")
	ErrStatusOnRequest  = errors.New("command: status set on request")
	ErrErrorWithoutFail = errors.New("command: error text requires a failure status")
	ErrFailWithoutError = errors.New("command: failure status requires error text")
)

// Command is the envelope exchanged between nodes: a header plus a typed
// payload. Commands are treated as immutable once built; the With* helpers
// return modified copies.
type Command struct {
	Header  Header
	Payload Payload
}

// NewRequest builds a request carrying p. Empty lists in p are stored as nil.
func NewRequest(p Payload) *Command {
	return &Command{Header: Header{Direction: Request, Type: p.Type()}, Payload: canonical(p)}
}

// NewResponse builds a response carrying p with the given status. The error
// text is cleared on success regardless of message; a failure with a blank
// message carries the canonical message for code.
func NewResponse(p Payload, code status.Code, message string) *Command {
	h := Header{Direction: Response, Type: p.Type(), Status: code}
	if code != status.Success {
		if strings.TrimSpace(message) == "" {
			message = status.DefaultTable().Message(code)
		}
		h.Error = message
	}
	return &Command{Header: h, Payload: canonical(p)}
}

// WithRequestID returns a copy correlated with id.
func (c *Command) WithRequestID(id uint32) *Command {
	cp := *c
	cp.Header.RequestID = id
	return &cp
}

// WithVersion returns a copy bound to protocol version v.
func (c *Command) WithVersion(v uint8) *Command {
	cp := *c
	cp.Header.Version = v
	return &cp
}

// Success reports whether c is a response with status Success.
func (c *Command) Success() bool {
	return c != nil && c.Header.Direction == Response && c.Header.Status == status.Success
}

// Validate checks the envelope invariants.
func (c *Command) Validate() error {
	if c.Payload == nil {
		return ErrNilPayload
	}
	if c.Payload.Type() != c.Header.Type {
		return fmt.Errorf("%w: header=%d payload=%d", ErrTypeMismatch, c.Header.Type, c.Payload.Type())
	}
	h := c.Header
	if h.Direction == Request {
		if h.Status != status.Success || h.Error != "" {
			return ErrStatusOnRequest
		}
		return nil
	}
	if h.Status == status.Success && h.Error != "" {
		return ErrErrorWithoutFail
	}
	if h.Status != status.Success && strings.TrimSpace(h.Error) == "" {
		return ErrFailWithoutError
	}
	return nil
}

func (c *Command) String() string {
	if c == nil {
		return "<nil>"
	}
	h := c.Header
	if h.Direction == Response {
		return fmt.Sprintf("%s{type=%d id=%d status=%d error=%q payload=%+v}", h.Direction, h.Type, h.RequestID, h.Status, h.Error, c.Payload)
	}
	return fmt.Sprintf("%s{type=%d id=%d payload=%+v}", h.Direction, h.Type, h.RequestID, c.Payload)
}
