package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/transport"
)

// Handler executes one command type. A returned error is turned into a
// failure response by the Dispatcher; a nil command with a nil error means no
// response is owed.
type Handler interface {
	Handle(ctx context.Context, s transport.Session, cmd *command.Command) (*command.Command, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s transport.Session, cmd *command.Command) (*command.Command, error)

func (f HandlerFunc) Handle(ctx context.Context, s transport.Session, cmd *command.Command) (*command.Command, error) {
	return f(ctx, s, cmd)
}

// TypedHandler is a Handler that knows the command type it serves.
type TypedHandler interface {
	Handler
	Type() command.Type
}

var (
	ErrDuplicateHandler = errors.New("dispatch: handler already registered for type")
	ErrRegistrySealed   = errors.New("dispatch: registry sealed")
	ErrNilHandler       = errors.New("dispatch: nil handler")
)

// Registry maps command types to handlers. It is filled at startup and sealed
// when a Dispatcher is built from it; lookups on a sealed registry take no
// lock. Registering a type twice is an error rather than a silent override.
type Registry struct {
	handlers map[command.Type]Handler
	sealed   bool
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[command.Type]Handler)}
}

// Register binds h to t.
func (r *Registry) Register(t command.Type, h Handler) error {
	if r.sealed {
		return ErrRegistrySealed
	}
	if h == nil {
		return ErrNilHandler
	}
	if _, ok := r.handlers[t]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateHandler, t)
	}
	r.handlers[t] = h
	return nil
}

// Add registers typed handlers under their own types, stopping at the first
// failure.
func (r *Registry) Add(hs ...TypedHandler) error {
	for _, h := range hs {
		if h == nil {
			return ErrNilHandler
		}
		if err := r.Register(h.Type(), h); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the handler bound to t.
func (r *Registry) Lookup(t command.Type) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// Len returns the number of registered types.
func (r *Registry) Len() int { return len(r.handlers) }

func (r *Registry) seal() { r.sealed = true }
