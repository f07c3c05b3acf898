package transport

import (
	"context"

	"github.com/amirimatin/go-broker/pkg/command"
)

// Session identifies the peer connection a command arrived on. Its lifecycle
// (open, close, reconnect) belongs to the transport.
type Session interface {
	ID() string
	RemoteAddr() string
}

// Dispatcher consumes decoded commands and produces the response to send
// back, or nil when no response is owed.
type Dispatcher interface {
	Dispatch(ctx context.Context, s Session, cmd *command.Command) *command.Command
}

// Server receives frames, decodes them and hands the commands to a Dispatcher.
type Server interface {
	Start(ctx context.Context, d Dispatcher) error
	Addr() string
	Stop(ctx context.Context) error
}

// Client sends a command to the node at addr and returns its reply. A nil
// reply with a nil error means the peer owed no response.
type Client interface {
	Send(ctx context.Context, addr string, cmd *command.Command) (*command.Command, error)
}

// LocalSession is a Session for commands that did not come from the network,
// such as those injected by tests or the CLI.
type LocalSession string

func (s LocalSession) ID() string         { return string(s) }
func (s LocalSession) RemoteAddr() string { return "local" }
