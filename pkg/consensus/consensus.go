package consensus

import (
	"context"
	"encoding/json"
	"time"
)

// Op names understood by the controller state machine.
const (
	OpLeaderChange = "LeaderChange"
)

// Command is one controller log entry. Payload is interpreted by the FSM
// according to Op.
type Command struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// Consensus is the minimal surface of the controller quorum: the set of
// brokers that replicate partition group leadership. Exactly one of them, the
// controller, accepts writes.
type Consensus interface {
	Start(ctx context.Context) error
	Apply(cmd Command, timeout time.Duration) error
	IsController() bool
	Controller() (id string, addr string, ok bool)
	Term() uint64
	Stop() error
}
