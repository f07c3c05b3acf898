package election

import (
	"context"
	"errors"
	"time"

	"github.com/amirimatin/go-broker/pkg/command"
)

var (
	ErrNotLeader     = errors.New("election: not the controller leader")
	ErrGroupNotFound = errors.New("election: partition group not found")
	ErrInvalidGroup  = errors.New("election: invalid partition group")
)

// Service owns the current leader of every partition group. It is the only
// synchronisation point for leadership state: callers never lock around it.
// OnLeaderChange may block while the change is made durable.
type Service interface {
	OnLeaderChange(ctx context.Context, topic string, group int32, leader string) error
}

// LeaderReader is optionally implemented by services that expose their view.
type LeaderReader interface {
	Leader(topic string, group int32) (command.PartitionGroup, bool)
}

// Event describes an applied leader change. Previous is empty when the group
// had no known leader.
type Event struct {
	Topic    string
	Group    int32
	Previous string
	Leader   string
	At       time.Time
}

// Listener is notified once per applied change, in application order.
type Listener func(Event)

// Notifier is optionally implemented by services that publish changes to
// local subsystems.
type Notifier interface {
	AddListener(l Listener) (remove func())
}
