package state

import "time"

// LeaderState is the replicated state machine holding partition group
// leaders. Apply must be idempotent: re-applying the known leader reports
// changed=false and has no side effect.
type LeaderState interface {
	ApplyLeaderChange(topic string, group int32, leader string, at time.Time) (changed bool, err error)
	Snapshot() ([]byte, error)
	Restore(buf []byte) error
}
