package consensus

import "time"

// Reconfigurer adds and removes controller quorum voters at runtime.
type Reconfigurer interface {
	AddVoter(id, addr string, timeout time.Duration) error
	RemoveServer(id string, timeout time.Duration) error
}
