package raftelect

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/raft"

	c "github.com/amirimatin/go-broker/pkg/consensus"
	base "github.com/amirimatin/go-broker/pkg/state"
	"github.com/amirimatin/go-broker/pkg/state/leaders"
)

// leaderChange is the payload of an OpLeaderChange entry. At is stamped by the
// controller so every replica records the same time.
type leaderChange struct {
	Topic  string    `json:"topic"`
	Group  int32     `json:"group"`
	Leader string    `json:"leader"`
	At     time.Time `json:"at"`
}

// leaderFSM bridges raft Apply/Snapshot to a LeaderState.
type leaderFSM struct {
	st base.LeaderState
}

func newLeaderFSM(st base.LeaderState) *leaderFSM { return &leaderFSM{st: st} }

// Apply returns nil or an error; raft hands it back from ApplyFuture.Response.
func (f *leaderFSM) Apply(l *raft.Log) interface{} {
	var cmd c.Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return err
	}
	switch cmd.Op {
	case c.OpLeaderChange:
		var lc leaderChange
		if err := json.Unmarshal(cmd.Payload, &lc); err != nil {
			return err
		}
		if _, err := f.st.ApplyLeaderChange(lc.Topic, lc.Group, lc.Leader, lc.At); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("raftelect: unknown op %q", cmd.Op)
	}
}

func (f *leaderFSM) Snapshot() (raft.FSMSnapshot, error) {
	blob, err := f.st.Snapshot()
	if err != nil {
		return nil, err
	}
	return &snapshot{blob: blob}, nil
}

func (f *leaderFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return f.st.Restore(data)
}

type snapshot struct {
	blob []byte
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.blob); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}

var (
	_ raft.FSM         = (*leaderFSM)(nil)
	_ base.LeaderState = (*leaders.Table)(nil)
)
