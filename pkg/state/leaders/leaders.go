package leaders

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/election"
	"github.com/amirimatin/go-broker/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-broker/pkg/observability/metrics"
	base "github.com/amirimatin/go-broker/pkg/state"
)

type key struct {
	topic string
	group int32
}

// Table is the local leader table. Each group is either unknown (absent) or
// assigned to a node. Listeners see every real change exactly once and in the
// order the changes were applied; repeating the current leader is a no-op.
//
// Listeners run synchronously and must not call back into the Table.
type Table struct {
	mu      sync.RWMutex
	groups  map[key]string
	notify  sync.Mutex
	lmu     sync.Mutex
	lis     map[int]election.Listener
	nextLis int
	log     *zap.Logger
	now     func() time.Time
}

func New(logger *zap.Logger) *Table {
	return &Table{
		groups: make(map[key]string),
		lis:    make(map[int]election.Listener),
		log:    logutil.Named(logger, "leaders"),
		now:    time.Now,
	}
}

// OnLeaderChange implements election.Service over the local table.
func (t *Table) OnLeaderChange(_ context.Context, topic string, group int32, leader string) error {
	_, err := t.ApplyLeaderChange(topic, group, leader, t.now())
	return err
}

// ApplyLeaderChange records leader for (topic, group).
func (t *Table) ApplyLeaderChange(topic string, group int32, leader string, at time.Time) (bool, error) {
	if topic == "" || leader == "" {
		return false, fmt.Errorf("%w: topic=%q group=%d leader=%q", election.ErrInvalidGroup, topic, group, leader)
	}
	k := key{topic: topic, group: group}
	t.mu.Lock()
	prev, known := t.groups[k]
	if known && prev == leader {
		t.mu.Unlock()
		obsmetrics.LeaderChangeDuplicates.Inc()
		return false, nil
	}
	t.groups[k] = leader
	obsmetrics.PartitionGroups.Set(float64(len(t.groups)))
	// Take the notify lock before releasing the state lock so that listeners
	// observe changes in the order they were applied.
	t.notify.Lock()
	t.mu.Unlock()
	defer t.notify.Unlock()

	obsmetrics.LeaderChanges.Inc()
	t.log.Info("partition group leader changed",
		zap.String("topic", topic), zap.Int32("group", group),
		zap.String("previous", prev), zap.String("leader", leader))
	t.publish(election.Event{Topic: topic, Group: group, Previous: prev, Leader: leader, At: at})
	return true, nil
}

// Leader implements election.LeaderReader.
func (t *Table) Leader(topic string, group int32) (command.PartitionGroup, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.groups[key{topic: topic, group: group}]
	if !ok {
		return command.PartitionGroup{}, false
	}
	return command.PartitionGroup{Topic: topic, Group: group, Leader: l}, true
}

// Groups returns every assigned group sorted by topic then group.
func (t *Table) Groups() []command.PartitionGroup {
	t.mu.RLock()
	out := make([]command.PartitionGroup, 0, len(t.groups))
	for k, l := range t.groups {
		out = append(out, command.PartitionGroup{Topic: k.topic, Group: k.group, Leader: l})
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Group < out[j].Group
	})
	return out
}

// AddListener implements election.Notifier.
func (t *Table) AddListener(l election.Listener) func() {
	t.lmu.Lock()
	id := t.nextLis
	t.nextLis++
	t.lis[id] = l
	t.lmu.Unlock()
	return func() {
		t.lmu.Lock()
		delete(t.lis, id)
		t.lmu.Unlock()
	}
}

func (t *Table) publish(ev election.Event) {
	t.lmu.Lock()
	ids := make([]int, 0, len(t.lis))
	for id := range t.lis {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]election.Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, t.lis[id])
	}
	t.lmu.Unlock()
	for _, l := range ls {
		t.call(l, ev)
	}
}

func (t *Table) call(l election.Listener, ev election.Event) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("leader change listener panicked",
				zap.String("topic", ev.Topic), zap.Int32("group", ev.Group), zap.Any("panic", r))
		}
	}()
	l(ev)
}

type snapshotGroup struct {
	Topic  string `json:"topic"`
	Group  int32  `json:"group"`
	Leader string `json:"leader"`
}

type snapshot struct {
	Version int             `json:"version"`
	Groups  []snapshotGroup `json:"groups"`
}

// Snapshot encodes the table as stable JSON.
func (t *Table) Snapshot() ([]byte, error) {
	gs := t.Groups()
	snap := snapshot{Version: 1, Groups: make([]snapshotGroup, 0, len(gs))}
	for _, g := range gs {
		snap.Groups = append(snap.Groups, snapshotGroup{Topic: g.Topic, Group: g.Group, Leader: g.Leader})
	}
	return json.Marshal(snap)
}

// Restore replaces the table with buf. Listeners are told about every group
// whose leader differs from before the restore.
func (t *Table) Restore(buf []byte) error {
	var snap snapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		return err
	}
	if snap.Version != 1 {
		return fmt.Errorf("leaders: unsupported snapshot version %d", snap.Version)
	}
	next := make(map[key]string, len(snap.Groups))
	for _, g := range snap.Groups {
		if g.Topic == "" || g.Leader == "" {
			continue
		}
		next[key{topic: g.Topic, group: g.Group}] = g.Leader
	}

	t.mu.Lock()
	prev := t.groups
	t.groups = next
	obsmetrics.PartitionGroups.Set(float64(len(next)))
	t.notify.Lock()
	t.mu.Unlock()
	defer t.notify.Unlock()

	at := t.now()
	changed := make([]snapshotGroup, 0)
	for k, l := range next {
		if prev[k] != l {
			changed = append(changed, snapshotGroup{Topic: k.topic, Group: k.group, Leader: l})
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		if changed[i].Topic != changed[j].Topic {
			return changed[i].Topic < changed[j].Topic
		}
		return changed[i].Group < changed[j].Group
	})
	for _, g := range changed {
		t.publish(election.Event{Topic: g.Topic, Group: g.Group, Previous: prev[key{g.Topic, g.Group}], Leader: g.Leader, At: at})
	}
	return nil
}

var (
	_ election.Service      = (*Table)(nil)
	_ election.LeaderReader = (*Table)(nil)
	_ election.Notifier     = (*Table)(nil)
	_ base.LeaderState      = (*Table)(nil)
)
