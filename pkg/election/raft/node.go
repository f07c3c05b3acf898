// Package raftelect replicates partition group leadership through a raft
// controller quorum. Every broker runs a Node; only the controller accepts
// leader changes, and every replica applies them to its local leader table.
package raftelect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"github.com/amirimatin/go-broker/pkg/command"
	c "github.com/amirimatin/go-broker/pkg/consensus"
	"github.com/amirimatin/go-broker/pkg/election"
	"github.com/amirimatin/go-broker/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-broker/pkg/observability/metrics"
	"github.com/amirimatin/go-broker/pkg/state/leaders"
)

var ErrNotStarted = errors.New("raftelect: not started")

// Node implements election.Service on top of HashiCorp Raft.
type Node struct {
	opts  Options
	log   *zap.Logger
	table *leaders.Table
	lch   chan c.ControllerInfo

	mu    sync.RWMutex
	r     *raft.Raft
	obs   *raft.Observer
	obsCh chan raft.Observation
	addr  raft.ServerAddress
	trans raft.Transport
	lb    raft.LoopbackTransport
	bolt  *raftboltdb.BoltStore
}

func New(opts Options) (*Node, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("raftelect: empty NodeID")
	}
	log := logutil.Named(opts.Logger, "raft").With(zap.String("node", opts.NodeID))
	if opts.Table == nil {
		opts.Table = leaders.New(log)
	}
	return &Node{opts: opts, log: log, table: opts.Table, lch: make(chan c.ControllerInfo, 16)}, nil
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.r != nil {
		return nil
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(n.opts.NodeID)
	cfg.LogLevel = n.opts.RaftLogLevel
	if cfg.LogLevel == "" {
		cfg.LogLevel = "WARN"
	}
	if n.opts.HeartbeatTimeout > 0 {
		cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
		// lease must not exceed heartbeat
		if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
			cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
			if cfg.LeaderLeaseTimeout == 0 {
				cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout
			}
		}
	}
	if n.opts.ElectionTimeout > 0 {
		cfg.ElectionTimeout = n.opts.ElectionTimeout
	}
	if n.opts.CommitTimeout > 0 {
		cfg.CommitTimeout = n.opts.CommitTimeout
	}

	var (
		logs   raft.LogStore
		stable raft.StableStore
		snaps  raft.SnapshotStore
		addr   raft.ServerAddress
		trans  raft.Transport
		bolt   *raftboltdb.BoltStore
		r      *raft.Raft
		ok     bool
	)
	// undo partial construction on any early return
	defer func() {
		if ok {
			return
		}
		if r != nil {
			_ = r.Shutdown().Error()
		}
		if cl, isCloser := trans.(io.Closer); isCloser {
			_ = cl.Close()
		}
		if bolt != nil {
			_ = bolt.Close()
		}
	}()

	if n.opts.DataDir != "" {
		if n.opts.SnapshotsRetained == 0 {
			n.opts.SnapshotsRetained = 2
		}
		if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil {
			return err
		}
		bstore, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
		if err != nil {
			return err
		}
		bolt = bstore
		logs, stable = bstore, bstore
		snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, os.Stderr)
		if err != nil {
			return err
		}
	} else {
		logs = raft.NewInmemStore()
		stable = raft.NewInmemStore()
		snaps = raft.NewInmemSnapshotStore()
	}

	if n.opts.BindAddr != "" {
		nt, err := raft.NewTCPTransport(n.opts.BindAddr, nil, 3, 1*time.Second, os.Stderr)
		if err != nil {
			return err
		}
		trans = nt
		addr = nt.LocalAddr()
	} else {
		addr, trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
	}

	var err error
	r, err = raft.NewRaft(cfg, newLeaderFSM(n.table), logs, stable, snaps, trans)
	if err != nil {
		return err
	}
	if n.opts.Bootstrap {
		boot := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
		if err := r.BootstrapCluster(boot).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return err
		}
	}
	ok = true
	n.r, n.addr, n.trans, n.bolt = r, addr, trans, bolt
	if lb, isLoopback := trans.(raft.LoopbackTransport); isLoopback {
		n.lb = lb
	}

	n.obsCh = make(chan raft.Observation, 32)
	n.obs = raft.NewObserver(n.obsCh, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	r.RegisterObserver(n.obs)
	go n.watch(n.obsCh)

	// emit an initial view once raft has settled
	go func() {
		time.Sleep(50 * time.Millisecond)
		n.observeController()
	}()

	go func() {
		<-ctx.Done()
		_ = n.Stop()
	}()
	n.log.Info("controller quorum node started", zap.String("addr", string(addr)), zap.Bool("bootstrap", n.opts.Bootstrap))
	return nil
}

func (n *Node) watch(ch <-chan raft.Observation) {
	for range ch {
		n.observeController()
	}
}

func (n *Node) observeController() {
	id, addr, ok := n.Controller()
	if !ok {
		return
	}
	if id == n.opts.NodeID {
		obsmetrics.IsController.Set(1)
	} else {
		obsmetrics.IsController.Set(0)
	}
	n.log.Debug("controller observed", zap.String("controller", id), zap.String("addr", addr))
	n.emitController(c.ControllerInfo{ID: id, Addr: addr, Term: n.Term()})
}

func (n *Node) current() *raft.Raft {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.r
}

// OnLeaderChange replicates a leader change through the controller log. On a
// follower it fails with election.ErrNotLeader; the announcer is expected to
// retry against the controller. The wait is bounded by ctx's deadline, or by
// ApplyTimeout when ctx has none.
func (n *Node) OnLeaderChange(ctx context.Context, topic string, group int32, leader string) error {
	if topic == "" || leader == "" {
		return fmt.Errorf("%w: topic=%q group=%d leader=%q", election.ErrInvalidGroup, topic, group, leader)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(leaderChange{Topic: topic, Group: group, Leader: leader, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	timeout := n.opts.ApplyTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if timeout <= 0 {
		timeout = defaultApplyTimeout
	}
	return n.Apply(c.Command{Op: c.OpLeaderChange, Payload: payload}, timeout)
}

// Apply appends cmd to the controller log and waits for it to be applied
// locally. It returns the FSM's error, if any.
func (n *Node) Apply(cmd c.Command, timeout time.Duration) error {
	r := n.current()
	if r == nil {
		return ErrNotStarted
	}
	if r.State() != raft.Leader {
		return n.notController()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = n.opts.ApplyTimeout
	}
	af := r.Apply(data, timeout)
	if err := af.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return n.notController()
		}
		return err
	}
	if v := af.Response(); v != nil {
		if e, ok := v.(error); ok && e != nil {
			return e
		}
	}
	return nil
}

func (n *Node) notController() error {
	if id, _, ok := n.Controller(); ok {
		return fmt.Errorf("%w (controller is %s)", election.ErrNotLeader, id)
	}
	return election.ErrNotLeader
}

// Leader implements election.LeaderReader from the replicated table.
func (n *Node) Leader(topic string, group int32) (command.PartitionGroup, bool) {
	return n.table.Leader(topic, group)
}

// AddListener implements election.Notifier. Every replica notifies its own
// listeners when it applies a change.
func (n *Node) AddListener(l election.Listener) func() { return n.table.AddListener(l) }

// Groups lists every group with a known leader.
func (n *Node) Groups() []command.PartitionGroup { return n.table.Groups() }

// Table returns the replicated leader table.
func (n *Node) Table() *leaders.Table { return n.table }

func (n *Node) IsController() bool {
	r := n.current()
	if r == nil {
		return false
	}
	return r.State() == raft.Leader
}

func (n *Node) Controller() (id string, addr string, ok bool) {
	r := n.current()
	if r == nil {
		return "", "", false
	}
	a, sid := r.LeaderWithID()
	if sid == "" {
		return "", "", false
	}
	return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
	r := n.current()
	if r == nil {
		return 0
	}
	if v := r.Stats()["current_term"]; v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			return u
		}
	}
	return 0
}

// Addr returns the raft transport address once started.
func (n *Node) Addr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return string(n.addr)
}

// Stop shuts raft down. The handle is released before waiting so that
// listeners running inside the FSM can still query the node.
func (n *Node) Stop() error {
	n.mu.Lock()
	r, obs, obsCh, bolt := n.r, n.obs, n.obsCh, n.bolt
	n.r, n.obs, n.obsCh, n.bolt = nil, nil, nil, nil
	n.mu.Unlock()
	if r == nil {
		return nil
	}
	r.DeregisterObserver(obs)
	err := r.Shutdown().Error()
	close(obsCh)
	if bolt != nil {
		if cerr := bolt.Close(); err == nil {
			err = cerr
		}
	}
	obsmetrics.IsController.Set(0)
	if err != nil {
		return err
	}
	n.log.Info("controller quorum node stopped")
	return nil
}

// ControllerCh implements consensus.ControllerNotifier.
func (n *Node) ControllerCh() <-chan c.ControllerInfo { return n.lch }

func (n *Node) emitController(ci c.ControllerInfo) {
	select {
	case n.lch <- ci:
	default:
		// drop; only the latest controller matters
	}
}

// AddVoter adds a voting server to the controller quorum if not present.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
	r := n.current()
	if r == nil {
		return ErrNotStarted
	}
	cfg := r.GetConfiguration()
	if err := cfg.Error(); err == nil {
		for _, srv := range cfg.Configuration().Servers {
			if string(srv.ID) == id {
				if string(srv.Address) == addr {
					return nil
				}
				// stale address: remove before re-adding
				if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil {
					return err
				}
				break
			}
		}
	}
	return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

// RemoveServer removes a server from the controller quorum if present.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
	r := n.current()
	if r == nil {
		return ErrNotStarted
	}
	return r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

var (
	_ c.Consensus           = (*Node)(nil)
	_ c.ControllerNotifier  = (*Node)(nil)
	_ c.Reconfigurer        = (*Node)(nil)
	_ election.Service      = (*Node)(nil)
	_ election.LeaderReader = (*Node)(nil)
	_ election.Notifier     = (*Node)(nil)
)
