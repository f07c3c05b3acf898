package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/command/status"
	"github.com/amirimatin/go-broker/pkg/consensus"
	"github.com/amirimatin/go-broker/pkg/discovery/static"
	"github.com/amirimatin/go-broker/pkg/dispatch"
	"github.com/amirimatin/go-broker/pkg/election"
	raftelect "github.com/amirimatin/go-broker/pkg/election/raft"
	"github.com/amirimatin/go-broker/pkg/state/leaders"
	"github.com/amirimatin/go-broker/pkg/transport"
	tgrpc "github.com/amirimatin/go-broker/pkg/transport/grpc"
)

var orders3 = command.PartitionGroup{Topic: "orders", Group: 3, Leader: "node-7", Replicas: []string{"node-7", "node-8"}}

func TestOptions_Validate(t *testing.T) {
	_, err := New(Options{Election: leaders.New(nil)})
	require.Error(t, err)
	_, err = New(Options{NodeID: "b1"})
	require.Error(t, err)
}

func TestNew_RejectsDuplicateHandler(t *testing.T) {
	dup := dispatch.TypedHandler(typedFunc{typ: command.TypeLeaderChangePartitionGroup})
	_, err := New(Options{NodeID: "b1", Election: leaders.New(nil), Handlers: []dispatch.TypedHandler{dup}})
	require.ErrorIs(t, err, dispatch.ErrDuplicateHandler)
}

type typedFunc struct{ typ command.Type }

func (f typedFunc) Type() command.Type { return f.typ }
func (f typedFunc) Handle(context.Context, transport.Session, *command.Command) (*command.Command, error) {
	return nil, nil
}

func TestBroker_ChangeLeaderAndEvents(t *testing.T) {
	tbl := leaders.New(nil)
	var seen []election.Event
	b, err := New(Options{NodeID: "b1", Election: tbl, OnLeaderChange: func(ev election.Event) { seen = append(seen, ev) }})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))
	defer b.Close()
	events := b.Subscribe(ctx)

	for i := 0; i < 2; i++ {
		ack := b.ChangeLeader(ctx, orders3)
		require.True(t, ack.Success())
	}
	require.Len(t, seen, 1)
	select {
	case ev := <-events:
		require.Equal(t, EventLeaderChanged, ev.Type)
		require.Equal(t, "node-7", ev.Change.Leader)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	ack := b.ChangeLeader(ctx, command.PartitionGroup{Topic: "orders", Group: 1})
	require.Equal(t, status.UnknownError, ack.Header.Status)
	require.Contains(t, ack.Header.Error, "invalid partition group")

	st, err := b.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Healthy)
	require.Len(t, st.Groups, 1)
	require.Equal(t, []int{1, 2}, st.WireVersions)

	_, err = b.Announce(ctx, orders3)
	require.ErrorIs(t, err, ErrNoClient)
}

// Two brokers with local tables: one announces, the other applies and answers
// queries, all over gRPC.
func TestBroker_AnnounceAndQueryOverGRPC(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peerTbl := leaders.New(nil)
	peer, err := New(Options{
		NodeID:   "b2",
		Election: peerTbl,
		Server:   tgrpc.NewServer("127.0.0.1:0", nil, nil),
	})
	require.NoError(t, err)
	require.NoError(t, peer.Start(ctx))
	defer peer.Close()
	peerAddr := peer.opts.Server.Addr()

	origin, err := New(Options{
		NodeID:    "b1",
		Advertise: "127.0.0.1:1",
		Election:  leaders.New(nil),
		Client:    tgrpc.NewClient(2*time.Second, nil),
		Discovery: static.New(peerAddr, "127.0.0.1:1"),
	})
	require.NoError(t, err)
	require.NoError(t, origin.Start(ctx))
	defer origin.Close()
	require.Equal(t, []string{peerAddr}, origin.Peers())

	res, err := origin.Announce(ctx, orders3)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, status.Success, res[0].Status)

	g, ok := peerTbl.Leader("orders", 3)
	require.True(t, ok)
	require.Equal(t, "node-7", g.Leader)

	got, err := origin.Query(ctx, peerAddr, "orders", 3)
	require.NoError(t, err)
	require.Equal(t, "node-7", got.Leader)

	_, err = origin.Query(ctx, peerAddr, "orders", 4)
	require.Error(t, err)
	require.Contains(t, err.Error(), "partition group not found: orders/4")
}

func TestBroker_RaftElection(t *testing.T) {
	node, err := raftelect.New(raftelect.Options{NodeID: "b1", Bootstrap: true, ApplyTimeout: 2 * time.Second})
	require.NoError(t, err)
	b, err := New(Options{NodeID: "b1", Election: node})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, b.Start(ctx))
	defer b.Close()

	require.Eventually(t, node.IsController, 3*time.Second, 50*time.Millisecond)
	require.True(t, b.ChangeLeader(ctx, orders3).Success())

	st, err := b.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Healthy)
	require.True(t, st.IsController)
	require.Equal(t, "b1", st.ControllerID)
	require.Len(t, st.Groups, 1)

	require.NoError(t, b.Stop(ctx))
	require.ErrorIs(t, b.Start(ctx), ErrClosed)
}

type countingElection struct {
	*leaders.Table
	starts, stops int
}

func (e *countingElection) Start(context.Context) error { e.starts++; return nil }
func (e *countingElection) Apply(consensus.Command, time.Duration) error {
	return nil
}
func (e *countingElection) IsController() bool                 { return true }
func (e *countingElection) Controller() (string, string, bool) { return "b1", "", true }
func (e *countingElection) Term() uint64                       { return 1 }
func (e *countingElection) Stop() error                        { e.stops++; return nil }

type failingServer struct{ stops int }

func (s *failingServer) Start(context.Context, transport.Dispatcher) error {
	return errors.New("address in use")
}
func (s *failingServer) Addr() string               { return "" }
func (s *failingServer) Stop(context.Context) error { s.stops++; return nil }

func TestBroker_StartRollsBackElectionOnServerFailure(t *testing.T) {
	el := &countingElection{Table: leaders.New(nil)}
	srv := &failingServer{}
	b, err := New(Options{NodeID: "b1", Election: el, Server: srv})
	require.NoError(t, err)

	err = b.Start(context.Background())
	require.ErrorContains(t, err, "start server")
	require.Equal(t, 1, el.starts)
	require.Equal(t, 1, el.stops, "election stopped after server failure")

	require.NoError(t, b.Close())
	require.Equal(t, 1, el.stops, "close does not stop the election twice")
}
