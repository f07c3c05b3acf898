package announce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/command/status"
)

// fakeClient answers per peer address.
type fakeClient struct {
	mu       sync.Mutex
	got      map[string]command.PartitionGroup
	inflight atomic.Int32
	peak     atomic.Int32
	answer   func(peer string) (*command.Command, error)
}

func (f *fakeClient) Send(_ context.Context, peer string, cmd *command.Command) (*command.Command, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	f.mu.Lock()
	f.got[peer] = cmd.Payload.(command.UpdatePartitionGroup).Group
	f.mu.Unlock()
	return f.answer(peer)
}

func newFake(answer func(peer string) (*command.Command, error)) *fakeClient {
	return &fakeClient{got: make(map[string]command.PartitionGroup), answer: answer}
}

var group = command.PartitionGroup{Topic: "orders", Group: 3, Leader: "node-7", Replicas: []string{"node-7", "node-8"}}

func TestAnnounce_AllAcknowledge(t *testing.T) {
	acks := command.NewAckBuilder(nil)
	fc := newFake(func(string) (*command.Command, error) { return acks.Success(), nil })
	peers := []string{"a:1", "b:1", "c:1"}

	res, err := New(fc, 0, nil).Announce(context.Background(), group, peers)
	require.NoError(t, err)
	require.Len(t, res, 3)
	for i, r := range res {
		require.Equal(t, peers[i], r.Peer)
		require.True(t, r.OK())
		require.Equal(t, status.Success, r.Status)
		require.Equal(t, group, fc.got[r.Peer])
	}
}

func TestAnnounce_PartialFailure(t *testing.T) {
	acks := command.NewAckBuilder(nil)
	dial := errors.New("connection refused")
	fc := newFake(func(peer string) (*command.Command, error) {
		switch peer {
		case "down:1":
			return nil, dial
		case "busy:1":
			return acks.Failure(status.UnknownError, "quorum lost"), nil
		case "mute:1":
			return nil, nil
		}
		return acks.Success(), nil
	})

	res, err := New(fc, 0, nil).Announce(context.Background(), group, []string{"ok:1", "down:1", "busy:1", "mute:1"})
	require.ErrorIs(t, err, ErrIncomplete)
	require.Contains(t, err.Error(), "3 of 4")

	require.True(t, res[0].OK())
	require.ErrorIs(t, res[1].Error, dial)
	require.Equal(t, status.ServiceUnavailable, res[1].Status)
	require.ErrorIs(t, res[2].Error, ErrRejected)
	require.Contains(t, res[2].Error.Error(), "quorum lost")
	require.Equal(t, status.UnknownError, res[2].Status)
	require.ErrorIs(t, res[3].Error, ErrNoAck)
}

func TestAnnounce_Limit(t *testing.T) {
	acks := command.NewAckBuilder(nil)
	fc := newFake(func(string) (*command.Command, error) { return acks.Success(), nil })
	peers := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	_, err := New(fc, 2, nil).Announce(context.Background(), group, peers)
	require.NoError(t, err)
	require.LessOrEqual(t, fc.peak.Load(), int32(2))
}

func TestAnnounce_NoPeers(t *testing.T) {
	res, err := New(newFake(nil), 0, nil).Announce(context.Background(), group, nil)
	require.NoError(t, err)
	require.Empty(t, res)
}
