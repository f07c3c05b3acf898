package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/command/status"
	"github.com/amirimatin/go-broker/pkg/transport"
)

var sess = transport.LocalSession("test")

func leaderQuery() *command.Command {
	return command.NewRequest(command.GetPartitionGroupLeader{Topic: "orders", Group: 3}).WithRequestID(11)
}

func TestDispatch_NilCommand(t *testing.T) {
	d := New(NewRegistry(), Options{})
	require.NotPanics(t, func() {
		require.Nil(t, d.Dispatch(context.Background(), sess, nil))
		require.Nil(t, d.Dispatch(context.Background(), nil, nil))
	})
}

func TestDispatch_UnsupportedType(t *testing.T) {
	d := New(NewRegistry(), Options{})
	cmd := &command.Command{Header: command.Header{Type: 9999, RequestID: 5}, Payload: unknownPayload{}}
	resp := d.Dispatch(context.Background(), sess, cmd)
	require.NotNil(t, resp)
	require.Equal(t, command.Response, resp.Header.Direction)
	require.Equal(t, status.CommandUnsupported, resp.Header.Status)
	require.Equal(t, "command type not supported: 9999", resp.Header.Error)
	require.Equal(t, uint32(5), resp.Header.RequestID)
	require.NoError(t, resp.Validate())
}

type unknownPayload struct{}

func (unknownPayload) Type() command.Type { return 9999 }

func TestDispatch_HandlerResultPassesThrough(t *testing.T) {
	reg := NewRegistry()
	want := command.NewResponse(command.PartitionGroupLeaderAck{Group: command.PartitionGroup{Topic: "orders", Group: 3, Leader: "n1"}}, status.Success, "")
	require.NoError(t, reg.Register(command.TypeGetPartitionGroupLeader, HandlerFunc(
		func(ctx context.Context, s transport.Session, cmd *command.Command) (*command.Command, error) {
			require.Equal(t, sess, s)
			return want, nil
		})))
	d := New(reg, Options{})
	resp := d.Dispatch(context.Background(), sess, leaderQuery())
	require.Equal(t, want.Payload, resp.Payload)
	require.Equal(t, status.Success, resp.Header.Status)
	require.Equal(t, uint32(11), resp.Header.RequestID)
	require.Equal(t, uint32(0), want.Header.RequestID, "handler response must not be mutated")
}

func TestDispatch_HandlerFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler HandlerFunc
		want    string
	}{
		{"error", func(context.Context, transport.Session, *command.Command) (*command.Command, error) {
			return nil, errors.New("quorum lost")
		}, "quorum lost"},
		{"error with response", func(context.Context, transport.Session, *command.Command) (*command.Command, error) {
			return command.NewAckBuilder(nil).Success(), errors.New("late failure")
		}, "late failure"},
		{"panic string", func(context.Context, transport.Session, *command.Command) (*command.Command, error) {
			panic("boom")
		}, "boom"},
		{"panic error", func(context.Context, transport.Session, *command.Command) (*command.Command, error) {
			panic(errors.New("state corrupted"))
		}, "state corrupted"},
		{"blank error", func(context.Context, transport.Session, *command.Command) (*command.Command, error) {
			return nil, errors.New("")
		}, "unknown error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry()
			require.NoError(t, reg.Register(command.TypeGetPartitionGroupLeader, tc.handler))
			d := New(reg, Options{})
			var resp *command.Command
			require.NotPanics(t, func() { resp = d.Dispatch(context.Background(), sess, leaderQuery()) })
			require.NotNil(t, resp)
			require.Equal(t, status.UnknownError, resp.Header.Status)
			require.Equal(t, tc.want, resp.Header.Error)
			require.Equal(t, command.TypeBooleanAck, resp.Header.Type)
		})
	}
}

func TestDispatch_NoResponseOwed(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(command.TypeGetPartitionGroupLeader, HandlerFunc(
		func(context.Context, transport.Session, *command.Command) (*command.Command, error) { return nil, nil })))
	d := New(reg, Options{})
	require.Nil(t, d.Dispatch(context.Background(), sess, leaderQuery()))
}

type typed struct {
	t     command.Type
	calls atomic.Int64
}

func (h *typed) Type() command.Type { return h.t }
func (h *typed) Handle(context.Context, transport.Session, *command.Command) (*command.Command, error) {
	h.calls.Add(1)
	return command.NewAckBuilder(nil).Success(), nil
}

func TestRegistry_RejectsDuplicatesAndLateRegistration(t *testing.T) {
	reg := NewRegistry()
	h := &typed{t: command.TypeGetPartitionGroupLeader}
	require.NoError(t, reg.Add(h))
	require.ErrorIs(t, reg.Add(h), ErrDuplicateHandler)
	require.ErrorIs(t, reg.Register(command.TypeBooleanAck, nil), ErrNilHandler)
	require.Equal(t, 1, reg.Len())

	got, ok := reg.Lookup(command.TypeGetPartitionGroupLeader)
	require.True(t, ok)
	require.Same(t, h, got)

	New(reg, Options{})
	require.ErrorIs(t, reg.Register(command.TypeLeaderChangePartitionGroup, h), ErrRegistrySealed)
}

func TestDispatch_Concurrent(t *testing.T) {
	reg := NewRegistry()
	h := &typed{t: command.TypeGetPartitionGroupLeader}
	require.NoError(t, reg.Add(h))
	d := New(reg, Options{})

	const workers, per = 16, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				id := uint32(w*per + i)
				resp := d.Dispatch(context.Background(), sess, leaderQuery().WithRequestID(id))
				if resp == nil || !resp.Success() || resp.Header.RequestID != id {
					t.Errorf("bad response for %d: %v", id, resp)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, int64(workers*per), h.calls.Load())
}

func TestDispatch_ReplyTakesRequestVersion(t *testing.T) {
	reg := NewRegistry()
	bound := command.NewResponse(command.PartitionGroupLeaderAck{Group: command.PartitionGroup{Topic: "orders", Group: 3}}, status.Success, "").WithVersion(9)
	require.NoError(t, reg.Register(command.TypeGetPartitionGroupLeader, HandlerFunc(
		func(context.Context, transport.Session, *command.Command) (*command.Command, error) {
			return bound, nil
		})))
	d := New(reg, Options{})

	resp := d.Dispatch(context.Background(), sess, leaderQuery().WithVersion(2))
	require.Equal(t, uint8(2), resp.Header.Version)
	resp = d.Dispatch(context.Background(), sess, leaderQuery())
	require.Equal(t, uint8(0), resp.Header.Version)
	require.Equal(t, uint8(9), bound.Header.Version, "handler response must not be mutated")
}
