package command

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-broker/pkg/command/status"
)

func TestAckBuilder_SuccessHasNoError(t *testing.T) {
	b := NewAckBuilder(nil)
	for _, msg := range []string{"", "ignored", "  "} {
		c := b.Build(status.Success, msg)
		require.Equal(t, Response, c.Header.Direction)
		require.Equal(t, TypeBooleanAck, c.Header.Type)
		require.Equal(t, status.Success, c.Header.Status)
		require.Empty(t, c.Header.Error)
		require.NoError(t, c.Validate())
	}
	require.True(t, b.Success().Success())
}

func TestAckBuilder_FailureFallsBackToCanonical(t *testing.T) {
	table := status.DefaultTable()
	b := NewAckBuilder(table)
	codes := []status.Code{
		status.UnknownError, status.CommandUnsupported, status.ParamError, status.NotLeader,
		status.PartitionGroupNotFound, status.ServiceUnavailable, status.CodecError,
	}
	for _, code := range codes {
		for _, blank := range []string{"", "   ", "\t"} {
			c := b.Failure(code, blank)
			require.Equal(t, code, c.Header.Status)
			require.Equal(t, table.Message(code), c.Header.Error)
			require.NoError(t, c.Validate())
		}
		c := b.Failure(code, "custom")
		require.Equal(t, "custom", c.Header.Error)
		require.False(t, c.Success())
	}
}

func TestAckBuilder_Failuref(t *testing.T) {
	b := NewAckBuilder(nil)
	c := b.Failuref(status.PartitionGroupNotFound, "orders", int32(3))
	require.Equal(t, "partition group not found: orders/3", c.Header.Error)
}

func TestCommand_Validate(t *testing.T) {
	req := NewRequest(UpdatePartitionGroup{Group: PartitionGroup{Topic: "orders", Group: 3, Leader: "node-7"}})
	require.NoError(t, req.Validate())

	bad := *req
	bad.Header.Type = TypeBooleanAck
	require.ErrorIs(t, bad.Validate(), ErrTypeMismatch)

	bad = *req
	bad.Header.Status = status.UnknownError
	require.ErrorIs(t, bad.Validate(), ErrStatusOnRequest)

	resp := &Command{Header: Header{Direction: Response, Type: TypeBooleanAck, Error: "x"}, Payload: BooleanAck{}}
	require.ErrorIs(t, resp.Validate(), ErrErrorWithoutFail)

	resp = &Command{Header: Header{Direction: Response, Type: TypeBooleanAck, Status: status.UnknownError}, Payload: BooleanAck{}}
	require.ErrorIs(t, resp.Validate(), ErrFailWithoutError)

	require.ErrorIs(t, (&Command{}).Validate(), ErrNilPayload)
}

func TestCommand_WithHelpersCopy(t *testing.T) {
	orig := NewRequest(GetPartitionGroupLeader{Topic: "orders", Group: 1})
	cp := orig.WithRequestID(42).WithVersion(2)
	require.Equal(t, uint32(0), orig.Header.RequestID)
	require.Equal(t, uint8(0), orig.Header.Version)
	require.Equal(t, uint32(42), cp.Header.RequestID)
	require.Equal(t, uint8(2), cp.Header.Version)
}

func TestNewResponse_BlankFailureUsesCanonicalMessage(t *testing.T) {
	for _, blank := range []string{"", "  "} {
		c := NewResponse(BooleanAck{}, status.UnknownError, blank)
		require.Equal(t, "unknown error", c.Header.Error)
		require.NoError(t, c.Validate())
	}
	c := NewResponse(PartitionGroupLeaderAck{}, status.PartitionGroupNotFound, "")
	require.Equal(t, "partition group not found", c.Header.Error)
	require.NoError(t, c.Validate())

	require.Empty(t, NewResponse(BooleanAck{}, status.Success, "ignored").Header.Error)
}

func TestConstructors_NormalizeEmptyReplicas(t *testing.T) {
	g := PartitionGroup{Topic: "orders", Group: 3, Leader: "node-7", Replicas: []string{}}
	req := NewRequest(UpdatePartitionGroup{Group: g})
	require.Nil(t, req.Payload.(UpdatePartitionGroup).Group.Replicas)

	resp := NewResponse(PartitionGroupLeaderAck{Group: g}, status.Success, "")
	require.Nil(t, resp.Payload.(PartitionGroupLeaderAck).Group.Replicas)

	g.Replicas = []string{"node-7"}
	req = NewRequest(UpdatePartitionGroup{Group: g})
	require.Equal(t, []string{"node-7"}, req.Payload.(UpdatePartitionGroup).Group.Replicas)
}
