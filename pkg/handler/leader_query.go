package handler

import (
	"context"
	"fmt"

	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/command/status"
	"github.com/amirimatin/go-broker/pkg/dispatch"
	"github.com/amirimatin/go-broker/pkg/election"
	"github.com/amirimatin/go-broker/pkg/transport"
)

// LeaderQuery answers GetPartitionGroupLeader from the local view.
type LeaderQuery struct {
	reader election.LeaderReader
	acks   *command.AckBuilder
}

func NewLeaderQuery(r election.LeaderReader, acks *command.AckBuilder) *LeaderQuery {
	if acks == nil {
		acks = command.NewAckBuilder(nil)
	}
	return &LeaderQuery{reader: r, acks: acks}
}

func (h *LeaderQuery) Type() command.Type { return command.TypeGetPartitionGroupLeader }

func (h *LeaderQuery) Handle(_ context.Context, _ transport.Session, cmd *command.Command) (*command.Command, error) {
	if cmd == nil {
		return nil, nil
	}
	req, ok := cmd.Payload.(command.GetPartitionGroupLeader)
	if !ok {
		return h.acks.Failuref(status.ParamError, fmt.Sprintf("payload %T", cmd.Payload)), nil
	}
	g, found := h.reader.Leader(req.Topic, req.Group)
	if !found {
		return h.acks.Failuref(status.PartitionGroupNotFound, req.Topic, req.Group), nil
	}
	return command.NewResponse(command.PartitionGroupLeaderAck{Group: g}, status.Success, ""), nil
}

var _ dispatch.TypedHandler = (*LeaderQuery)(nil)
