package handler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/command/status"
	"github.com/amirimatin/go-broker/pkg/dispatch"
	"github.com/amirimatin/go-broker/pkg/election"
	"github.com/amirimatin/go-broker/pkg/internal/logutil"
	"github.com/amirimatin/go-broker/pkg/observability/tracing"
	"github.com/amirimatin/go-broker/pkg/transport"
)

// LeaderChange forwards partition group leader announcements to the election
// service. It holds no state of its own and never retries: a failure goes
// back to the announcing node as a failed acknowledgement.
type LeaderChange struct {
	election election.Service
	acks     *command.AckBuilder
	log      *zap.Logger
}

func NewLeaderChange(svc election.Service, acks *command.AckBuilder, logger *zap.Logger) *LeaderChange {
	if acks == nil {
		acks = command.NewAckBuilder(nil)
	}
	return &LeaderChange{election: svc, acks: acks, log: logutil.Named(logger, "leader-change")}
}

func (h *LeaderChange) Type() command.Type { return command.TypeLeaderChangePartitionGroup }

func (h *LeaderChange) Handle(ctx context.Context, s transport.Session, cmd *command.Command) (*command.Command, error) {
	if cmd == nil {
		h.log.Error("leader change request command is nil")
		return nil, nil
	}
	req, ok := cmd.Payload.(command.UpdatePartitionGroup)
	if !ok {
		return h.acks.Failuref(status.ParamError, fmt.Sprintf("payload %T", cmd.Payload)), nil
	}
	g := req.Group
	ctx, end := tracing.StartSpan(ctx, "election.onLeaderChange")
	defer end()
	if err := h.election.OnLeaderChange(ctx, g.Topic, g.Group, g.Leader); err != nil {
		h.log.Error("leader change request failed",
			zap.String("topic", g.Topic), zap.Int32("group", g.Group), zap.String("leader", g.Leader),
			zap.Stringer("command", cmd), zap.Error(err))
		return h.acks.Failure(status.UnknownError, err.Error()), nil
	}
	return h.acks.Success(), nil
}

var _ dispatch.TypedHandler = (*LeaderChange)(nil)
