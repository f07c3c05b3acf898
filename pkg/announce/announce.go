// Package announce fans a partition group leader change out to peer brokers.
package announce

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/command/status"
	"github.com/amirimatin/go-broker/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-broker/pkg/observability/metrics"
	"github.com/amirimatin/go-broker/pkg/transport"
)

var (
	ErrRejected   = errors.New("announce: peer rejected leader change")
	ErrNoAck      = errors.New("announce: peer sent no acknowledgement")
	ErrIncomplete = errors.New("announce: not every peer acknowledged")
)

// Result is the outcome for one peer. Status is the acknowledgement's status,
// or ServiceUnavailable when the peer could not be reached.
type Result struct {
	Peer   string
	Status status.Code
	Error  error
}

func (r Result) OK() bool { return r.Error == nil }

// Broadcaster sends leader change announcements.
type Broadcaster struct {
	client transport.Client
	limit  int
	log    *zap.Logger
}

// New returns a broadcaster sending through client with at most limit
// requests in flight (unbounded when limit <= 0).
func New(client transport.Client, limit int, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{client: client, limit: limit, log: logutil.Named(logger, "announce")}
}

// Announce sends g to every peer concurrently and returns one result per peer
// in peer order. Peers that fail do not stop the others; the error is
// ErrIncomplete when at least one did not acknowledge. Retrying is left to
// the caller.
func (b *Broadcaster) Announce(ctx context.Context, g command.PartitionGroup, peers []string) ([]Result, error) {
	results := make([]Result, len(peers))
	eg, ctx := errgroup.WithContext(ctx)
	if b.limit > 0 {
		eg.SetLimit(b.limit)
	}
	req := command.NewRequest(command.UpdatePartitionGroup{Group: g})
	for i, peer := range peers {
		eg.Go(func() error {
			results[i] = b.send(ctx, peer, req)
			return nil
		})
	}
	_ = eg.Wait()

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	if failed > 0 {
		return results, fmt.Errorf("%w: %d of %d failed", ErrIncomplete, failed, len(peers))
	}
	return results, nil
}

func (b *Broadcaster) send(ctx context.Context, peer string, req *command.Command) Result {
	res := Result{Peer: peer}
	resp, err := b.client.Send(ctx, peer, req)
	switch {
	case err != nil:
		res.Status, res.Error = status.ServiceUnavailable, err
		obsmetrics.AnnounceTotal.WithLabelValues("error").Inc()
	case resp == nil:
		res.Status, res.Error = status.ServiceUnavailable, ErrNoAck
		obsmetrics.AnnounceTotal.WithLabelValues("error").Inc()
	case !resp.Success():
		res.Status = resp.Header.Status
		res.Error = fmt.Errorf("%w: %s", ErrRejected, resp.Header.Error)
		obsmetrics.AnnounceTotal.WithLabelValues("rejected").Inc()
	default:
		res.Status = status.Success
		obsmetrics.AnnounceTotal.WithLabelValues("success").Inc()
	}
	if res.Error != nil {
		b.log.Warn("leader change announcement failed", zap.String("peer", peer),
			zap.Stringer("command", req), zap.Error(res.Error))
	}
	return res
}
