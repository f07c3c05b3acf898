// Package broker assembles a broker node: the command dispatcher with its
// handlers, the election service, and the transports that carry commands
// between brokers.
package broker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-broker/pkg/announce"
	"github.com/amirimatin/go-broker/pkg/codec"
	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/consensus"
	"github.com/amirimatin/go-broker/pkg/discovery"
	"github.com/amirimatin/go-broker/pkg/dispatch"
	"github.com/amirimatin/go-broker/pkg/election"
	"github.com/amirimatin/go-broker/pkg/handler"
	"github.com/amirimatin/go-broker/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-broker/pkg/observability/metrics"
	"github.com/amirimatin/go-broker/pkg/observability/tracing"
	"github.com/amirimatin/go-broker/pkg/transport"
)

// Broker is one broker node. It implements transport.Dispatcher so the
// configured server hands it every decoded command.
type Broker struct {
	opts Options
	log  *zap.Logger
	disp *dispatch.Dispatcher
	ann  *announce.Broadcaster
	eb   eventBus

	mu  sync.Mutex
	run struct {
		started  bool
		closed   bool
		election bool // election lifecycle started by us
	}
	unlisten func()
	cancel   context.CancelFunc
}

// New builds a Broker from validated options without network activity. The
// handler registry is sealed here.
func New(opts Options) (*Broker, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Acks == nil {
		opts.Acks = command.NewAckBuilder(nil)
	}
	if opts.Factories == nil {
		opts.Factories = codec.DefaultFactories()
	}
	log := logutil.Named(opts.Logger, "broker").With(zap.String("node", opts.NodeID))

	reg := dispatch.NewRegistry()
	if err := reg.Add(handler.NewLeaderChange(opts.Election, opts.Acks, log)); err != nil {
		return nil, err
	}
	if r, ok := opts.Election.(election.LeaderReader); ok {
		if err := reg.Add(handler.NewLeaderQuery(r, opts.Acks)); err != nil {
			return nil, err
		}
	}
	if err := reg.Add(opts.Handlers...); err != nil {
		return nil, fmt.Errorf("broker: register handlers: %w", err)
	}

	b := &Broker{
		opts: opts,
		log:  log,
		disp: dispatch.New(reg, dispatch.Options{Acks: opts.Acks, Logger: log}),
	}
	if opts.Client != nil {
		b.ann = announce.New(opts.Client, opts.AnnounceLimit, log)
	}
	return b, nil
}

// Dispatch implements transport.Dispatcher.
func (b *Broker) Dispatch(ctx context.Context, s transport.Session, cmd *command.Command) *command.Command {
	return b.disp.Dispatch(ctx, s, cmd)
}

// Start launches the election service (when it has a lifecycle), subscribes
// to leader changes, and starts the server.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.run.closed {
		return ErrClosed
	}
	if b.run.started {
		return nil
	}
	obsmetrics.Register()
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	if n, ok := b.opts.Election.(election.Notifier); ok {
		b.unlisten = n.AddListener(b.onLeaderChange)
	}
	if c, ok := b.opts.Election.(consensus.Consensus); ok {
		if err := c.Start(ctx); err != nil {
			b.rollback()
			return fmt.Errorf("broker: start election: %w", err)
		}
		b.run.election = true
		if cn, ok := c.(consensus.ControllerNotifier); ok {
			go b.watchController(ctx, cn.ControllerCh())
		}
	}
	if b.opts.Server != nil {
		if err := b.opts.Server.Start(ctx, b); err != nil {
			b.rollback()
			return fmt.Errorf("broker: start server: %w", err)
		}
		b.log.Info("broker accepting commands", zap.String("addr", b.opts.Server.Addr()))
	}
	b.run.started = true
	return nil
}

// rollback undoes a partial Start in reverse order. b.mu must be held.
func (b *Broker) rollback() {
	if b.run.election {
		if err := b.opts.Election.(consensus.Consensus).Stop(); err != nil {
			b.log.Warn("stop election after failed start", zap.Error(err))
		}
		b.run.election = false
	}
	if b.unlisten != nil {
		b.unlisten()
		b.unlisten = nil
	}
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

func (b *Broker) onLeaderChange(ev election.Event) {
	if b.opts.OnLeaderChange != nil {
		b.opts.OnLeaderChange(ev)
	}
	evCopy := ev
	b.eb.publish(Event{Type: EventLeaderChanged, At: ev.At, Change: &evCopy})
}

func (b *Broker) watchController(ctx context.Context, ch <-chan consensus.ControllerInfo) {
	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case ci := <-ch:
			if ci.ID == last {
				continue
			}
			last = ci.ID
			b.log.Info("controller changed", zap.String("controller", ci.ID), zap.Uint64("term", ci.Term))
			ciCopy := ci
			b.eb.publish(Event{Type: EventControllerChanged, At: time.Now(), Controller: &ciCopy})
		}
	}
}

// Peers returns the discovered peer brokers, excluding this one.
func (b *Broker) Peers() []string {
	if b.opts.Discovery == nil {
		return nil
	}
	return discovery.Without(b.opts.Discovery.Peers(), b.opts.Advertise)
}

// Announce sends a leader change for g to every discovered peer. See
// announce.Broadcaster for the result semantics.
func (b *Broker) Announce(ctx context.Context, g command.PartitionGroup) ([]announce.Result, error) {
	if b.ann == nil {
		return nil, ErrNoClient
	}
	peers := b.Peers()
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	ctx, end := tracing.StartSpan(ctx, "broker.announce")
	defer end()
	return b.ann.Announce(ctx, g, peers)
}

// ChangeLeader applies a leader change through the local dispatcher, the same
// path a peer's announcement takes, and returns the acknowledgement.
func (b *Broker) ChangeLeader(ctx context.Context, g command.PartitionGroup) *command.Command {
	req := command.NewRequest(command.UpdatePartitionGroup{Group: g})
	return b.Dispatch(ctx, transport.LocalSession(b.opts.NodeID), req)
}

// Query asks the broker at addr for the leader of (topic, group).
func (b *Broker) Query(ctx context.Context, addr, topic string, group int32) (command.PartitionGroup, error) {
	if b.opts.Client == nil {
		return command.PartitionGroup{}, ErrNoClient
	}
	resp, err := b.opts.Client.Send(ctx, addr, command.NewRequest(command.GetPartitionGroupLeader{Topic: topic, Group: group}))
	if err != nil {
		return command.PartitionGroup{}, err
	}
	if resp == nil {
		return command.PartitionGroup{}, fmt.Errorf("broker: %s sent no response", addr)
	}
	if !resp.Success() {
		return command.PartitionGroup{}, fmt.Errorf("broker: %s: %s", addr, resp.Header.Error)
	}
	ack, ok := resp.Payload.(command.PartitionGroupLeaderAck)
	if !ok {
		return command.PartitionGroup{}, fmt.Errorf("broker: unexpected response payload %T", resp.Payload)
	}
	return ack.Group, nil
}

// Status synthesizes this broker's view.
func (b *Broker) Status(context.Context) (*Status, error) {
	b.mu.Lock()
	started := b.run.started && !b.run.closed
	b.mu.Unlock()

	s := &Status{NodeID: b.opts.NodeID, Healthy: started, Peers: b.Peers()}
	for _, v := range b.opts.Factories.Versions() {
		s.WireVersions = append(s.WireVersions, int(v))
	}
	if b.opts.Server != nil {
		s.Addr = b.opts.Server.Addr()
	}
	if c, ok := b.opts.Election.(consensus.Consensus); ok {
		s.Term = c.Term()
		s.IsController = c.IsController()
		if id, addr, ok := c.Controller(); ok {
			s.ControllerID, s.ControllerAddr = id, addr
		} else {
			s.Healthy = false
			s.Warnings = append(s.Warnings, "no controller elected")
		}
	}
	if g, ok := b.opts.Election.(interface {
		Groups() []command.PartitionGroup
	}); ok {
		s.Groups = g.Groups()
	}
	if !started {
		s.Warnings = append(s.Warnings, ErrNotStarted.Error())
	}
	return s, nil
}

// Stop shuts down the server, the election service and the client.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.run.closed {
		return nil
	}
	b.run.closed = true
	if b.opts.Server != nil {
		_ = b.opts.Server.Stop(ctx)
	}
	var err error
	if b.run.election {
		err = b.opts.Election.(consensus.Consensus).Stop()
		b.run.election = false
	}
	if b.unlisten != nil {
		b.unlisten()
		b.unlisten = nil
	}
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if cl, ok := b.opts.Client.(io.Closer); ok {
		_ = cl.Close()
	} else if cl, ok := b.opts.Client.(interface{ Close() }); ok {
		cl.Close()
	}
	b.log.Info("broker stopped")
	return err
}

// Close is Stop with a background context.
func (b *Broker) Close() error { return b.Stop(context.Background()) }

var _ transport.Dispatcher = (*Broker)(nil)
