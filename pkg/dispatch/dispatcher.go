package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/command/status"
	"github.com/amirimatin/go-broker/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-broker/pkg/observability/metrics"
	"github.com/amirimatin/go-broker/pkg/observability/tracing"
	"github.com/amirimatin/go-broker/pkg/transport"
)

// Dispatcher routes inbound commands to their handlers and normalises every
// outcome into a response. It never returns an error nor lets a handler panic
// escape; the only non-response outcome is nil for a nil command or a
// handler that owes no reply.
type Dispatcher struct {
	reg  *Registry
	acks *command.AckBuilder
	log  *zap.Logger
}

// Options configure a Dispatcher.
type Options struct {
	// Acks builds failure responses; nil selects the default status table.
	Acks   *command.AckBuilder
	Logger *zap.Logger
}

// New seals reg and returns a Dispatcher over it.
func New(reg *Registry, opts Options) *Dispatcher {
	reg.seal()
	if opts.Acks == nil {
		opts.Acks = command.NewAckBuilder(nil)
	}
	return &Dispatcher{reg: reg, acks: opts.Acks, log: logutil.Named(opts.Logger, "dispatch")}
}

// Dispatch executes cmd. The response carries cmd's request ID.
func (d *Dispatcher) Dispatch(ctx context.Context, s transport.Session, cmd *command.Command) *command.Command {
	if cmd == nil {
		obsmetrics.MissingCommands.Inc()
		d.log.Error("dispatch called without a command", sessionFields(s)...)
		return nil
	}
	typ := strconv.Itoa(int(cmd.Header.Type))
	ctx, end := tracing.StartSpan(ctx, "dispatch",
		attribute.Int("command.type", int(cmd.Header.Type)),
		attribute.Int64("command.request_id", int64(cmd.Header.RequestID)))
	defer end()

	h, ok := d.reg.Lookup(cmd.Header.Type)
	if !ok {
		d.log.Warn("no handler for command type", append(sessionFields(s), zap.Int32("type", int32(cmd.Header.Type)))...)
		return d.reply(cmd, typ, d.acks.Failuref(status.CommandUnsupported, cmd.Header.Type))
	}

	start := time.Now()
	resp, err := d.invoke(ctx, h, s, cmd)
	obsmetrics.DispatchDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	if err != nil {
		obsmetrics.HandlerFailures.WithLabelValues(typ).Inc()
		d.log.Error("command handler failed", append(sessionFields(s),
			zap.Int32("type", int32(cmd.Header.Type)),
			zap.Stringer("command", cmd),
			zap.Error(err))...)
		return d.reply(cmd, typ, d.acks.Failure(status.UnknownError, err.Error()))
	}
	if resp == nil {
		return nil
	}
	return d.reply(cmd, typ, resp)
}

// invoke runs h, turning a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, s transport.Session, cmd *command.Command) (resp *command.Command, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("command handler panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			resp, err = nil, fmt.Errorf("%v", r)
		}
	}()
	return h.Handle(ctx, s, cmd)
}

func (d *Dispatcher) reply(req *command.Command, typ string, resp *command.Command) *command.Command {
	if resp.Header.RequestID != req.Header.RequestID {
		resp = resp.WithRequestID(req.Header.RequestID)
	}
	// a reply speaks the version its request arrived with
	if resp.Header.Version != req.Header.Version {
		resp = resp.WithVersion(req.Header.Version)
	}
	obsmetrics.DispatchTotal.WithLabelValues(typ, strconv.Itoa(int(resp.Header.Status))).Inc()
	return resp
}

func sessionFields(s transport.Session) []zap.Field {
	if s == nil {
		return nil
	}
	return []zap.Field{zap.String("session", s.ID()), zap.String("remote", s.RemoteAddr())}
}

var _ transport.Dispatcher = (*Dispatcher)(nil)
