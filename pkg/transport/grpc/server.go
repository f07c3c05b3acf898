package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/amirimatin/go-broker/pkg/codec"
	"github.com/amirimatin/go-broker/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-broker/pkg/observability/metrics"
	"github.com/amirimatin/go-broker/pkg/observability/tracing"
	"github.com/amirimatin/go-broker/pkg/transport"
)

const (
	serviceName    = "cluster.v1.Broker"
	dispatchMethod = "/" + serviceName + "/Dispatch"
)

var ErrServerStarted = errors.New("grpc: server already started")

// Server implements transport.Server over gRPC. Each Dispatch RPC carries one
// encoded command; the response frame is encoded with the same protocol
// version as the request. An empty response frame means no response.
type Server struct {
	bind      string
	tlsCfg    *tls.Config
	factories *codec.Factories
	log       *zap.Logger

	mu     sync.Mutex
	lis    net.Listener
	srv    *grpc.Server
	health *health.Server
}

// NewServer returns a server for bind. A nil factories set selects the
// built-in codecs.
func NewServer(bind string, factories *codec.Factories, logger *zap.Logger) *Server {
	if factories == nil {
		factories = codec.DefaultFactories()
	}
	return &Server{bind: bind, factories: factories, log: logutil.Named(logger, "grpc")}
}

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server {
	s.tlsCfg = cfg
	return s
}

type brokerServer interface {
	Dispatch(ctx context.Context, in *frame) (*frame, error)
}

type brokerImpl struct {
	factories *codec.Factories
	d         transport.Dispatcher
	log       *zap.Logger
}

func (b *brokerImpl) Dispatch(ctx context.Context, in *frame) (*frame, error) {
	sess := sessionFrom(ctx)
	f, err := b.factories.ForFrame(*in)
	if err != nil {
		return nil, b.codecFailure(sess, *in, "decode", err)
	}
	c := f.Codec()
	cmd, err := c.Decode(*in)
	if err != nil {
		return nil, b.codecFailure(sess, *in, "decode", err)
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.dispatch",
		attribute.String("session.id", sess.ID()),
		attribute.Int("codec.version", int(c.Version())))
	defer end()

	resp := b.d.Dispatch(ctx, sess, cmd)
	if resp == nil {
		return &frame{}, nil
	}
	out, err := c.Encode(resp.WithVersion(c.Version()))
	if err != nil {
		obsmetrics.CodecErrors.WithLabelValues(strconv.Itoa(int(c.Version())), "encode").Inc()
		b.log.Error("encode response failed", zap.String("session", sess.ID()), zap.Stringer("command", resp), zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
	fr := frame(out)
	return &fr, nil
}

func (b *brokerImpl) codecFailure(sess transport.Session, in []byte, op string, err error) error {
	v, perr := codec.PeekVersion(in)
	label := "unknown"
	if perr == nil {
		label = strconv.Itoa(int(v))
	}
	obsmetrics.CodecErrors.WithLabelValues(label, op).Inc()
	b.log.Warn("rejected frame", zap.String("session", sess.ID()), zap.String("remote", sess.RemoteAddr()),
		zap.Int("bytes", len(in)), zap.Error(err))
	return status.Error(codes.InvalidArgument, err.Error())
}

// hand-written service descriptor, no codegen required
var _Broker_serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*brokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dispatch", Handler: _Broker_Dispatch_Handler},
	},
}

func _Broker_Dispatch_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(brokerServer).Dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: dispatchMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(brokerServer).Dispatch(ctx, req.(*frame))
	}
	return interceptor(ctx, in, info, handler)
}

// Start listens on the bind address and serves until ctx is done or Stop is
// called.
func (s *Server) Start(ctx context.Context, d transport.Dispatcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return ErrServerStarted
	}
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	opts := []grpc.ServerOption{
		grpc.StatsHandler(sessionTagger{log: s.log}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	}
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	srv.RegisterService(&_Broker_serviceDesc, &brokerImpl{factories: s.factories, d: d, log: s.log})
	s.lis, s.srv, s.health = lis, srv, hs

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("grpc serve stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(sctx)
	}()
	s.log.Info("grpc server listening", zap.String("addr", lis.Addr().String()), zap.Bool("tls", s.tlsCfg != nil))
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

// Stop drains in-flight RPCs, forcing a stop when ctx ends first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, hs := s.srv, s.health
	s.srv, s.health, s.lis = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	hs.Shutdown()
	ch := make(chan struct{})
	go func() { srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		srv.Stop()
	}
	return nil
}

var _ transport.Server = (*Server)(nil)
