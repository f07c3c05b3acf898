// Package httpjson exposes a small management surface over HTTP: node status,
// leader lookups, liveness and prometheus metrics. Broker-to-broker commands
// never travel here; they use the framed gRPC transport.
package httpjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/internal/logutil"
	"github.com/amirimatin/go-broker/pkg/observability/tracing"
)

// StatusFunc returns a JSON-encodable view of the node.
type StatusFunc func(ctx context.Context) (any, error)

// LeaderFunc looks up the leader of one partition group.
type LeaderFunc func(topic string, group int32) (command.PartitionGroup, bool)

// Handlers back the management endpoints. A nil func answers 501.
type Handlers struct {
	Status StatusFunc
	Leader LeaderFunc
}

var ErrServerStarted = errors.New("httpjson: server already started")

// Server serves the management endpoints.
type Server struct {
	bind   string
	log    *zap.Logger
	tlsCfg *tls.Config

	mu  sync.Mutex
	srv *http.Server
	lis net.Listener
}

// NewServer binds to the given TCP address (e.g. ":9541").
func NewServer(bind string, logger *zap.Logger) *Server {
	return &Server{bind: bind, log: logutil.Named(logger, "mgmt")}
}

// UseTLS serves HTTPS with cfg.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

func (s *Server) mux(h Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		if h.Status == nil {
			http.Error(w, "status not supported", http.StatusNotImplemented)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.status")
		defer end()
		st, err := h.Status(ctx)
		if err != nil {
			http.Error(w, "status error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})
	mux.HandleFunc("GET /leaders/{topic}/{group}", func(w http.ResponseWriter, r *http.Request) {
		if h.Leader == nil {
			http.Error(w, "leader lookup not supported", http.StatusNotImplemented)
			return
		}
		group, err := strconv.ParseInt(r.PathValue("group"), 10, 32)
		if err != nil {
			http.Error(w, "bad group: "+err.Error(), http.StatusBadRequest)
			return
		}
		g, ok := h.Leader(r.PathValue("topic"), int32(group))
		if !ok {
			http.Error(w, "partition group not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, g)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Start listens and serves h until ctx is canceled or Stop is called.
func (s *Server) Start(ctx context.Context, h Handlers) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return ErrServerStarted
	}
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	srv := &http.Server{Handler: s.mux(h), ReadHeaderTimeout: 5 * time.Second}
	s.srv, s.lis = srv, ln

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("server error", zap.Error(err))
		}
	}()
	s.log.Info("management endpoint listening", zap.String("addr", ln.Addr().String()))
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

// Stop attempts a graceful shutdown bounded by two seconds.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return srv.Shutdown(c)
}
