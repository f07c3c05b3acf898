package grpc

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/stats"

	"github.com/amirimatin/go-broker/pkg/transport"
)

// session is one client connection. Every RPC on the same connection shares
// its ID.
type session struct {
	id     string
	remote string
}

func (s session) ID() string         { return s.id }
func (s session) RemoteAddr() string { return s.remote }

type sessionKey struct{}

// sessionFrom returns the session tagged on ctx's connection, falling back to
// a fresh one built from the peer address.
func sessionFrom(ctx context.Context) transport.Session {
	if s, ok := ctx.Value(sessionKey{}).(session); ok {
		return s
	}
	s := session{id: uuid.NewString()}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		s.remote = p.Addr.String()
	}
	return s
}

// sessionTagger assigns a session to each incoming connection.
type sessionTagger struct {
	log *zap.Logger
}

func (t sessionTagger) TagConn(ctx context.Context, info *stats.ConnTagInfo) context.Context {
	s := session{id: uuid.NewString()}
	if info != nil && info.RemoteAddr != nil {
		s.remote = info.RemoteAddr.String()
	}
	return context.WithValue(ctx, sessionKey{}, s)
}

func (t sessionTagger) HandleConn(ctx context.Context, st stats.ConnStats) {
	s, _ := ctx.Value(sessionKey{}).(session)
	switch st.(type) {
	case *stats.ConnBegin:
		t.log.Debug("session opened", zap.String("session", s.id), zap.String("remote", s.remote))
	case *stats.ConnEnd:
		t.log.Debug("session closed", zap.String("session", s.id), zap.String("remote", s.remote))
	}
}

func (sessionTagger) TagRPC(ctx context.Context, _ *stats.RPCTagInfo) context.Context { return ctx }
func (sessionTagger) HandleRPC(context.Context, stats.RPCStats)                       {}

var _ stats.Handler = sessionTagger{}
