package raftelect

import (
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-broker/pkg/state/leaders"
)

// Options configure the raft-replicated election service.
type Options struct {
	NodeID string
	Logger *zap.Logger

	// Table receives applied leader changes. New creates one when nil.
	Table *leaders.Table

	// Bootstrap forms a single-voter controller quorum on Start when true.
	Bootstrap bool

	// Timeouts (optional). Zero means raft defaults.
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	CommitTimeout    time.Duration
	ApplyTimeout     time.Duration // used when the caller's context has no deadline

	// BindAddr selects a TCP transport on this address (e.g. "127.0.0.1:0").
	// Otherwise an in-memory transport is used.
	BindAddr string

	// DataDir selects a bolt log/stable store and file snapshots when set.
	DataDir string

	// SnapshotsRetained controls how many snapshots are kept on disk.
	SnapshotsRetained int

	// RaftLogLevel is passed through to raft's own logger ("WARN" if empty).
	RaftLogLevel string
}

const defaultApplyTimeout = 5 * time.Second
