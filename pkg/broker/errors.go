package broker

import "errors"

var (
	ErrNotStarted = errors.New("broker: not started")
	ErrClosed     = errors.New("broker: closed")
	ErrNoClient   = errors.New("broker: no transport client configured")
	ErrNoPeers    = errors.New("broker: no peers discovered")
)
