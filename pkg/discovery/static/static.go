package static

import "github.com/amirimatin/go-broker/pkg/discovery"

type staticPeers struct {
	peers []string
}

func (s *staticPeers) Peers() []string { return append([]string(nil), s.peers...) }

// New returns a Discovery that always returns the given peers.
func New(peers ...string) discovery.Discovery {
	return &staticPeers{peers: discovery.Normalize(peers...)}
}

// Parse converts a comma-separated list into peer addresses.
func Parse(csv string) []string { return discovery.Normalize(csv) }
