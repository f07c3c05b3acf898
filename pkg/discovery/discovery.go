// Package discovery supplies the broker addresses that leader changes are
// announced to.
package discovery

import (
	"sort"
	"strings"
)

// Discovery returns the current peer broker addresses (host:port).
type Discovery interface {
	Peers() []string
}

// Normalize trims, drops blanks and duplicates, and sorts addrs. Entries may
// themselves be comma-separated lists.
func Normalize(addrs ...string) []string {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		for _, p := range strings.Split(a, ",") {
			if p = strings.TrimSpace(p); p != "" {
				set[p] = struct{}{}
			}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Without returns peers minus self, so a broker does not announce to itself.
func Without(peers []string, self string) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if p != self {
			out = append(out, p)
		}
	}
	return out
}
