package file

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/amirimatin/go-broker/pkg/discovery"
)

// Options configures file/env based discovery.
type Options struct {
	// Path to a file (or glob) with one peer per line or comma-separated
	// lists. Lines starting with '#' are comments.
	Path string
	// Env names a variable that overrides the file when set.
	Env string
	// Refresh controls cache staleness; defaults to 5s.
	Refresh time.Duration
}

type impl struct {
	opts  Options
	mu    sync.Mutex
	last  time.Time
	mtime time.Time
	cache []string
}

func New(opts Options) discovery.Discovery {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	return &impl{opts: opts}
}

func (i *impl) Peers() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.opts.Env != "" {
		if v := strings.TrimSpace(os.Getenv(i.opts.Env)); v != "" {
			return discovery.Normalize(v)
		}
	}
	if i.opts.Path == "" {
		return nil
	}
	now := time.Now()
	if st, err := os.Stat(i.opts.Path); err == nil {
		if st.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
			i.cache = discovery.Normalize(readLines(i.opts.Path)...)
			i.last, i.mtime = now, st.ModTime()
		}
		return append([]string(nil), i.cache...)
	}
	if matches, _ := filepath.Glob(i.opts.Path); len(matches) > 0 {
		var all []string
		for _, m := range matches {
			all = append(all, readLines(m)...)
		}
		i.cache = discovery.Normalize(all...)
		i.last = now
	}
	return append([]string(nil), i.cache...)
}

// readLines returns the non-comment lines of path, or nil on any error.
func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var lines []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if s.Err() != nil {
		return nil
	}
	return lines
}
