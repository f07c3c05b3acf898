package dns

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-broker/pkg/discovery"
	"github.com/amirimatin/go-broker/pkg/internal/logutil"
)

// DefaultPort is the broker port assumed for A/AAAA answers.
const DefaultPort = 9540

// Options configures DNS-based discovery.
type Options struct {
	// Names are SRV records ("_broker._tcp.example.com"), hostnames, or
	// literal host:port entries.
	Names []string

	// Port used for A/AAAA answers, which carry no port.
	Port int

	// Refresh controls cache staleness; defaults to 5s.
	Refresh time.Duration

	// Timeout bounds one resolution round; defaults to 2s.
	Timeout time.Duration

	Resolver *net.Resolver
	Logger   *zap.Logger
}

type impl struct {
	opts  Options
	log   *zap.Logger
	mu    sync.Mutex
	last  time.Time
	cache []string
}

// New returns a DNS-backed discovery that caches answers for Refresh.
func New(opts Options) discovery.Discovery {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	return &impl{opts: opts, log: logutil.Named(opts.Logger, "discovery.dns")}
}

func (d *impl) Peers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.last) < d.opts.Refresh && len(d.cache) > 0 {
		return append([]string(nil), d.cache...)
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()
	d.cache = d.resolveAll(ctx)
	d.last = time.Now()
	return append([]string(nil), d.cache...)
}

func (d *impl) resolveAll(ctx context.Context) []string {
	var found []string
	for _, name := range d.opts.Names {
		name = strings.TrimSpace(name)
		switch {
		case name == "":
		case isSRV(name):
			found = append(found, d.lookupSRV(ctx, name)...)
		case strings.Contains(name, ":"):
			found = append(found, name)
		default:
			found = append(found, d.lookupHost(ctx, name)...)
		}
	}
	return discovery.Normalize(found...)
}

func isSRV(name string) bool { return strings.HasPrefix(name, "_") && strings.Contains(name, "._") }

func (d *impl) lookupSRV(ctx context.Context, fqdn string) []string {
	svc, proto, domain := parseSRVName(fqdn)
	if svc == "" || proto == "" || domain == "" {
		return nil
	}
	_, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
	if err != nil {
		d.log.Warn("srv lookup failed", zap.String("name", fqdn), zap.Error(err))
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
	}
	return out
}

func (d *impl) lookupHost(ctx context.Context, host string) []string {
	ips, err := d.opts.Resolver.LookupHost(ctx, host)
	if err != nil {
		d.log.Warn("host lookup failed", zap.String("name", host), zap.Error(err))
		return nil
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port)))
	}
	return out
}

// parseSRVName splits "_service._proto.name".
func parseSRVName(fqdn string) (service, proto, name string) {
	parts := strings.SplitN(fqdn, ".", 3)
	if len(parts) < 3 {
		return "", "", ""
	}
	return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}
