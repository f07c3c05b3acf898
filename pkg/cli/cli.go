// Package cli provides cobra commands to run a broker node and to talk to
// running ones. Services embedding the broker can attach them to their own
// root command.
package cli

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/amirimatin/go-broker/pkg/announce"
	"github.com/amirimatin/go-broker/pkg/bootstrap"
	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/discovery"
	"github.com/amirimatin/go-broker/pkg/internal/logutil"
	"github.com/amirimatin/go-broker/pkg/observability/tracing"
	tlsx "github.com/amirimatin/go-broker/pkg/security/tlsconfig"
	tgrpc "github.com/amirimatin/go-broker/pkg/transport/grpc"
	"github.com/amirimatin/go-broker/pkg/transport/httpjson"
)

// AddAll attaches the broker subcommands to root.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd(), NewStatusCmd(), NewLeaderCmd(), NewAnnounceCmd())
}

// NewBrokerCommand returns a parent command "broker" holding every subcommand.
func NewBrokerCommand() *cobra.Command {
	parent := &cobra.Command{Use: "broker", Short: "broker node commands"}
	AddAll(parent)
	return parent
}

// NewRunCmd returns the "run" command used to start a broker node. Flags
// override BROKER_* environment variables, which override --config.
func NewRunCmd() *cobra.Command {
	var (
		configPath  string
		traceEnable bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a broker node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := bootstrap.LoadFlags(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			log := logutil.New(logutil.Options{Format: cfg.LogFormat, Level: cfg.LogLevel, NodeID: cfg.NodeID})
			cfg.Logger = log
			shutdown, err := tracing.Setup(traceEnable)
			if err != nil {
				return fmt.Errorf("tracing setup: %w", err)
			}
			defer func() { _ = shutdown(context.Background()) }()

			n, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer n.Close()

			fmt.Fprintln(cmd.OutOrStdout(), "broker running. Press Ctrl+C to exit.")
			<-ctx.Done()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "config file (yaml, json or toml)")
	f.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	f.String("id", "", "node id (required)")
	f.String("advertise", "", "address peers dial (defaults to --grpc-addr)")
	f.String("grpc-addr", ":9540", "broker command transport bind addr")
	f.String("mgmt-addr", ":9541", "management HTTP bind addr (status, metrics); empty disables")
	f.Uint8("wire-version", 0, "outbound protocol version (0 = highest)")
	f.String("election", bootstrap.ElectionLocal, "election backend: local|raft")
	f.String("raft-addr", "", "raft bind addr (tcp); empty uses an in-memory transport")
	f.String("data", "", "raft data dir; empty keeps state in memory")
	f.Bool("bootstrap", false, "bootstrap a single-voter raft controller (development)")
	f.String("discovery", bootstrap.DiscoveryStatic, "discovery backend: static|dns|file")
	f.String("peers", "", "comma-separated peer brokers (host:port), for discovery=static")
	f.String("dns-names", "", "comma-separated DNS names or SRV records (e.g. _broker._tcp.example.com)")
	f.Int("dns-port", 9540, "port used for A/AAAA answers")
	f.String("file-path", "", "path or glob to a file listing peers (one per line or CSV)")
	f.String("file-env", "", "env var holding CSV peers; overrides the file when set")
	f.Duration("disc-refresh", 5*time.Second, "discovery cache duration")
	f.Int("announce-limit", 0, "max concurrent announcement requests (0 = unbounded)")
	f.Duration("timeout", 3*time.Second, "peer request timeout")
	f.String("log-format", "", "log format: json|console")
	f.String("log-level", "info", "log level: debug|info|warn|error")
	addTLSFlags(f, &tlsFlags{})
	return cmd
}

// tlsFlags holds the client side TLS flags shared by the query commands.
type tlsFlags struct {
	enable, skip           bool
	ca, cert, key, srvName string
}

func addTLSFlags(f *pflag.FlagSet, t *tlsFlags) {
	f.BoolVar(&t.enable, "tls-enable", false, "enable mTLS")
	f.StringVar(&t.ca, "tls-ca", "", "path to CA cert (PEM)")
	f.StringVar(&t.cert, "tls-cert", "", "path to certificate (PEM)")
	f.StringVar(&t.key, "tls-key", "", "path to private key (PEM)")
	f.BoolVar(&t.skip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	f.StringVar(&t.srvName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (t *tlsFlags) client() (*tls.Config, error) {
	if !t.enable {
		return nil, nil
	}
	cfg, err := tlsx.Options{Enable: true, CAFile: t.ca, CertFile: t.cert, KeyFile: t.key, InsecureSkipVerify: t.skip, ServerName: t.srvName}.Client()
	if err != nil {
		return nil, fmt.Errorf("tls client config: %w", err)
	}
	return cfg, nil
}

// grpcFlags configure the commands that speak the broker protocol directly.
type grpcFlags struct {
	tls     tlsFlags
	timeout time.Duration
	version uint8
}

func (g *grpcFlags) register(f *pflag.FlagSet) {
	f.DurationVar(&g.timeout, "timeout", 3*time.Second, "request timeout")
	f.Uint8Var(&g.version, "wire-version", 0, "protocol version (0 = highest)")
	addTLSFlags(f, &g.tls)
}

func (g *grpcFlags) client() (*tgrpc.Client, error) {
	c := tgrpc.NewClient(g.timeout, nil)
	if g.version != 0 {
		if err := c.UseVersion(g.version); err != nil {
			return nil, err
		}
	}
	cfg, err := g.tls.client()
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		c.UseTLS(cfg)
	}
	return c, nil
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		tf      tlsFlags
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch broker status as JSON from the management endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			client := httpjson.NewClient(timeout)
			cfg, err := tf.client()
			if err != nil {
				return err
			}
			if cfg != nil {
				client.UseTLS(cfg)
			}
			data, err := client.GetStatus(ctx, addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			out := cmd.OutOrStdout()
			_, _ = out.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				_, _ = io.WriteString(out, "\n")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9541", "management address of a broker (host:port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	addTLSFlags(cmd.Flags(), &tf)
	return cmd
}

// NewLeaderCmd returns the "leader TOPIC GROUP" command, which asks a broker
// for a partition group leader over the broker protocol.
func NewLeaderCmd() *cobra.Command {
	var (
		addr string
		gf   grpcFlags
	)
	cmd := &cobra.Command{
		Use:   "leader TOPIC GROUP",
		Short: "Query the leader of a partition group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := parseGroup(args[1])
			if err != nil {
				return err
			}
			c, err := gf.client()
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), gf.timeout)
			defer cancel()
			resp, err := c.Send(ctx, addr, command.NewRequest(command.GetPartitionGroupLeader{Topic: args[0], Group: group}))
			if err != nil {
				return fmt.Errorf("leader query: %w", err)
			}
			if resp == nil {
				return fmt.Errorf("leader query: %s sent no response", addr)
			}
			if !resp.Success() {
				return fmt.Errorf("leader query: %s (status %d)", resp.Header.Error, resp.Header.Status)
			}
			return printJSON(cmd.OutOrStdout(), resp.Payload)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9540", "broker address (host:port)")
	gf.register(cmd.Flags())
	return cmd
}

// NewAnnounceCmd returns the "announce TOPIC GROUP LEADER" command, which
// sends a leader change to every listed peer once and prints one result per
// peer.
func NewAnnounceCmd() *cobra.Command {
	var (
		peers    string
		replicas string
		term     int32
		limit    int
		gf       grpcFlags
	)
	cmd := &cobra.Command{
		Use:   "announce TOPIC GROUP LEADER",
		Short: "Announce a partition group leader change to peers",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := parseGroup(args[1])
			if err != nil {
				return err
			}
			targets := discovery.Normalize(peers)
			if len(targets) == 0 {
				return fmt.Errorf("missing --peers")
			}
			c, err := gf.client()
			if err != nil {
				return err
			}
			defer c.Close()
			g := command.PartitionGroup{Topic: args[0], Group: group, Leader: args[2], Replicas: discovery.Normalize(replicas), Term: term}
			results, annErr := announce.New(c, limit, nil).Announce(cmd.Context(), g, targets)

			type row struct {
				Peer   string `json:"peer"`
				Status int16  `json:"status"`
				Error  string `json:"error,omitempty"`
			}
			rows := make([]row, 0, len(results))
			for _, r := range results {
				rw := row{Peer: r.Peer, Status: int16(r.Status)}
				if r.Error != nil {
					rw.Error = r.Error.Error()
				}
				rows = append(rows, rw)
			}
			if err := printJSON(cmd.OutOrStdout(), rows); err != nil {
				return err
			}
			return annErr
		},
	}
	cmd.Flags().StringVar(&peers, "peers", "", "comma-separated peer brokers (host:port)")
	cmd.Flags().StringVar(&replicas, "replicas", "", "comma-separated replica node ids")
	cmd.Flags().Int32Var(&term, "term", 0, "leadership term")
	cmd.Flags().IntVar(&limit, "limit", 0, "max concurrent requests (0 = unbounded)")
	gf.register(cmd.Flags())
	return cmd
}

func parseGroup(s string) (int32, error) {
	g, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad group %q: %w", s, err)
	}
	return int32(g), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
