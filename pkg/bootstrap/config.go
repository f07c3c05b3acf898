package bootstrap

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix namespaces environment overrides: BROKER_NODE_ID, BROKER_GRPC_ADDR,
// BROKER_DISCOVERY_PEERS and so on.
const EnvPrefix = "BROKER"

// Election backends.
const (
	ElectionLocal = "local"
	ElectionRaft  = "raft"
)

// Discovery backends.
const (
	DiscoveryStatic = "static"
	DiscoveryDNS    = "dns"
	DiscoveryFile   = "file"
)

// Config defines the inputs to assemble a broker node. Applications either
// fill it directly or load it with LoadConfig, then call Build or Run.
type Config struct {
	// Identity and addresses
	NodeID    string
	Advertise string // address peers dial; defaults to GRPCAddr
	GRPCAddr  string // broker command transport
	MgmtAddr  string // HTTP status/metrics; empty disables it

	// WireVersion pins the outbound codec version (0 = highest supported).
	WireVersion uint8

	// Election backend and raft settings
	Election  string // "local" (default) or "raft"
	RaftAddr  string // empty selects an in-memory raft transport
	DataDir   string // empty keeps raft state in memory
	Bootstrap bool   // form a single-voter controller quorum

	// Discovery settings
	Discovery   string        // "static" (default), "dns" or "file"
	Peers       string        // comma-separated host:port, for static
	DNSNames    string        // comma-separated names or SRV records, for dns
	DNSPort     int           // port for A/AAAA answers
	FilePath    string        // path or glob, for file
	FileEnv     string        // env var overriding FilePath
	DiscRefresh time.Duration // discovery cache duration

	AnnounceLimit int
	ClientTimeout time.Duration

	// TLS (optional) for the gRPC and management transports
	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool

	LogFormat string // "json" or console
	LogLevel  string

	// Logger (optional). Built from LogFormat/LogLevel when nil.
	Logger *zap.Logger
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "")
	v.SetDefault("advertise", "")
	v.SetDefault("grpc.addr", ":9540")
	v.SetDefault("mgmt.addr", ":9541")
	v.SetDefault("wire.version", 0)
	v.SetDefault("election.kind", ElectionLocal)
	v.SetDefault("raft.addr", "")
	v.SetDefault("raft.data_dir", "")
	v.SetDefault("raft.bootstrap", false)
	v.SetDefault("discovery.kind", DiscoveryStatic)
	v.SetDefault("discovery.peers", "")
	v.SetDefault("discovery.dns_names", "")
	v.SetDefault("discovery.dns_port", 9540)
	v.SetDefault("discovery.file_path", "")
	v.SetDefault("discovery.file_env", "")
	v.SetDefault("discovery.refresh", 5*time.Second)
	v.SetDefault("announce.limit", 0)
	v.SetDefault("client.timeout", 3*time.Second)
	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.ca", "")
	v.SetDefault("tls.cert", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("tls.server_name", "")
	v.SetDefault("tls.skip_verify", false)
	v.SetDefault("log.format", "")
	v.SetDefault("log.level", "info")
}

// FlagKeys maps command line flag names to config keys for LoadFlags.
var FlagKeys = map[string]string{
	"id":              "node.id",
	"advertise":       "advertise",
	"grpc-addr":       "grpc.addr",
	"mgmt-addr":       "mgmt.addr",
	"wire-version":    "wire.version",
	"election":        "election.kind",
	"raft-addr":       "raft.addr",
	"data":            "raft.data_dir",
	"bootstrap":       "raft.bootstrap",
	"discovery":       "discovery.kind",
	"peers":           "discovery.peers",
	"dns-names":       "discovery.dns_names",
	"dns-port":        "discovery.dns_port",
	"file-path":       "discovery.file_path",
	"file-env":        "discovery.file_env",
	"disc-refresh":    "discovery.refresh",
	"announce-limit":  "announce.limit",
	"timeout":         "client.timeout",
	"tls-enable":      "tls.enable",
	"tls-ca":          "tls.ca",
	"tls-cert":        "tls.cert",
	"tls-key":         "tls.key",
	"tls-server-name": "tls.server_name",
	"tls-skip-verify": "tls.skip_verify",
	"log-format":      "log.format",
	"log-level":       "log.level",
}

// LoadConfig reads path (yaml, json or toml by extension; empty skips the
// file) and applies BROKER_* environment overrides on top of the defaults.
func LoadConfig(path string) (Config, error) {
	return LoadFlags(path, nil)
}

// LoadFlags is LoadConfig with flags from fs layered on top: a flag the user
// set beats the environment, which beats the file.
func LoadFlags(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if fs != nil {
		for name, key := range FlagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, errors.Wrapf(err, "bind flag %s", name)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}

	cfg := Config{
		NodeID:        v.GetString("node.id"),
		Advertise:     v.GetString("advertise"),
		GRPCAddr:      v.GetString("grpc.addr"),
		MgmtAddr:      v.GetString("mgmt.addr"),
		WireVersion:   uint8(v.GetUint("wire.version")),
		Election:      v.GetString("election.kind"),
		RaftAddr:      v.GetString("raft.addr"),
		DataDir:       v.GetString("raft.data_dir"),
		Bootstrap:     v.GetBool("raft.bootstrap"),
		Discovery:     v.GetString("discovery.kind"),
		Peers:         v.GetString("discovery.peers"),
		DNSNames:      v.GetString("discovery.dns_names"),
		DNSPort:       v.GetInt("discovery.dns_port"),
		FilePath:      v.GetString("discovery.file_path"),
		FileEnv:       v.GetString("discovery.file_env"),
		DiscRefresh:   v.GetDuration("discovery.refresh"),
		AnnounceLimit: v.GetInt("announce.limit"),
		ClientTimeout: v.GetDuration("client.timeout"),
		TLSEnable:     v.GetBool("tls.enable"),
		TLSCA:         v.GetString("tls.ca"),
		TLSCert:       v.GetString("tls.cert"),
		TLSKey:        v.GetString("tls.key"),
		TLSServerName: v.GetString("tls.server_name"),
		TLSSkipVerify: v.GetBool("tls.skip_verify"),
		LogFormat:     v.GetString("log.format"),
		LogLevel:      v.GetString("log.level"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// Validate checks the backend selections and required identity.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node id is required")
	}
	switch c.Election {
	case "", ElectionLocal, ElectionRaft:
	default:
		return errors.Errorf("unknown election backend %q", c.Election)
	}
	switch c.Discovery {
	case "", DiscoveryStatic, DiscoveryDNS, DiscoveryFile:
	default:
		return errors.Errorf("unknown discovery backend %q", c.Discovery)
	}
	if c.Discovery == DiscoveryFile && c.FilePath == "" && c.FileEnv == "" {
		return errors.New("file discovery needs a path or env var")
	}
	return nil
}
