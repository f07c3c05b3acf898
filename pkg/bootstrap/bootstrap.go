// Package bootstrap assembles a broker node from a flat Config: the election
// backend, the gRPC command transport, peer discovery and the management
// endpoint.
package bootstrap

import (
	"context"
	"crypto/tls"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/amirimatin/go-broker/pkg/broker"
	"github.com/amirimatin/go-broker/pkg/codec"
	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/discovery"
	dDNS "github.com/amirimatin/go-broker/pkg/discovery/dns"
	dFile "github.com/amirimatin/go-broker/pkg/discovery/file"
	dStatic "github.com/amirimatin/go-broker/pkg/discovery/static"
	"github.com/amirimatin/go-broker/pkg/election"
	raftelect "github.com/amirimatin/go-broker/pkg/election/raft"
	"github.com/amirimatin/go-broker/pkg/internal/logutil"
	tlsx "github.com/amirimatin/go-broker/pkg/security/tlsconfig"
	"github.com/amirimatin/go-broker/pkg/state/leaders"
	tgrpc "github.com/amirimatin/go-broker/pkg/transport/grpc"
	"github.com/amirimatin/go-broker/pkg/transport/httpjson"
)

// Node is an assembled broker plus its management endpoint.
type Node struct {
	*broker.Broker

	log    *zap.Logger
	mgmt   *httpjson.Server
	reader election.LeaderReader
}

// Build assembles a Node from cfg without starting it.
func Build(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	log := cfg.Logger
	if log == nil {
		log = logutil.New(logutil.Options{Format: cfg.LogFormat, Level: cfg.LogLevel})
	}
	if cfg.Advertise == "" {
		cfg.Advertise = cfg.GRPCAddr
	}

	factories := codec.DefaultFactories()
	if cfg.WireVersion != 0 {
		if err := factories.Prefer(cfg.WireVersion); err != nil {
			return nil, errors.Wrap(err, "wire version")
		}
	}

	svc, err := buildElection(cfg, log)
	if err != nil {
		return nil, err
	}

	var srvTLS, cliTLS *tls.Config
	if cfg.TLSEnable {
		topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
		// hot reload configs allow rotation by replacing the files
		if srvTLS, err = topts.ServerHotReload(); err != nil {
			return nil, errors.Wrap(err, "server tls")
		}
		if cliTLS, err = topts.ClientHotReload(); err != nil {
			return nil, errors.Wrap(err, "client tls")
		}
	}
	srv := tgrpc.NewServer(cfg.GRPCAddr, factories, log)
	cli := tgrpc.NewClient(cfg.ClientTimeout, factories)
	if srvTLS != nil {
		srv.UseTLS(srvTLS)
		cli.UseTLS(cliTLS)
	}

	b, err := broker.New(broker.Options{
		NodeID:        cfg.NodeID,
		Advertise:     cfg.Advertise,
		Logger:        log,
		Election:      svc,
		Factories:     factories,
		Server:        srv,
		Client:        cli,
		Discovery:     buildDiscovery(cfg, log),
		AnnounceLimit: cfg.AnnounceLimit,
	})
	if err != nil {
		return nil, err
	}
	n := &Node{Broker: b, log: log}
	n.reader, _ = svc.(election.LeaderReader)
	if cfg.MgmtAddr != "" {
		n.mgmt = httpjson.NewServer(cfg.MgmtAddr, log)
		if srvTLS != nil {
			n.mgmt.UseTLS(srvTLS)
		}
	}
	return n, nil
}

func buildElection(cfg Config, log *zap.Logger) (election.Service, error) {
	switch cfg.Election {
	case ElectionRaft:
		node, err := raftelect.New(raftelect.Options{
			NodeID:    cfg.NodeID,
			Logger:    log,
			Bootstrap: cfg.Bootstrap,
			BindAddr:  cfg.RaftAddr,
			DataDir:   cfg.DataDir,
		})
		if err != nil {
			return nil, errors.Wrap(err, "raft election")
		}
		return node, nil
	default:
		return leaders.New(log), nil
	}
}

func buildDiscovery(cfg Config, log *zap.Logger) discovery.Discovery {
	switch cfg.Discovery {
	case DiscoveryDNS:
		return dDNS.New(dDNS.Options{Names: dStatic.Parse(cfg.DNSNames), Port: cfg.DNSPort, Refresh: cfg.DiscRefresh, Logger: log})
	case DiscoveryFile:
		return dFile.New(dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv, Refresh: cfg.DiscRefresh})
	default:
		return dStatic.New(dStatic.Parse(cfg.Peers)...)
	}
}

// Start starts the broker, then the management endpoint.
func (n *Node) Start(ctx context.Context) error {
	if err := n.Broker.Start(ctx); err != nil {
		return err
	}
	if n.mgmt == nil {
		return nil
	}
	h := httpjson.Handlers{
		Status: func(ctx context.Context) (any, error) { return n.Status(ctx) },
	}
	if n.reader != nil {
		h.Leader = n.reader.Leader
	}
	if err := n.mgmt.Start(ctx, h); err != nil {
		_ = n.Broker.Close()
		return errors.Wrap(err, "start management endpoint")
	}
	return nil
}

// MgmtAddr returns the management endpoint address, or "" when disabled.
func (n *Node) MgmtAddr() string {
	if n.mgmt == nil {
		return ""
	}
	return n.mgmt.Addr()
}

// Leader reports the locally known leader of (topic, group).
func (n *Node) Leader(topic string, group int32) (command.PartitionGroup, bool) {
	if n.reader == nil {
		return command.PartitionGroup{}, false
	}
	return n.reader.Leader(topic, group)
}

// Close stops the management endpoint and the broker and flushes the logger.
func (n *Node) Close() error {
	if n.mgmt != nil {
		_ = n.mgmt.Stop(context.Background())
	}
	err := n.Broker.Close()
	_ = n.log.Sync()
	return err
}

// Run builds and starts a Node. The caller is responsible for Close.
func Run(ctx context.Context, cfg Config) (*Node, error) {
	n, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	return n, nil
}
