package bootstrap

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/command/status"
	"github.com/amirimatin/go-broker/pkg/transport/httpjson"
)

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  id: b1
grpc:
  addr: 127.0.0.1:7000
election:
  kind: raft
raft:
  bootstrap: true
discovery:
  peers: 10.0.0.2:9540, 10.0.0.3:9540
  refresh: 2s
`), 0o600))
	t.Setenv("BROKER_GRPC_ADDR", "127.0.0.1:7100")
	t.Setenv("BROKER_WIRE_VERSION", "1")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "b1", cfg.NodeID)
	require.Equal(t, "127.0.0.1:7100", cfg.GRPCAddr, "env wins over file")
	require.Equal(t, uint8(1), cfg.WireVersion)
	require.Equal(t, ElectionRaft, cfg.Election)
	require.True(t, cfg.Bootstrap)
	require.Equal(t, "10.0.0.2:9540, 10.0.0.3:9540", cfg.Peers)
	require.Equal(t, 2*time.Second, cfg.DiscRefresh)
	require.Equal(t, ":9541", cfg.MgmtAddr, "default")
	require.Equal(t, 3*time.Second, cfg.ClientTimeout, "default")
}

func TestLoadFlags_Precedence(t *testing.T) {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.String("id", "", "")
	fs.String("grpc-addr", ":9540", "")
	fs.String("mgmt-addr", ":9541", "")
	require.NoError(t, fs.Parse([]string{"--id", "b9", "--mgmt-addr", "127.0.0.1:8001"}))
	t.Setenv("BROKER_GRPC_ADDR", "127.0.0.1:7100")
	t.Setenv("BROKER_MGMT_ADDR", "127.0.0.1:7101")

	cfg, err := LoadFlags("", fs)
	require.NoError(t, err)
	require.Equal(t, "b9", cfg.NodeID)
	require.Equal(t, "127.0.0.1:7100", cfg.GRPCAddr, "env beats an unset flag")
	require.Equal(t, "127.0.0.1:8001", cfg.MgmtAddr, "set flag beats env")
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")

	_, err = LoadConfig("")
	require.ErrorContains(t, err, "node id is required")

	t.Setenv("BROKER_NODE_ID", "b1")
	t.Setenv("BROKER_ELECTION_KIND", "paxos")
	_, err = LoadConfig("")
	require.ErrorContains(t, err, `unknown election backend "paxos"`)
}

func TestConfig_Validate(t *testing.T) {
	require.Error(t, Config{NodeID: "b1", Discovery: "mdns"}.Validate())
	require.Error(t, Config{NodeID: "b1", Discovery: DiscoveryFile}.Validate())
	require.NoError(t, Config{NodeID: "b1", Discovery: DiscoveryFile, FileEnv: "PEERS"}.Validate())
	_, err := Build(Config{NodeID: "b1", WireVersion: 7})
	require.ErrorContains(t, err, "wire version")
}

func localConfig(id, peers string) Config {
	return Config{
		NodeID:        id,
		GRPCAddr:      "127.0.0.1:0",
		MgmtAddr:      "127.0.0.1:0",
		Peers:         peers,
		ClientTimeout: 2 * time.Second,
		Logger:        zap.NewNop(),
	}
}

func TestRun_AnnounceBetweenNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n1, err := Run(ctx, localConfig("b1", ""))
	require.NoError(t, err)
	defer n1.Close()
	st, err := n1.Status(ctx)
	require.NoError(t, err)

	n2, err := Run(ctx, localConfig("b2", st.Addr))
	require.NoError(t, err)
	defer n2.Close()

	g := command.PartitionGroup{Topic: "orders", Group: 3, Leader: "b2", Replicas: []string{"b1", "b2"}}
	require.True(t, n2.ChangeLeader(ctx, g).Success())
	res, err := n2.Announce(ctx, g)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, status.Success, res[0].Status)

	got, ok := n1.Leader("orders", 3)
	require.True(t, ok)
	require.Equal(t, "b2", got.Leader)

	hc := httpjson.NewClient(time.Second)
	remote, err := hc.GetLeader(ctx, n1.MgmtAddr(), "orders", 3)
	require.NoError(t, err)
	require.Equal(t, got, remote)

	data, err := hc.GetStatus(ctx, n2.MgmtAddr())
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, "b2", doc["nodeId"])
}

func TestRun_RaftSingleNode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := localConfig("b1", "")
	cfg.Election, cfg.Bootstrap, cfg.MgmtAddr = ElectionRaft, true, ""

	n, err := Run(ctx, cfg)
	require.NoError(t, err)
	defer n.Close()
	require.Empty(t, n.MgmtAddr())

	require.Eventually(t, func() bool {
		st, err := n.Status(ctx)
		return err == nil && st.IsController
	}, 5*time.Second, 50*time.Millisecond)
	require.True(t, n.ChangeLeader(ctx, command.PartitionGroup{Topic: "orders", Group: 1, Leader: "b1"}).Success())
	got, ok := n.Leader("orders", 1)
	require.True(t, ok)
	require.Equal(t, "b1", got.Leader)
}
