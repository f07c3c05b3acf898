package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amirimatin/go-broker/pkg/bootstrap"
)

func runNode(t *testing.T) *bootstrap.Node {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n, err := bootstrap.Run(ctx, bootstrap.Config{
		NodeID:   "b1",
		GRPCAddr: "127.0.0.1:0",
		MgmtAddr: "127.0.0.1:0",
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "brokerctl", SilenceUsage: true, SilenceErrors: true}
	AddAll(root)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAnnounceLeaderAndStatus(t *testing.T) {
	n := runNode(t)
	st, err := n.Status(context.Background())
	require.NoError(t, err)

	out, err := execute(t, "announce", "orders", "3", "node-7", "--peers", st.Addr, "--replicas", "node-7,node-8", "--wire-version", "1")
	require.NoError(t, err, out)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	require.EqualValues(t, 0, rows[0]["status"])

	out, err = execute(t, "leader", "orders", "3", "--addr", st.Addr)
	require.NoError(t, err, out)
	require.Contains(t, out, "node-7")

	_, err = execute(t, "leader", "orders", "4", "--addr", st.Addr)
	require.ErrorContains(t, err, "orders/4")

	out, err = execute(t, "status", "--addr", n.MgmtAddr(), "--timeout", time.Second.String())
	require.NoError(t, err)
	require.Contains(t, out, `"nodeId":"b1"`)
}

func TestArgumentErrors(t *testing.T) {
	_, err := execute(t, "leader", "orders")
	require.Error(t, err)
	_, err = execute(t, "leader", "orders", "x")
	require.ErrorContains(t, err, "bad group")
	_, err = execute(t, "announce", "orders", "1", "node-1")
	require.ErrorContains(t, err, "missing --peers")
	_, err = execute(t, "run")
	require.ErrorContains(t, err, "node id is required")
}
