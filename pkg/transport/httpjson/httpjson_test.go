package httpjson

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-broker/pkg/command"
)

func start(t *testing.T, h Handlers) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := NewServer("127.0.0.1:0", nil)
	require.NoError(t, s.Start(ctx, h))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	require.ErrorIs(t, s.Start(ctx, h), ErrServerStarted)
	return s
}

func TestStatusAndLeader(t *testing.T) {
	orders := command.PartitionGroup{Topic: "orders", Group: 3, Leader: "node-7"}
	s := start(t, Handlers{
		Status: func(context.Context) (any, error) { return map[string]any{"nodeId": "b1"}, nil },
		Leader: func(topic string, group int32) (command.PartitionGroup, bool) {
			return orders, topic == "orders" && group == 3
		},
	})
	c := NewClient(time.Second)
	ctx := context.Background()

	data, err := c.GetStatus(ctx, s.Addr())
	require.NoError(t, err)
	var st map[string]any
	require.NoError(t, json.Unmarshal(data, &st))
	require.Equal(t, "b1", st["nodeId"])

	g, err := c.GetLeader(ctx, s.Addr(), "orders", 3)
	require.NoError(t, err)
	require.Equal(t, orders, g)

	_, err = c.GetLeader(ctx, s.Addr(), "orders", 4)
	require.ErrorContains(t, err, "404")
}

func TestUnsupportedAndErrors(t *testing.T) {
	s := start(t, Handlers{})
	c := NewClient(time.Second)
	_, err := c.GetStatus(context.Background(), s.Addr())
	require.ErrorContains(t, err, "501")

	failing := start(t, Handlers{Status: func(context.Context) (any, error) { return nil, errors.New("boom") }})
	_, err = c.GetStatus(context.Background(), failing.Addr())
	require.ErrorContains(t, err, "boom")
}

func TestHealthAndMetrics(t *testing.T) {
	s := start(t, Handlers{})
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get("http://" + s.Addr() + path)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
