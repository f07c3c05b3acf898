package httpjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/amirimatin/go-broker/pkg/command"
)

const attempts = 3

// Client is a thin HTTP client for the management endpoints with a short
// retry and backoff on transport errors and 5xx replies.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config and switches the scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	c.transport.TLSClientConfig = cfg
	c.isTLS = cfg != nil
	return c
}

func (c *Client) url(addr, path string) string {
	scheme := "http"
	if c.isTLS {
		scheme = "https"
	}
	return scheme + "://" + addr + path
}

// GetStatus returns the raw JSON status document of the node at addr.
func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	return c.get(ctx, c.url(addr, "/status"))
}

// GetLeader asks the node at addr for the leader of (topic, group).
func (c *Client) GetLeader(ctx context.Context, addr, topic string, group int32) (command.PartitionGroup, error) {
	var g command.PartitionGroup
	data, err := c.get(ctx, c.url(addr, "/leaders/"+url.PathEscape(topic)+"/"+strconv.Itoa(int(group))))
	if err != nil {
		return g, err
	}
	if err := json.Unmarshal(data, &g); err != nil {
		return g, fmt.Errorf("httpjson: decode leader: %w", err)
	}
	return g, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		body, retry, err := c.once(ctx, u)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return nil, lastErr
}

// once performs a single GET; retry reports whether another attempt may help.
func (c *Client) once(ctx context.Context, u string) (body []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode >= 500, fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	return b, false, nil
}
