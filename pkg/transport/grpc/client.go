package grpc

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-broker/pkg/codec"
	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/transport"
)

var ErrRequestIDMismatch = errors.New("grpc: response request id does not match request")

// Client sends commands to peers over pooled gRPC connections. Requests are
// encoded with the client's factory; responses are decoded with whichever
// version the peer answered in.
type Client struct {
	timeout   time.Duration
	tlsCfg    *tls.Config
	factory   codec.Factory
	factories *codec.Factories
	next      atomic.Uint32

	mu sync.Mutex
	cm *ConnManager
}

// NewClient returns a client whose round trips are bounded by timeout. A nil
// factories set selects the built-in codecs, speaking the preferred version.
func NewClient(timeout time.Duration, factories *codec.Factories) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if factories == nil {
		factories = codec.DefaultFactories()
	}
	c := &Client{timeout: timeout, factories: factories, factory: factories.Preferred()}
	seed := uuid.New()
	c.next.Store(binary.BigEndian.Uint32(seed[:4]))
	return c
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	c.tlsCfg = cfg
	return c
}

// UseVersion pins the protocol version used for requests.
func (c *Client) UseVersion(v uint8) error {
	f, err := c.factories.Negotiate(v)
	if err != nil {
		return err
	}
	c.factory = f
	return nil
}

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(frameCodecName)),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		grpc.WithBlock(),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.DialContext(ctx, target, opts...)
}

// Send encodes cmd, sends it to addr and decodes the reply. Requests without a
// request ID get one. A nil reply with a nil error means the peer owed none.
func (c *Client) Send(ctx context.Context, addr string, cmd *command.Command) (*command.Command, error) {
	if cmd == nil {
		return nil, fmt.Errorf("grpc: nil command")
	}
	if cmd.Header.RequestID == 0 {
		cmd = cmd.WithRequestID(c.nextID())
	}
	in, err := c.factory.Codec().Encode(cmd)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return nil, err
	}
	defer rel()
	req, out := frame(in), frame(nil)
	if err := cc.Invoke(cctx, dispatchMethod, &req, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	f, err := c.factories.ForFrame(out)
	if err != nil {
		return nil, err
	}
	resp, err := f.Codec().Decode(out)
	if err != nil {
		return nil, err
	}
	if resp.Header.RequestID != cmd.Header.RequestID {
		return nil, fmt.Errorf("%w: sent %d, got %d", ErrRequestIDMismatch, cmd.Header.RequestID, resp.Header.RequestID)
	}
	return resp, nil
}

func (c *Client) nextID() uint32 {
	for {
		if id := c.next.Add(1); id != 0 {
			return id
		}
	}
}

// Close releases pooled connections. A later Send dials afresh.
func (c *Client) Close() {
	c.mu.Lock()
	cm := c.cm
	c.cm = nil
	c.mu.Unlock()
	if cm != nil {
		cm.Close()
	}
}

// getConn returns a managed connection, creating the manager on first use.
func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
	c.mu.Lock()
	if c.cm == nil {
		c.cm = NewConnManager(30*time.Second, c.dialCtx)
	}
	cm := c.cm
	c.mu.Unlock()
	return cm.Get(ctx, addr)
}

var _ transport.Client = (*Client)(nil)
