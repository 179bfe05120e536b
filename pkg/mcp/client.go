// Package mcp connects Exo to Model Context Protocol servers. Remote tools are
// exposed as tool.Tool values and a tool.Registry can be served over stdio.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/exo/pkg/resilience"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultCacheTTL = 30 * time.Second

	clientName    = "exo"
	clientVersion = "0.1.0"
)

// Endpoint says how to reach a server: a command started with its stdio
// attached, or a streamable HTTP URL when URL is set.
type Endpoint struct {
	Command string
	Args    []string
	Env     map[string]string

	URL     string
	Headers map[string]string

	// ProtocolVersion defaults to the latest version mcp-go speaks.
	ProtocolVersion string
}

func (e Endpoint) String() string {
	if e.URL != "" {
		return e.URL
	}
	return e.Command
}

func (e Endpoint) environ() []string {
	env := make([]string, 0, len(e.Env))
	for _, k := range slices.Sorted(maps.Keys(e.Env)) {
		env = append(env, k+"="+e.Env[k])
	}
	return env
}

type ClientOption func(*Client)

// WithTimeout bounds every request, including the initialize handshake.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry sets the retry policy for tool discovery. Tool calls are never
// retried here; the agent decides from the tool's idempotency.
func WithRetry(rc resilience.RetryConfig) ClientOption {
	return func(c *Client) { c.retry = rc }
}

// WithToolCacheTTL sets how long a tool listing is reused. Zero disables
// the cache.
func WithToolCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl >= 0 {
			c.cacheTTL = ttl
		}
	}
}

type toolListing struct {
	tools   []mcp.Tool
	expires time.Time
}

// Client is a connected MCP session with request timeouts, discovery
// retries and a cached tool listing.
type Client struct {
	conn     client.MCPClient
	server   mcp.Implementation
	timeout  time.Duration
	retry    resilience.RetryConfig
	cacheTTL time.Duration

	listing atomic.Pointer[toolListing]
}

// NewClient wraps an already initialized session.
func NewClient(conn client.MCPClient, opts ...ClientOption) *Client {
	rc := resilience.DefaultRetryConfig()
	rc.InitialDelay = 200 * time.Millisecond

	c := &Client{
		conn:     conn,
		timeout:  defaultTimeout,
		retry:    rc,
		cacheTTL: defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial starts or connects to the server at ep and runs the initialize
// handshake. The returned client owns the connection.
func Dial(ctx context.Context, ep Endpoint, opts ...ClientOption) (*Client, error) {
	var (
		conn *client.Client
		err  error
	)
	switch {
	case ep.URL != "":
		conn, err = client.NewStreamableHttpClient(ep.URL, transport.WithHTTPHeaders(ep.Headers))
	case ep.Command != "":
		conn, err = client.NewStdioMCPClient(ep.Command, ep.environ(), ep.Args...)
	default:
		return nil, errors.New("mcp endpoint needs a command or a url")
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", ep, err)
	}

	c := NewClient(conn, opts...)
	if err := c.initialize(ctx, conn, ep.ProtocolVersion); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize %s: %w", ep, err)
	}
	return c, nil
}

func (c *Client) initialize(ctx context.Context, conn *client.Client, version string) error {
	if version == "" {
		version = mcp.LATEST_PROTOCOL_VERSION
	}
	if err := conn.Start(ctx); err != nil {
		return err
	}
	reqCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	var req mcp.InitializeRequest
	req.Params.ProtocolVersion = version
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	res, err := conn.Initialize(reqCtx, req)
	if err != nil {
		return err
	}
	c.server = res.ServerInfo
	return nil
}

// Server returns the name and version the server reported, empty for
// clients built with NewClient.
func (c *Client) Server() mcp.Implementation { return c.server }

// ListTools returns the server's tools, from cache while it is fresh.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if l := c.listing.Load(); l != nil && time.Now().Before(l.expires) {
		return slices.Clone(l.tools), nil
	}

	rc := c.retry.WithIsRecoverable(func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	})
	resp, err := resilience.Retry(ctx, rc, func(ctx context.Context) (*mcp.ListToolsResult, error) {
		reqCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		return c.conn.ListTools(reqCtx, mcp.ListToolsRequest{})
	})
	if err != nil {
		return nil, err
	}
	if c.cacheTTL > 0 {
		c.listing.Store(&toolListing{tools: slices.Clone(resp.Tools), expires: time.Now().Add(c.cacheTTL)})
	}
	return resp.Tools, nil
}

// Invalidate drops the cached tool listing.
func (c *Client) Invalidate() { c.listing.Store(nil) }

// CallTool runs a tool on the server once.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args

	reqCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.conn.CallTool(reqCtx, req)
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
