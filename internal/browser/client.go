// ABOUTME: MCP client for the browser automation backend over Streamable HTTP.
// ABOUTME: Lazily opens one session, reconnects after transport failures.

package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389/pilot-gateway/internal/fault"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("browser client closed")

// Image is one image content item returned by a tool.
type Image struct {
	Data     []byte
	MIMEType string
}

// Result is the flattened outcome of one tools/call.
type Result struct {
	Text    string
	Images  []Image
	IsError bool
}

// Options configures a Client.
type Options struct {
	// HTTPClient is used for every request. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Name and Version identify the gateway to the backend.
	Name    string
	Version string
	Logger  *slog.Logger
}

// Client calls tools on the browser backend.
type Client struct {
	endpoint string
	opts     Options
	logger   *slog.Logger
	client   *mcp.Client

	mu      sync.Mutex
	session *mcp.ClientSession
	closed  bool
}

// New creates a client for the MCP endpoint. No connection is made until
// the first call.
func New(endpoint string, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "pilot-gateway"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Client{
		endpoint: endpoint,
		opts:     opts,
		logger:   opts.Logger.With("component", "browser", "endpoint", endpoint),
		client:   mcp.NewClient(&mcp.Implementation{Name: opts.Name, Version: opts.Version}, nil),
	}
}

// Endpoint returns the backend URL.
func (c *Client) Endpoint() string { return c.endpoint }

// CallTool invokes a backend tool. A tool-level failure comes back as a
// Result with IsError set; transport and protocol failures are returned as
// errors wrapping fault.ErrToolExecutionFailed, or ctx's cause when ctx
// ended first.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*Result, error) {
	cs, err := c.sessionFor(ctx)
	if err != nil {
		return nil, err
	}

	if args == nil {
		args = map[string]any{}
	}
	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		c.reset(cs)
		c.logger.Warn("browser tool call failed", "tool", name, "error", err)
		return nil, fmt.Errorf("%w: browser %s: %v", fault.ErrToolExecutionFailed, name, err)
	}
	return flatten(res), nil
}

func (c *Client) sessionFor(ctx context.Context) (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.session != nil {
		return c.session, nil
	}

	transport := &mcp.StreamableClientTransport{
		Endpoint:   c.endpoint,
		HTTPClient: c.opts.HTTPClient,
	}
	cs, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("%w: connect browser backend %s: %v", fault.ErrToolExecutionFailed, c.endpoint, err)
	}
	c.session = cs
	c.logger.Info("browser backend connected")
	return cs, nil
}

// reset drops cs if it is still the current session.
func (c *Client) reset(cs *mcp.ClientSession) {
	c.mu.Lock()
	if c.session == cs {
		c.session = nil
	}
	c.mu.Unlock()
	_ = cs.Close()
}

// Close ends the backend session.
func (c *Client) Close() error {
	c.mu.Lock()
	cs := c.session
	c.session = nil
	c.closed = true
	c.mu.Unlock()
	if cs == nil {
		return nil
	}
	return cs.Close()
}

func flatten(res *mcp.CallToolResult) *Result {
	out := &Result{IsError: res.IsError}
	var texts []string
	for _, item := range res.Content {
		switch v := item.(type) {
		case *mcp.TextContent:
			texts = append(texts, v.Text)
		case *mcp.ImageContent:
			out.Images = append(out.Images, Image{Data: v.Data, MIMEType: v.MIMEType})
		}
	}
	out.Text = strings.Join(texts, "\n")
	return out
}
