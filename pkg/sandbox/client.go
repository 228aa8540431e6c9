// Package sandbox is the typed client for the external isolated code
// executor. It is the engine's sole route for running skill code.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/atrium-ai/atrium/pkg/errors"
)

// DefaultTimeout bounds sandbox executions when the caller does not
// pass one.
const DefaultTimeout = 60 * time.Second

// networkSlack is added on top of the sandbox timeout for the HTTP
// round trip itself.
const networkSlack = 5 * time.Second

// ExecuteRequest is the sandbox execute RPC payload.
type ExecuteRequest struct {
	Language    string `json:"language"`
	Code        string `json:"code"`
	TrustedMode bool   `json:"trusted_mode"`
	Timeout     int    `json:"timeout,omitempty"` // seconds
}

// ExecuteResult is the sandbox execute RPC response.
type ExecuteResult struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

// Client talks to the sandbox service over HTTP.
type Client struct {
	baseURL        string
	defaultTimeout time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithDefaultTimeout overrides the per-execution default timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// New creates a sandbox client for host:port.
func New(host string, port int, opts ...Option) *Client {
	c := &Client{
		baseURL:        fmt.Sprintf("http://%s:%d", host, port),
		defaultTimeout: DefaultTimeout,
		httpClient:     &http.Client{},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs code in the sandbox. timeout bounds the sandbox-side
// execution; the client imposes its own deadline of timeout plus
// network slack. Connect-class transport failures are retried once
// within the deadline; functional failures are never retried.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = c.defaultTimeout
		req.Timeout = int(timeout / time.Second)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+networkSlack)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.New(errors.CodeSandboxTransport, "encode execute request", err)
	}

	result, err := c.post(ctx, "/execute", payload)
	if err != nil && isConnectError(err) && ctx.Err() == nil {
		c.logger.Warn("sandbox connect failed, retrying once",
			slog.String("error", err.Error()),
		)
		result, err = c.post(ctx, "/execute", payload)
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.New(errors.CodeTimeout, "sandbox deadline exceeded", err).
				WithContext("timeout_seconds", req.Timeout)
		}
		return nil, errors.New(errors.CodeSandboxTransport, "sandbox execute failed", err)
	}
	return result, nil
}

// Health probes the sandbox health endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.New(errors.CodeSandboxTransport, "sandbox unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.CodeSandboxTransport,
			fmt.Sprintf("sandbox health returned status %d", resp.StatusCode), nil)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) (*ExecuteResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, string(body))
	}

	var result ExecuteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode sandbox response: %w", err)
	}
	return &result, nil
}

// isConnectError reports whether the failure happened before the
// request reached the sandbox, making a retry safe.
func isConnectError(err error) bool {
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
