package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/conveyorhq/conveyor/internal/registry"
	"github.com/conveyorhq/conveyor/internal/xerr"
)

const defaultTimeout = 60 * time.Second

// HTTPGateway invokes tools over an HTTP tool server. Each tool maps
// to POST {base_url}/tools/{name}/invoke unless its capability entry
// overrides the endpoint path.
type HTTPGateway struct {
	baseURL  string
	apiKey   string
	registry *registry.Registry
	client   *http.Client
	timeout  time.Duration
}

// Option configures an HTTPGateway.
type Option func(*HTTPGateway)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *HTTPGateway) { g.client = c }
}

// WithTimeout sets the default per-call deadline applied when the
// caller's context has none.
func WithTimeout(d time.Duration) Option {
	return func(g *HTTPGateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// NewHTTP creates a gateway for the tool server at baseURL.
func NewHTTP(baseURL, apiKey string, reg *registry.Registry, opts ...Option) *HTTPGateway {
	g := &HTTPGateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		registry: reg,
		client:   &http.Client{},
		timeout:  defaultTimeout,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// -- wire types --

type invokeRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

type invokeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *invokeError    `json:"error,omitempty"`
}

type invokeError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Invoke validates args against the registry, posts them to the tool
// endpoint, and parses the structured result. Failures map to
// UNKNOWN_TOOL, INVALID_ARGUMENTS, TIMEOUT, or UPSTREAM_ERROR.
func (g *HTTPGateway) Invoke(ctx context.Context, tool string, args map[string]any) (*Result, error) {
	cap, err := g.registry.Get(tool)
	if err != nil {
		return nil, err
	}
	if err := g.registry.ValidateArgs(tool, args); err != nil {
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	body, err := json.Marshal(invokeRequest{Tool: tool, Args: args})
	if err != nil {
		return nil, xerr.Wrap(xerr.CodeInvalidArguments, err, "marshal arguments")
	}

	endpoint := cap.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("/tools/%s/invoke", tool)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, xerr.Wrap(xerr.CodeUpstreamError, err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	httpResp, err := g.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, xerr.Newf(xerr.CodeTimeout, "tool %q timed out after %s", tool, latency.Round(time.Millisecond))
		}
		return nil, xerr.Wrap(xerr.CodeUpstreamError, err, fmt.Sprintf("tool %q request", tool))
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, xerr.Wrap(xerr.CodeUpstreamError, err, fmt.Sprintf("tool %q read response", tool))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, xerr.Newf(xerr.CodeUpstreamError, "tool %q returned status %d: %s",
			tool, httpResp.StatusCode, truncate(string(respBody), 256))
	}

	var resp invokeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, xerr.Wrap(xerr.CodeInvalidOutput, err, fmt.Sprintf("tool %q response is not valid JSON", tool))
	}
	if resp.Error != nil {
		return nil, xerr.Newf(xerr.CodeUpstreamError, "tool %q error [%s]: %s", tool, resp.Error.Code, resp.Error.Message)
	}

	parsed := map[string]any{}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &parsed); err != nil {
			return nil, xerr.Wrap(xerr.CodeInvalidOutput, err, fmt.Sprintf("tool %q result is not an object", tool))
		}
	}
	return &Result{Raw: resp.Result, Parsed: parsed, Latency: latency}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
