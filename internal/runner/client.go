package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/automation-orchestrator/internal/clock/system"
	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/automation-orchestrator/internal/retry"
)

// DefaultAPIKeyHeader is the header the runner reads the API key from.
const DefaultAPIKeyHeader = "X-Phantombuster-Key-1"

const maxBodyBytes = 10 << 20

// Config captures the runner endpoint and call pacing.
type Config struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	// Resource is the GlobalRateLimiter key guarding runner API calls.
	Resource string
	// MinInterval is the fleet-wide spacing between runner API calls.
	MinInterval time.Duration
	// DefaultRetryAfter applies to 429 responses without a usable Retry-After header.
	DefaultRetryAfter time.Duration
}

// Acquirer grants permission to make one call to a rate-limited resource.
type Acquirer interface {
	Acquire(ctx context.Context, resource string, minInterval time.Duration) (time.Time, error)
}

// AgentConfig is the stored configuration of one automation agent.
type AgentConfig struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Argument json.RawMessage `json:"argument,omitempty"`
}

// ContainerStatus is the runner's view of one launched session.
type ContainerStatus struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	EndedAt any    `json:"endedAt,omitempty"`
}

// Client is an HTTP client for the runner API.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter Acquirer
	retrier *retry.Retrier
	clock   orchestrator.Clock
	logger  *zap.Logger
}

// NewClient validates cfg and builds a Client. limiter may be nil to disable pacing.
// clock dates Retry-After headers and defaults to the wall clock.
func NewClient(
	cfg Config,
	httpClient *http.Client,
	limiter Acquirer,
	retrier *retry.Retrier,
	clock orchestrator.Clock,
	logger *zap.Logger,
) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, &orchestrator.ConfigurationError{Field: "runner.base_url", Reason: "is required"}
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &orchestrator.ConfigurationError{Field: "runner.api_key", Reason: "is required"}
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = DefaultAPIKeyHeader
	}
	if cfg.Resource == "" {
		cfg.Resource = "runner"
	}
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retrier == nil {
		return nil, fmt.Errorf("retrier is required")
	}
	if clock == nil {
		clock = system.New()
	}
	return &Client{cfg: cfg, http: httpClient, limiter: limiter, retrier: retrier, clock: clock, logger: logger}, nil
}

// FetchAgent reads the stored configuration for agentID.
func (c *Client) FetchAgent(ctx context.Context, agentID string) (AgentConfig, error) {
	return retry.Do(ctx, c.retrier, "fetch_agent", func(ctx context.Context) (AgentConfig, error) {
		var agent AgentConfig
		err := c.call(ctx, http.MethodGet, "/agents/fetch", url.Values{"id": {agentID}}, nil, &agent)
		return agent, err
	})
}

type saveRequest struct {
	ID       string `json:"id"`
	Argument any    `json:"argument"`
	Webhook  string `json:"webhook,omitempty"`
}

// SaveAgent stores argument (and, when set, the completion webhook) on agentID.
func (c *Client) SaveAgent(ctx context.Context, agentID string, argument any, webhook string) error {
	body := saveRequest{ID: agentID, Argument: argument, Webhook: webhook}
	return c.retrier.Do(ctx, "save_agent", func(ctx context.Context) error {
		return c.call(ctx, http.MethodPost, "/agents/save", nil, body, nil)
	})
}

// Launch starts one session of agentID and returns its handle. It is never retried.
func (c *Client) Launch(ctx context.Context, agentID string) (string, error) {
	if err := c.acquire(ctx); err != nil {
		return "", &orchestrator.LaunchFailure{Reason: err.Error(), Err: err}
	}
	status, _, payload, err := c.do(ctx, http.MethodPost, "/agents/launch", nil, map[string]string{"id": agentID})
	if err != nil {
		return "", &orchestrator.LaunchFailure{Reason: err.Error(), Err: err}
	}
	if status < 200 || status >= 300 {
		return "", &orchestrator.LaunchFailure{StatusCode: status, Reason: snippet(payload)}
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", &orchestrator.LaunchFailure{StatusCode: status, Reason: "decode launch response", Err: err}
	}
	handle := handleString(decoded["containerId"])
	if handle == "" {
		return "", &orchestrator.LaunchFailure{
			StatusCode: status,
			Reason:     orchestrator.ErrNoHandle.Error(),
			Err:        orchestrator.ErrNoHandle,
		}
	}
	return handle, nil
}

// FetchStatus returns the runner status of handle.
func (c *Client) FetchStatus(ctx context.Context, handle string) (ContainerStatus, error) {
	return retry.Do(ctx, c.retrier, "fetch_status", func(ctx context.Context) (ContainerStatus, error) {
		var status ContainerStatus
		err := c.call(ctx, http.MethodGet, "/containers/fetch", url.Values{"id": {handle}}, nil, &status)
		return status, err
	})
}

// FetchOutput returns the free-form console output of handle.
func (c *Client) FetchOutput(ctx context.Context, handle string) (string, error) {
	return retry.Do(ctx, c.retrier, "fetch_output", func(ctx context.Context) (string, error) {
		var out struct {
			Output *string `json:"output"`
		}
		if err := c.call(ctx, http.MethodGet, "/containers/fetch-output", url.Values{"id": {handle}}, nil, &out); err != nil {
			return "", err
		}
		if out.Output == nil {
			return "", retry.Permanent(errors.New("output field missing"))
		}
		return *out.Output, nil
	})
}

// FetchResults downloads the result set stored at location. The location is
// served by object storage rather than the runner API, so it is not paced.
func (c *Client) FetchResults(ctx context.Context, location string) ([]json.RawMessage, error) {
	return retry.Do(ctx, c.retrier, "fetch_results", func(ctx context.Context) ([]json.RawMessage, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("build results request: %w", err))
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &orchestrator.TransientError{Err: fmt.Errorf("get results: %w", err)}
		}
		payload, err := readBody(resp)
		if err != nil {
			return nil, &orchestrator.TransientError{Err: err}
		}
		if err := c.classify(resp.StatusCode, resp.Header, payload); err != nil {
			return nil, err
		}
		var records []json.RawMessage
		if err := json.Unmarshal(payload, &records); err != nil {
			return nil, retry.Permanent(fmt.Errorf("decode results: %w", err))
		}
		return records, nil
	})
}

// call paces, performs, classifies, and decodes one runner API request.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	status, header, payload, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if err := c.classify(status, header, payload); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return retry.Permanent(fmt.Errorf("decode %s response: %w", path, err))
	}
	return nil
}

func (c *Client) acquire(ctx context.Context) error {
	if c.limiter == nil || c.cfg.MinInterval <= 0 {
		return nil
	}
	if _, err := c.limiter.Acquire(ctx, c.cfg.Resource, c.cfg.MinInterval); err != nil {
		return fmt.Errorf("acquire runner slot: %w", err)
	}
	return nil
}

// do executes a request and returns the status, headers, and body. Network failures are transient.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (int, http.Header, []byte, error) {
	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, nil, retry.Permanent(fmt.Errorf("encode %s body: %w", path, err))
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, nil, retry.Permanent(fmt.Errorf("build %s request: %w", path, err))
	}
	req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, nil, fmt.Errorf("%s %s: %w", method, path, ctx.Err())
		}
		return 0, nil, nil, &orchestrator.TransientError{Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	payload, err := readBody(resp)
	if err != nil {
		return 0, nil, nil, &orchestrator.TransientError{Err: err}
	}
	c.logger.Debug("runner call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return resp.StatusCode, resp.Header, payload, nil
}

// classify maps a response to nil, a RateLimitedError, a TransientError, or a permanent error.
func (c *Client) classify(status int, header http.Header, payload []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &orchestrator.RateLimitedError{
			RetryAfter: parseRetryAfter(header.Get("Retry-After"), c.clock.Now(), c.cfg.DefaultRetryAfter),
			Err:        fmt.Errorf("upstream status 429: %s", snippet(payload)),
		}
	case status >= 500:
		return &orchestrator.TransientError{Err: fmt.Errorf("upstream status %d: %s", status, snippet(payload))}
	default:
		return retry.Permanent(fmt.Errorf("upstream status %d: %s", status, snippet(payload)))
	}
}

func readBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return payload, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}

func handleString(v any) string {
	switch h := v.(type) {
	case string:
		return strings.TrimSpace(h)
	case float64:
		return strconv.FormatFloat(h, 'f', -1, 64)
	default:
		return ""
	}
}

func snippet(payload []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(payload))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
