// Package httpstream is the HTTP backend for pipeline services that answer
// a match request with a server-sent-event stream. The same client serves
// the local pipeline server and the remote matching service; they differ
// only in base URL, paths and stream vocabulary.
package httpstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
)

const (
	defaultStreamPath = "/match/stream"
	defaultHealthPath = "/health"
	defaultUserAgent  = "trialmatch/1.0"

	// healthTimeout bounds the pre-flight check; the stream itself has no
	// client timeout and is supervised by the heartbeat monitor instead.
	healthTimeout = 5 * time.Second

	maxErrorBody = 64 * 1024
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets the service base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// WithStreamPath sets the path of the streaming match endpoint.
func WithStreamPath(path string) ClientOption {
	return func(c *Client) {
		if path != "" {
			c.streamPath = path
		}
	}
}

// WithHealthPath sets the path of the health endpoint.
func WithHealthPath(path string) ClientOption {
	return func(c *Client) {
		if path != "" {
			c.healthPath = path
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// Client is a streaming pipeline backend reached over HTTP.
type Client struct {
	name       string
	vocabulary string
	apiKey     string
	baseURL    string
	streamPath string
	healthPath string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a backend client. vocabulary names the codec used to
// decode its stream.
func NewClient(name, vocabulary string, opts ...ClientOption) *Client {
	c := &Client{
		name:       name,
		vocabulary: vocabulary,
		streamPath: defaultStreamPath,
		healthPath: defaultHealthPath,
		userAgent:  defaultUserAgent,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the backend name.
func (c *Client) Name() string { return c.name }

// Vocabulary returns the stream vocabulary of the service.
func (c *Client) Vocabulary() string { return c.vocabulary }

// Health performs the pre-flight check. Any failure is reported as
// backend_unavailable.
func (c *Client) Health(ctx context.Context) error {
	if c.baseURL == "" {
		return domain.ErrBackendUnavailable(c.name, fmt.Errorf("no base URL configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return domain.ErrBackendUnavailable(c.name, fmt.Errorf("failed to create request: %w", err))
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.ErrBackendUnavailable(c.name, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.ErrBackendUnavailable(c.name, fmt.Errorf("health check returned status %d", resp.StatusCode))
	}
	return nil
}

// Open posts the match request and returns the event-stream body. A
// non-2xx response becomes a backend_error carrying the service's message.
func (c *Client) Open(ctx context.Context, req *domain.MatchRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.streamPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrStream(fmt.Errorf("request failed: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, domain.ErrBackendError(errorMessage(resp.StatusCode, respBody)).
			WithStatusCode(http.StatusBadGateway)
	}

	return resp.Body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("User-Agent", c.userAgent)
}

// ErrorResponse is the error body shape the pipeline services return.
// Both {"error":{"message":"…"}} and {"error":"…"} and {"detail":"…"}
// are understood.
type ErrorResponse struct {
	Error  json.RawMessage `json:"error,omitempty"`
	Detail string          `json:"detail,omitempty"`
}

// errorMessage extracts a human-readable message from an error body.
func errorMessage(status int, body []byte) string {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		if len(resp.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(resp.Error, &nested) == nil && nested.Message != "" {
				return nested.Message
			}
			var flat string
			if json.Unmarshal(resp.Error, &flat) == nil && flat != "" {
				return flat
			}
		}
		if resp.Detail != "" {
			return resp.Detail
		}
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		text = http.StatusText(status)
	}
	return fmt.Sprintf("backend returned status %d: %s", status, text)
}
