package localfirst

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
)

const (
	DefaultClientTimeout = 30 * time.Second

	// IdempotencyHeader carries the queued operation ID so a backend can drop
	// replays of an operation it already applied.
	IdempotencyHeader = "X-Idempotency-Key"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the sync backend: it fetches values for the cache and
// applies queued mutations.
type Client struct {
	baseURL    string
	token      string
	secret     string
	httpClient *http.Client
	logger     *zap.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithToken sends token as a bearer credential.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithSigningSecret signs mutation bodies; see SignatureHeader.
func WithSigningSecret(secret string) ClientOption {
	return func(c *Client) { c.secret = secret }
}

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a backend client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns a FetchFunc that GETs path and yields the raw JSON body.
func (c *Client) Fetch(path string) FetchFunc {
	return func(ctx context.Context) (any, error) {
		data, err := c.do(ctx, http.MethodGet, path, nil, nil)
		if err != nil {
			return nil, err
		}
		if !json.Valid(data) {
			return nil, errors.Newf(CodeFetchFailed, "GET %s: response is not JSON", path)
		}
		return json.RawMessage(data), nil
	}
}

// Apply replays op against the backend's key-value resource: set is a PUT,
// update a PATCH and remove a DELETE on /kv/{key}.
func (c *Client) Apply(ctx context.Context, op QueuedOperation) error {
	var method string
	switch op.Kind {
	case OpSet:
		method = http.MethodPut
	case OpUpdate:
		method = http.MethodPatch
	case OpRemove:
		method = http.MethodDelete
	default:
		return errors.Newf(errors.CodeInvalidInput, "unknown operation kind %q", op.Kind)
	}

	headers := map[string]string{}
	if op.ID != "" {
		headers[IdempotencyHeader] = op.ID
	}
	_, err := c.do(ctx, method, "/kv/"+url.PathEscape(op.Key), []byte(op.Payload), headers)
	if err != nil {
		return errors.WithContextMap(err, map[string]interface{}{
			"op_id": op.ID, "key": op.Key, "kind": string(op.Kind),
		})
	}
	return nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" && method != http.MethodGet {
		req.Header.Set(SignatureHeader, Sign(body, c.secret))
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NetworkUnavailable(err, method+" "+path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NetworkUnavailable(err, "read response")
	}
	c.logger.Debug("backend request",
		zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errors.WithContext(
			errors.Newf(errors.CodeUnavailable, "%s %s: %s", method, path, resp.Status),
			"body", truncate(data, 256))
	default:
		return nil, errors.WithContext(
			errors.Newf(CodeFetchFailed, "%s %s: %s", method, path, resp.Status),
			"body", truncate(data, 256))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
