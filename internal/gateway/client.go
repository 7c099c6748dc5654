// Package gateway talks to the remote exam server.
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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// AdminKeyHeader carries the admin credential on admin requests.
	AdminKeyHeader  = "x-admin-key"
	RequestIDHeader = "X-Request-ID"
)

// ErrUnauthorized is returned when the server rejects the admin key.
var ErrUnauthorized = errors.New("gateway: unauthorized")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned status code: %d, response: %s", e.StatusCode, e.Body)
}

// BaseClient performs JSON requests against the exam server.
type BaseClient struct {
	baseURL string
	client  *http.Client
	headers map[string]string
	log     zerolog.Logger
}

// NewBaseClient creates a client for baseURL with the given request timeout.
func NewBaseClient(baseURL string, timeout time.Duration, log zerolog.Logger) *BaseClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BaseClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
		headers: make(map[string]string),
		log:     log,
	}
}

// SetHeader adds a header sent with every request. Not safe for use after
// requests have started.
func (c *BaseClient) SetHeader(key, value string) {
	c.headers[key] = value
}

// Do sends in as the JSON body (nil for none) and decodes the response into
// out (nil to discard).
func (c *BaseClient) Do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	reqID := uuid.NewString()
	req.Header.Set(RequestIDHeader, reqID)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	c.log.Debug().
		Str("request_id", reqID).
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("exam api request")

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %w", ErrUnauthorized, &APIError{StatusCode: resp.StatusCode, Body: string(responseBody)})
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(responseBody)}
	}

	if out == nil || len(bytes.TrimSpace(responseBody)) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], responseBody...)
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *BaseClient) Get(ctx context.Context, endpoint string, out any) error {
	return c.Do(ctx, http.MethodGet, endpoint, nil, out)
}

func (c *BaseClient) Post(ctx context.Context, endpoint string, in, out any) error {
	return c.Do(ctx, http.MethodPost, endpoint, in, out)
}
