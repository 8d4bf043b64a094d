// Package client submits encoded evidence to the verification endpoint
// and returns the token it issues.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/vincentbai/browsetrace-captcha/internal/logging"
	"github.com/vincentbai/browsetrace-captcha/internal/models"
)

// ChallengePath is the endpoint path the client posts to when given a
// bare origin.
const ChallengePath = "/api/challenge"

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// TransportError means the exchange did not complete: the request could
// not be sent, the context ended, or the endpoint answered with a
// non-2xx status.
type TransportError struct {
	StatusCode int // zero when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("challenge transport: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("challenge transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means a 2xx response could not be parsed or carried no
// token.
type ProtocolError struct {
	Body string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("challenge protocol: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Client posts payloads to one verification endpoint. It is safe for
// concurrent use; calls are independent and never retried.
type Client struct {
	endpoint   string
	credential string
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Client)

// WithCredential attaches "Authorization: Bearer <credential>".
func WithCredential(credential string) Option {
	return func(c *Client) { c.credential = credential }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client for endpoint. An endpoint without a path gets
// ChallengePath appended.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:   resolveEndpoint(endpoint),
		httpClient: &http.Client{},
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Endpoint() string { return c.endpoint }

// Submit sends one request carrying payload and returns the token.
func (c *Client) Submit(ctx context.Context, payload string) (string, error) {
	body, err := json.Marshal(models.ChallengeRequest{Data: payload})
	if err != nil {
		return "", &TransportError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &TransportError{Err: fmt.Errorf("build request: %w", err)}
	}
	request.Header.Set("Content-Type", "application/json")
	if c.credential != "" {
		request.Header.Set("Authorization", "Bearer "+c.credential)
	}

	c.logger.Debug("submitting evidence",
		"endpoint", c.endpoint,
		"bytes", len(body),
		"size", humanize.Bytes(uint64(len(body))),
	)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return "", &TransportError{StatusCode: response.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", &TransportError{
			StatusCode: response.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(raw))),
		}
	}

	var result models.ChallengeResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", &ProtocolError{Body: string(raw), Err: fmt.Errorf("decode response: %w", err)}
	}
	if result.Token == "" {
		return "", &ProtocolError{Body: string(raw), Err: fmt.Errorf("response has no token")}
	}

	c.logger.Debug("token received", "endpoint", c.endpoint)
	return result.Token, nil
}

func resolveEndpoint(endpoint string) string {
	trimmed := strings.TrimRight(endpoint, "/")
	schemeEnd := strings.Index(trimmed, "://")
	if schemeEnd >= 0 && !strings.Contains(trimmed[schemeEnd+3:], "/") {
		return trimmed + ChallengePath
	}
	if trimmed == "" {
		return ChallengePath
	}
	return trimmed
}
