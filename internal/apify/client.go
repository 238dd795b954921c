// Package apify runs Apify actors synchronously and returns their dataset
// items.
package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

const DefaultBaseURL = "https://api.apify.com"

var (
	// ErrEmptyDataset is returned when an actor run yields no items.
	ErrEmptyDataset = errors.New("apify: empty dataset")
	// ErrStatus is returned for a non-success HTTP status.
	ErrStatus = errors.New("apify: unexpected status")
)

// StatusError carries the status code and a body excerpt. It matches ErrStatus.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("apify returned status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool { return target == ErrStatus }

// RetryConfig bounds retries of a single actor call.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig retries three times with 500ms to 10s backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// ShouldRetry retries network errors, rate limits and server errors.
func ShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if resp == nil {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}

// NewRetryPolicy builds the failsafe retry policy for actor calls.
//
//nolint:bodyclose // generic type parameter, not a response
func NewRetryPolicy(cfg RetryConfig) retrypolicy.RetryPolicy[*http.Response] {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(ShouldRetry).
		Build()
}

// Client talks to the Apify REST API.
type Client struct {
	baseURL  string
	token    string
	client   *http.Client
	executor failsafe.Executor[*http.Response]
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API host. Used to point at test servers.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base != "" {
			c.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithRetry replaces the retry configuration.
func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) {
		c.executor = failsafe.With(NewRetryPolicy(cfg))
	}
}

// NewClient creates a client authenticating with token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:  DefaultBaseURL,
		token:    token,
		client:   &http.Client{Timeout: 120 * time.Second},
		executor: failsafe.With(NewRetryPolicy(DefaultRetryConfig())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsConfigured reports whether a token is available.
func (c *Client) IsConfigured() bool {
	return c.token != ""
}

// RunActor starts actorID ("owner/name"), waits for it to finish and
// returns the items of its default dataset. An empty dataset is ErrEmptyDataset.
func (c *Client) RunActor(ctx context.Context, actorID string, input any) ([]json.RawMessage, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding actor input: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/acts/%s/run-sync-get-dataset-items?%s",
		c.baseURL,
		url.PathEscape(strings.Replace(actorID, "/", "~", 1)),
		url.Values{"token": {c.token}}.Encode(),
	)

	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		if resp != nil {
			// Retries exhausted on a retryable status; the body is already closed.
			return nil, fmt.Errorf("running actor %s: %w", actorID, &StatusError{StatusCode: resp.StatusCode})
		}
		return nil, fmt.Errorf("running actor %s: %w", actorID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("running actor %s: %w", actorID,
			&StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))})
	}

	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decoding dataset of %s: %w", actorID, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("running actor %s: %w", actorID, ErrEmptyDataset)
	}
	return items, nil
}

func (c *Client) doRequest(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	return c.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if ShouldRetry(resp, err) && resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return resp, err
	})
}
