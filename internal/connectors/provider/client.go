// Package provider is the HTTP plumbing shared by every connector: request
// authorization, throttling, bounded retries and error classification.
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultUserAgent  = "tally-connector/1.0"
	maxResponseBytes  = 8 << 20
	maxErrorBodyBytes = 512
	maxRetryBackoff   = 8 * time.Second
)

// Authorizer decorates outgoing requests with credentials.
type Authorizer interface {
	Authorize(ctx context.Context, req *http.Request) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, req *http.Request) error

func (f AuthorizerFunc) Authorize(ctx context.Context, req *http.Request) error { return f(ctx, req) }

type ClientOptions struct {
	HTTPClient *http.Client
	BaseURL    string
	Authorizer Authorizer
	Limiter    *rate.Limiter
	// MaxRetries bounds in-client retries of 429 and 5xx responses. Zero
	// leaves retrying to the caller.
	MaxRetries int
	UserAgent  string
}

// Client issues authorized JSON requests against one provider API.
type Client struct {
	http       *http.Client
	baseURL    string
	authorizer Authorizer
	limiter    *rate.Limiter
	maxRetries int
	userAgent  string
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func NewClient(opts ClientOptions) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base != "" {
		if _, err := url.Parse(base); err != nil {
			return nil, fmt.Errorf("invalid base url %q: %w", opts.BaseURL, err)
		}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		http:       httpClient,
		baseURL:    base,
		authorizer: opts.Authorizer,
		limiter:    opts.Limiter,
		maxRetries: retries,
		userAgent:  ua,
	}, nil
}

// BaseURL returns the configured API root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Get issues a GET for path relative to the base URL, or for path itself
// when it is already absolute.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, query, nil)
}

// Do sends one request, retrying transient statuses up to MaxRetries.
// Non-2xx responses are returned as *APIError.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body []byte) (*Response, error) {
	requestURL, err := c.resolve(path, query)
	if err != nil {
		return nil, err
	}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff
			var apiErr *APIError
			if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			if err := sleepWithContext(ctx, min(wait, maxRetryBackoff)); err != nil {
				return nil, err
			}
			backoff = min(backoff*2, maxRetryBackoff)
		}

		resp, err := c.once(ctx, method, requestURL, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, method, requestURL string, body []byte) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authorizer != nil {
		if err := c.authorizer.Authorize(ctx, req); err != nil {
			return nil, fmt.Errorf("authorize request: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			Method:     method,
			URL:        redactQuery(requestURL),
			StatusCode: resp.StatusCode,
			Body:       truncate(strings.TrimSpace(string(respBody)), maxErrorBodyBytes),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: respBody}, nil
}

func (c *Client) resolve(path string, query url.Values) (string, error) {
	var u *url.URL
	var err error
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		u, err = url.Parse(path)
	} else {
		if c.baseURL == "" {
			return "", errors.New("provider client has no base url")
		}
		u, err = url.Parse(c.baseURL + "/" + strings.TrimLeft(path, "/"))
	}
	if err != nil {
		return "", fmt.Errorf("invalid request url: %w", err)
	}
	if len(query) > 0 {
		merged := u.Query()
		for key, values := range query {
			merged.Del(key)
			for _, v := range values {
				merged.Add(key, v)
			}
		}
		u.RawQuery = merged.Encode()
	}
	return u.String(), nil
}

// APIError is a non-2xx provider response.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider request failed: %s %s status=%d body=%s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Retryable reports rate limiting and server side failures.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || (e.StatusCode >= 500 && e.StatusCode < 600)
}

// Unauthorized reports a rejected access token.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsRetryable reports whether err is worth retrying later: 429, 5xx or a
// network level failure. Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var retryable interface{ Retryable() bool }
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

// IsUnauthorized reports a 401 from the provider.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Unauthorized()
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if ts, err := http.ParseTime(raw); err == nil {
		if d := time.Until(ts); d > 0 {
			return d
		}
	}
	return 0
}

func redactQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
