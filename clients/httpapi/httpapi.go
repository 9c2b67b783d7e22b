// Package httpapi provides the shared JSON-over-HTTP client used by the
// service clients. It handles authentication headers, retry logic, and the
// mapping of HTTP statuses onto the engine's error sentinels.
package httpapi

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

	rserrors "github.com/commonsops/rostersync/pkg/errors"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/observability"
)

// Default client configuration values.
const (
	// DefaultTimeout bounds a single request attempt.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3

	// DefaultInitialBackoff is the delay before the first retry.
	DefaultInitialBackoff = 500 * time.Millisecond

	// DefaultMaxBackoff caps the delay between retries.
	DefaultMaxBackoff = 8 * time.Second

	// DefaultBackoffMultiplier is the backoff growth factor.
	DefaultBackoffMultiplier = 2.0
)

// maxResponseBytes caps how much of a response body is read into memory.
const maxResponseBytes = 10 << 20

// Options configures a Client. Start from DefaultOptions and override what
// the service needs.
type Options struct {
	// Timeout bounds each request attempt.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt. Only
	// idempotent methods retry, and only on transport errors and 5xx
	// responses.
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay after each retry.
	BackoffMultiplier float64

	// Headers are set on every request, typically authentication.
	Headers map[string]string

	// HTTPClient overrides the underlying transport.
	HTTPClient *http.Client

	// Logger receives request-level debug logging.
	Logger logging.Logger

	// Metrics counts outbound requests per service, method, and outcome.
	Metrics *observability.Metrics

	// Tracer opens a client span around each call.
	Tracer *observability.Tracer
}

// DefaultOptions returns Options with default values.
func DefaultOptions() *Options {
	return &Options{
		Timeout:           DefaultTimeout,
		MaxRetries:        DefaultMaxRetries,
		InitialBackoff:    DefaultInitialBackoff,
		MaxBackoff:        DefaultMaxBackoff,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

// Client is a JSON-over-HTTP client for one downstream service API.
type Client struct {
	service string
	baseURL string
	opts    Options
	http    *http.Client
	log     logging.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// New creates a Client for one downstream service. The service name labels
// the client in logs, metrics, and spans; baseURL is the API root. Nil opts
// means DefaultOptions.
func New(service, baseURL string, opts *Options) *Client {
	if opts == nil {
		opts = DefaultOptions()
	}

	o := *opts
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = DefaultBackoffMultiplier
	}

	httpClient := o.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: o.Timeout}
	}

	log := o.Logger
	if log == nil {
		log = logging.NewNopLogger()
	}

	tracer := o.Tracer
	if tracer == nil {
		tracer = observability.NewTracer()
	}

	return &Client{
		service: service,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		opts:    o,
		http:    httpClient,
		log:     log,
		metrics: o.Metrics,
		tracer:  tracer,
	}
}

// Service returns the service name this client is labeled with.
func (c *Client) Service() string {
	return c.service
}

// BaseURL returns the API root the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StatusError is a non-2xx API response. Body preserves the raw response so
// callers can inspect service-specific signals, such as a duplicate-invite
// message, before giving up.
type StatusError struct {
	Service string
	Method  string
	Path    string
	Code    int
	Body    string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s %s returned %d: %s", e.Service, e.Method, e.Path, e.Code, snippet(e.Body))
}

// Unwrap maps well-known statuses onto the shared sentinels so callers can
// test with errors.Is.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusUnauthorized:
		return rserrors.ErrUnauthorized
	case e.Code == http.StatusForbidden:
		return rserrors.ErrForbidden
	case e.Code == http.StatusNotFound:
		return rserrors.ErrNotFound
	case e.Code == http.StatusConflict:
		return rserrors.ErrConflict
	case e.Code >= 500:
		return rserrors.ErrUnavailable
	}
	return nil
}

// AsStatusError returns the *StatusError in err's chain, if any.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// DoJSON performs one JSON API call. Query parameters are appended to path,
// body is marshaled when non-nil, and a 2xx response is decoded into out when
// out is non-nil. Non-2xx responses return a *StatusError. Idempotent
// requests are retried on transport errors and 5xx responses with bounded
// exponential backoff.
func (c *Client) DoJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding %s %s request: %w", c.service, method, path, err)
		}
	}
	return c.call(ctx, method, path, query, "application/json", payload, out)
}

// DoForm posts form-encoded data and decodes the JSON response into out.
// Used by token endpoints that do not speak JSON on the way in. Form posts
// are never retried.
func (c *Client) DoForm(ctx context.Context, path string, form url.Values, out any) error {
	payload := []byte(form.Encode())
	return c.call(ctx, http.MethodPost, path, nil, "application/x-www-form-urlencoded", payload, out)
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, contentType string, payload []byte, out any) error {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	ctx, span := c.tracer.StartClientSpan(ctx, c.service, method+" "+path)
	defer span.End()
	helper := observability.NewSpanHelper(span)

	backoff := c.opts.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				helper.SetError(ctx.Err())
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * c.opts.BackoffMultiplier)
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
		}

		err := c.attempt(ctx, method, fullURL, path, contentType, payload, out)
		if err == nil {
			helper.SetSuccess()
			return nil
		}
		lastErr = err

		if !c.retryable(method, err) {
			break
		}
		c.log.Debug("retrying request",
			logging.F("service", c.service),
			logging.F("method", method),
			logging.F("path", path),
			logging.F("attempt", attempt+1),
			logging.Err(err),
		)
	}

	helper.SetError(lastErr)
	return lastErr
}

// attempt performs a single request and maps the response.
func (c *Client) attempt(ctx context.Context, method, fullURL, path, contentType string, payload []byte, out any) error {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return fmt.Errorf("%s: building %s %s request: %w", c.service, method, path, err)
	}
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveAPIRequest(c.service, method, "error")
		return fmt.Errorf("%s: %s %s: %w", c.service, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.metrics.ObserveAPIRequest(c.service, method, "error")
		return fmt.Errorf("%s: reading %s %s response: %w", c.service, method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.ObserveAPIRequest(c.service, method, statusClass(resp.StatusCode))
		return &StatusError{
			Service: c.service,
			Method:  method,
			Path:    path,
			Code:    resp.StatusCode,
			Body:    string(respBody),
		}
	}
	c.metrics.ObserveAPIRequest(c.service, method, statusClass(resp.StatusCode))

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: decoding %s %s response: %w", c.service, method, path, err)
	}
	return nil
}

// retryable reports whether a failed request may be reissued. Only idempotent
// methods qualify; the downstream create and invite endpoints are POSTs and
// must not be replayed.
func (c *Client) retryable(method string, err error) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
	default:
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	// Transport-level failure with no response.
	return true
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

func snippet(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 200 {
		return body[:200] + "..."
	}
	return body
}
