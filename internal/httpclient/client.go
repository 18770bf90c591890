// Package httpclient provides the resilient HTTP client used for all
// upstream traffic: playlist fetches, redirect unwrapping, and segment
// downloads.
//
// It wraps the standard http.Client with:
//   - automatic retries with exponential backoff for transient failures
//   - a circuit breaker per client instance
//   - transparent response decompression (gzip, deflate, brotli)
//   - structured logging with credential redaction
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/zane33/plexbridge/internal/observability"
)

// Common errors returned by the client.
var (
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrMaxRetries       = errors.New("max retries exceeded")
	ErrTooManyRedirects = errors.New("too many redirects")
)

// Default configuration values.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = time.Second
	DefaultRetryMaxDelay    = 30 * time.Second
	DefaultBackoffFactor    = 2.0
	DefaultCircuitThreshold = 5
	DefaultCircuitTimeout   = 30 * time.Second
	DefaultMaxRedirects     = 5
	DefaultUserAgent        = "plexbridge/1.0"

	acceptEncodings = "gzip, deflate, br"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// Timeout is the overall request timeout.
	Timeout time.Duration

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// RetryAttempts is the number of retry attempts for failed requests.
	RetryAttempts int

	// RetryDelay is the initial delay between retries.
	RetryDelay time.Duration

	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay time.Duration

	// BackoffFactor multiplies the delay after each attempt.
	BackoffFactor float64

	// CircuitThreshold is the number of consecutive failures before the
	// circuit opens. Zero disables the breaker.
	CircuitThreshold int

	// CircuitTimeout is how long the circuit stays open before probing.
	CircuitTimeout time.Duration

	// MaxRedirects caps redirect hops. Redirect chains deeper than this
	// fail with ErrTooManyRedirects.
	MaxRedirects int

	// UserAgent is the default User-Agent header.
	UserAgent string

	// Logger is the structured logger for request/response logging.
	Logger *slog.Logger

	// DisableDecompression turns off transparent response decompression.
	DisableDecompression bool

	// BaseClient overrides the underlying http.Client. Used in tests.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          DefaultTimeout,
		ConnectTimeout:   DefaultConnectTimeout,
		RetryAttempts:    DefaultRetryAttempts,
		RetryDelay:       DefaultRetryDelay,
		RetryMaxDelay:    DefaultRetryMaxDelay,
		BackoffFactor:    DefaultBackoffFactor,
		CircuitThreshold: DefaultCircuitThreshold,
		CircuitTimeout:   DefaultCircuitTimeout,
		MaxRedirects:     DefaultMaxRedirects,
		UserAgent:        DefaultUserAgent,
	}
}

// Client is a resilient HTTP client.
type Client struct {
	cfg     Config
	client  *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a new resilient HTTP client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = DefaultBackoffFactor
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}

	client := cfg.BaseClient
	if client == nil {
		dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
		client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	maxRedirects := cfg.MaxRedirects
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return ErrTooManyRedirects
		}
		return nil
	}

	var breaker *CircuitBreaker
	if cfg.CircuitThreshold > 0 {
		breaker = NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout)
	}

	return &Client{cfg: cfg, client: client, breaker: breaker, logger: cfg.Logger}
}

// Do executes an HTTP request with circuit breaker protection and retries.
// Requests with non-replayable bodies are never retried.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if !c.cfg.DisableDecompression && req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", acceptEncodings)
	}

	retries := c.cfg.RetryAttempts
	if req.Body != nil && req.GetBody == nil {
		retries = 0
	}

	var lastErr error
	delay := c.cfg.RetryDelay

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("url", observability.RedactURL(req.URL.String())),
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}

			delay = time.Duration(float64(delay) * c.cfg.BackoffFactor)
			if delay > c.cfg.RetryMaxDelay {
				delay = c.cfg.RetryMaxDelay
			}

			if req.Body != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewinding request body: %w", err)
				}
				req.Body = body
			}
		}

		if c.breaker != nil && !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			continue
		}

		start := time.Now()
		resp, err := c.client.Do(req)
		elapsed := time.Since(start)

		if err != nil {
			c.recordFailure()
			lastErr = err
			c.logger.Warn("upstream request failed",
				slog.String("url", observability.RedactURL(req.URL.String())),
				slog.String("method", req.Method),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			// Redirect-loop failures are permanent.
			if errors.Is(err, ErrTooManyRedirects) || strings.Contains(err.Error(), ErrTooManyRedirects.Error()) {
				return nil, ErrTooManyRedirects
			}
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			c.recordFailure()
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode)
			resp.Body.Close()
			continue
		}

		c.recordSuccess()
		c.logger.Debug("upstream request completed",
			slog.String("url", observability.RedactURL(req.URL.String())),
			slog.String("method", req.Method),
			slog.Int("status", resp.StatusCode),
			slog.Duration("elapsed", elapsed),
		)

		if !c.cfg.DisableDecompression {
			resp.Body = wrapDecompression(resp, c.logger)
		}
		return resp, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
}

// Get performs a GET request to the specified URL.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// GetWithHeaders performs a GET request with per-stream header overrides.
// Empty values are skipped.
func (c *Client) GetWithHeaders(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return c.Do(req)
}

// CircuitState returns the breaker state, or CircuitClosed when disabled.
func (c *Client) CircuitState() CircuitState {
	if c.breaker == nil {
		return CircuitClosed
	}
	return c.breaker.State()
}

// StandardClient returns a *http.Client routing through this resilient
// client, for libraries that only accept the standard type.
func (c *Client) StandardClient() *http.Client {
	return &http.Client{
		Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			return c.Do(req)
		}),
		Timeout: c.cfg.Timeout,
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func (c *Client) recordFailure() {
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
}

func (c *Client) recordSuccess() {
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
}

// isRetryableStatus reports whether the HTTP status code is worth retrying.
// Client errors (4xx) other than 429 are permanent.
func isRetryableStatus(code int) bool {
	if code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500
}

// wrapDecompression wraps the response body with the decoder matching its
// Content-Encoding.
func wrapDecompression(resp *http.Response, logger *slog.Logger) io.ReadCloser {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "":
		return resp.Body
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			logger.Warn("gzip reader failed, returning raw body", slog.String("error", err.Error()))
			return resp.Body
		}
		return &decompressReader{reader: reader, closer: resp.Body}
	case "deflate":
		return &decompressReader{reader: flate.NewReader(resp.Body), closer: resp.Body}
	case "br":
		return &decompressReader{reader: brotli.NewReader(resp.Body), closer: resp.Body}
	default:
		return resp.Body
	}
}

// decompressReader pairs a decoder with the original body closer.
type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		closer.Close()
	}
	return d.closer.Close()
}
