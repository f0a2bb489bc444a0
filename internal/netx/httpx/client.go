// Package httpx is the outbound HTTP layer shared by the extractors. It
// stacks per-host rate limiting, a per-host circuit breaker, a stable
// User-Agent, and charset normalization on top of net/http.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/net/html/charset"

	"github.com/gpupulse/gpupulse/internal/netx/ratelimit"
)

// userAgent is browser-like on purpose: the commerce listing pages serve a
// different (or empty) document to obvious bots.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Error is a failed HTTP exchange. StatusCode is zero for transport-level
// failures. RetryAfter carries the server's Retry-After instruction when the
// response included one.
type Error struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RetryAfterHint exposes the server wait instruction to the retry layer.
func (e *Error) RetryAfterHint() (time.Duration, bool) {
	return e.RetryAfter, e.RetryAfter > 0
}

// Retryable reports whether err is worth another attempt: transport
// failures, 429 and 5xx are; other 4xx are not.
func Retryable(err error) bool {
	var he *Error
	if !errors.As(err, &he) {
		return true
	}
	switch {
	case he.StatusCode == 0:
		return true
	case he.StatusCode == http.StatusTooManyRequests:
		return true
	case he.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// Client fetches pages with one token bucket and one circuit breaker per
// remote host.
type Client struct {
	http    *http.Client
	limiter *ratelimit.Limiter
	log     zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Options configures a Client. Zero values fall back to sane defaults.
type Options struct {
	Timeout      time.Duration
	RateLimitRPS float64
	Transport    http.RoundTripper
}

// NewClient builds the shared fetch client.
func NewClient(opts Options, log zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 1.0
	}
	return &Client{
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
		},
		limiter:  ratelimit.NewLimiter(opts.RateLimitRPS, 1),
		log:      log.With().Str("component", "httpx").Logger(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[host]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("host", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit state changed")
		},
	})
	c.breakers[host] = b
	return b
}

// Get fetches url and returns the body decoded to UTF-8. Responses declaring
// a legacy charset (EUC-KR on some Korean commerce pages) are transcoded
// using the Content-Type header and byte sniffing.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml,*/*")

	host := req.URL.Host
	if err := c.limiter.Wait(ctx, host); err != nil {
		return nil, &Error{URL: url, Err: err}
	}

	body, err := c.breaker(host).Execute(func() (any, error) {
		return c.do(req)
	})
	if err != nil {
		var he *Error
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, &Error{URL: url, Err: err}
	}
	return body.([]byte), nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("url", req.URL.String()).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("fetched")

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &Error{
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	reader, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		// Undecodable charset declaration; fall back to the raw bytes.
		reader = resp.Body
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &Error{URL: req.URL.String(), Err: err}
	}
	return body, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
