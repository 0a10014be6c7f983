// Package httpclient is the outbound HTTP adapter used for the payment endpoint and webhooks.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 10 * time.Second
	// The payments API is throttled at 5 requests per second with a burst of 1.
	DefaultRate  rate.Limit = 5
	DefaultBurst            = 1

	maxResponseBody = 1 << 20
)

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRateLimit sets the token bucket applied to every request. A zero limit disables it.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) {
		if r <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(r, burst)
	}
}

func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.Transport = otelhttp.NewTransport(rt) }
}

// Response is a fully read HTTP reply.
type Response struct {
	Status int
	Body   []byte
}

type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

func New(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(DefaultRate, DefaultBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Post sends body as JSON and reads the reply. Non-2xx replies are returned without error.
func (c *Client) Post(ctx context.Context, url string, body []byte) (Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("httpclient: rate limit: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("httpclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("httpclient: post %s: %w", url, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Response{Status: resp.StatusCode}, fmt.Errorf("httpclient: read response: %w", err)
	}
	return Response{Status: resp.StatusCode, Body: b}, nil
}
