// Package http implements spec.md §4.1: a single REST transport per venue
// that cooperates with rate limits via a throttle window, runs a
// response-hook chain, and retries 429/418 responses exactly once per
// occurrence up to a bounded cap. Grounded on the teacher's
// internal/providers/kraken/client.go request plumbing and the
// http.RoundTripper middleware shape of internal/net/client/wrap.go.
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/segmentio/encoding/json"

	"github.com/sawpanic/marketdata/internal/ratelimit"
	"github.com/sawpanic/marketdata/internal/xerrors"
)

// DefaultRetryAfter is used when a 429/418 response omits Retry-After.
const DefaultRetryAfter = 1 * time.Second

// MaxRetryAfterRetries bounds how many 429/418 retries a single logical
// request will absorb before surfacing RateLimitError.
const MaxRetryAfterRetries = 1

// ResponseHook inspects a response after it is received. Returning ok=true
// with a non-negative seconds value asks the transport to throttle future
// requests for that many seconds from now. A hook that panics is recovered;
// hook failures never propagate to the caller.
type ResponseHook func(resp *http.Response) (seconds float64, ok bool)

// Config tunes a Client.
type Config struct {
	Venue      string
	BaseURL    string
	Timeout    time.Duration
	UserAgent  string
	RateLimit  *ratelimit.Limiter // optional
	Hooks      []ResponseHook
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "marketdata-go/1.0"
	}
	return c
}

// Client is a single venue's REST transport.
type Client struct {
	cfg    Config
	hc     *http.Client
	mu     sync.Mutex
	until  time.Time // throttle window end; zero means not throttled
}

// New constructs a Client.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg: cfg,
		hc: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// SetThrottle extends the throttle window to end `d` from now, unless the
// existing window already ends later (monotonicity invariant in spec.md §8).
func (c *Client) SetThrottle(d time.Duration) {
	if d <= 0 {
		return
	}
	newUntil := time.Now().Add(d)
	c.mu.Lock()
	defer c.mu.Unlock()
	if newUntil.After(c.until) {
		c.until = newUntil
	}
}

func (c *Client) waitThrottle(ctx context.Context) error {
	c.mu.Lock()
	until := c.until
	c.mu.Unlock()
	if until.IsZero() {
		return nil
	}
	d := time.Until(until)
	if d <= 0 {
		c.mu.Lock()
		if !c.until.After(until) {
			c.until = time.Time{}
		}
		c.mu.Unlock()
		return nil
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	if c.until.Equal(until) {
		c.until = time.Time{}
	}
	c.mu.Unlock()
	return nil
}

// Get issues a GET request and returns the raw response body.
func (c *Client) Get(ctx context.Context, path string, query url.Values, headers http.Header) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, query, nil, headers)
}

// Post issues a POST request with a JSON body and returns the raw response
// body.
func (c *Client) Post(ctx context.Context, path string, query url.Values, body any, headers http.Header) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, xerrors.Validation("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
		if headers == nil {
			headers = http.Header{}
		}
		if headers.Get("Content-Type") == "" {
			headers.Set("Content-Type", "application/json")
		}
	}
	return c.do(ctx, http.MethodPost, path, query, reader, headers)
}

// DecodeJSON is a convenience wrapper around Get that unmarshals the body.
func (c *Client) DecodeJSON(ctx context.Context, path string, query url.Values, headers http.Header, out any) error {
	body, err := c.Get(ctx, path, query, headers)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return xerrors.Data(c.cfg.Venue, fmt.Sprintf("decode response: %v", err))
	}
	return nil
}

func (c *Client) buildURL(path string, query url.Values) (string, error) {
	full := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		full = strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	u, err := url.Parse(full)
	if err != nil {
		return "", xerrors.Validation("invalid request path %q: %v", path, err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, headers http.Header) ([]byte, error) {
	fullURL, err := c.buildURL(path, query)
	if err != nil {
		return nil, err
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return nil, xerrors.Validation("read request body: %v", err)
		}
	}

	attempt := 0
	for {
		if err := c.waitThrottle(ctx); err != nil {
			return nil, err
		}
		if c.cfg.RateLimit != nil {
			if err := c.cfg.RateLimit.Wait(ctx); err != nil {
				return nil, err
			}
		}

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
		if err != nil {
			return nil, xerrors.Validation("build request: %v", err)
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", c.cfg.UserAgent)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, xerrors.Network(c.cfg.Venue, err)
		}

		c.runHooks(resp)

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, xerrors.Network(c.cfg.Venue, readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
			if attempt >= MaxRetryAfterRetries {
				return nil, xerrors.RateLimit(c.cfg.Venue, retryAfter(resp))
			}
			attempt++
			wait := retryAfter(resp)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode >= 400 {
			return nil, xerrors.Provider(c.cfg.Venue, strconv.Itoa(resp.StatusCode), string(respBody), resp.StatusCode)
		}

		return respBody, nil
	}
}

// runHooks invokes every registered hook, recovering panics so a hook
// failure never propagates to the caller (spec.md §4.1).
func (c *Client) runHooks(resp *http.Response) {
	for _, hook := range c.cfg.Hooks {
		func() {
			defer func() { _ = recover() }()
			if seconds, ok := hook(resp); ok && seconds >= 0 {
				c.SetThrottle(time.Duration(seconds * float64(time.Second)))
			}
		}()
	}
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(raw); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return DefaultRetryAfter
}
