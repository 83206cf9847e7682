// Package remote talks to the library server: it uploads files and metadata
// for the job queues and lists remote library contents.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	logx "syncq/pkg/logx"
)

var ErrNoBaseURL = errors.New("remote: base_url is required")

type Config struct {
	BaseURL     string
	LibraryRoot string
	Timeout     time.Duration
	RatePerSec  int
	// TokenEnv names the environment variable holding the bearer token.
	TokenEnv string
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Retryable reports whether the server may succeed on a later attempt.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

type Client struct {
	base    *url.URL
	root    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	unauthorized chan struct{}
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, ErrNoBaseURL
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("remote: parse base_url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		base:    base,
		root:    cfg.LibraryRoot,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: lim,
		log:     log,

		unauthorized: make(chan struct{}, 1),
	}
	if cfg.TokenEnv != "" {
		c.token = strings.TrimSpace(os.Getenv(cfg.TokenEnv))
	}
	return c, nil
}

func (c *Client) endpoint(p string, q url.Values) string {
	u := c.base.ResolveReference(&url.URL{Path: strings.TrimPrefix(p, "/")})
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Unauthorized signals (coalesced) whenever the server answers 401, which
// means the session behind the token has ended.
func (c *Client) Unauthorized() <-chan struct{} { return c.unauthorized }

// payload is a request body of known length that can be read more than once,
// so redirects and auth retries inside net/http can replay it.
type payload struct {
	size int64
	open func() io.ReadCloser
}

func bytesPayload(b []byte) *payload {
	return &payload{size: int64(len(b)), open: func() io.ReadCloser { return io.NopCloser(bytes.NewReader(b)) }}
}

// filePayload streams the first size bytes of f. The caller keeps f open
// until the request returns.
func filePayload(f *os.File, size int64) *payload {
	return &payload{size: size, open: func() io.ReadCloser { return io.NopCloser(io.NewSectionReader(f, 0, size)) }}
}

// do sends one request and returns the response body of a 2xx answer.
func (c *Client) do(ctx context.Context, method, p string, q url.Values, body *payload, contentType string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(p, q), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Body = body.open()
		req.ContentLength = body.size
		req.GetBody = func() (io.ReadCloser, error) { return body.open(), nil }
		if body.size == 0 {
			req.Body = http.NoBody
		}
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("request failed", logx.String("req_id", reqID), logx.String("method", method), logx.String("path", p), logx.Err(err))
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.log.Debug("request done",
		logx.String("req_id", reqID),
		logx.String("method", method),
		logx.String("path", p),
		logx.Int("status", resp.StatusCode),
		logx.Duration("elapsed", time.Since(start)),
	)
	if resp.StatusCode == http.StatusUnauthorized {
		select {
		case c.unauthorized <- struct{}{}:
		default:
		}
	}
	if resp.StatusCode/100 != 2 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return raw, &StatusError{Method: method, Path: p, Code: resp.StatusCode, Body: msg}
	}
	return raw, nil
}

// Retryable classifies an upload error: server-side and transport problems
// are retryable, client errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) || errors.Is(err, errNotRegular) {
		return false
	}
	// Transport errors, timeouts and truncated responses.
	return true
}
