// Package transport sends one HTTP request per call over net/http.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout         = 30 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
)

// ErrBodyTooLarge is wrapped when a response body exceeds the configured
// limit. The body is not returned truncated.
var ErrBodyTooLarge = errors.New("response body too large")

// Request is a fully resolved request. Body is marshaled as JSON when set.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
	Timeout time.Duration
}

// Response is the raw outcome of a request that reached the server.
type Response struct {
	Status   int
	Headers  http.Header
	Body     []byte
	Duration time.Duration
}

// Error is a transport failure: no response was received.
type Error struct {
	Method  string
	URL     string
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s: timed out: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Sender is the collaborator the session dispatches through.
type Sender interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Config configures the HTTP client.
type Config struct {
	DefaultTimeout  time.Duration
	MaxResponseBody int64
}

// Client is the net/http Sender.
type Client struct {
	config Config
	http   *http.Client
	log    *zap.Logger
}

// New creates a Client. Zero config values take defaults.
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if log == nil {
		log = zap.NewNop()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &Client{
		config: cfg,
		http:   &http.Client{Transport: transport},
		log:    log,
	}
}

// Send performs req. A response with any status code is returned without
// error; only failures to obtain a response produce an *Error.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	fail := func(err error) (*Response, error) {
		return nil, &Error{Method: method, URL: req.URL, Timeout: isTimeout(err), Err: err}
	}

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return fail(fmt.Errorf("marshal body: %w", err))
		}
		body = bytes.NewReader(b)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, body)
	if err != nil {
		return fail(fmt.Errorf("create request: %w", err))
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	c.log.Debug("sending request",
		zap.String("method", method),
		zap.String("url", req.URL),
		zap.Duration("timeout", timeout))

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.log.Debug("request failed", zap.String("url", req.URL), zap.Error(err))
		return fail(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody+1))
	if err != nil {
		return fail(fmt.Errorf("read response body: %w", err))
	}
	if int64(len(data)) > c.config.MaxResponseBody {
		return fail(fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, c.config.MaxResponseBody))
	}
	out := &Response{
		Status:   resp.StatusCode,
		Headers:  resp.Header,
		Body:     data,
		Duration: time.Since(start),
	}
	c.log.Debug("response received",
		zap.String("url", req.URL),
		zap.Int("status", out.Status),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", out.Duration))
	return out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
