// Package transport performs signed GET calls against the verification
// service and returns the raw body together with its signature header.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/wondertwin-ai/phoneverify/internal/metrics"
	"github.com/wondertwin-ai/phoneverify/internal/signing"
)

// Default timeouts for a remote call.
const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultReadTimeout    = 10 * time.Second
)

// Header names exchanged with the service.
const (
	HeaderOSFamily        = "X-SDK-OS-Family"
	HeaderOSRevision      = "X-SDK-OS-Revision"
	HeaderSDKRevision     = "X-SDK-Revision"
	HeaderContentEncoding = "Content-Encoding"
	HeaderSignature       = "X-Response-Signature"
)

// Headers are the fixed client identification headers sent on every call.
type Headers struct {
	OSFamily    string
	OSRevision  string
	SDKRevision string
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Headers        Headers
}

// BreakerConfig enables a circuit breaker in front of the service.
type BreakerConfig struct {
	MaxFailures uint32
	Interval    time.Duration
	Timeout     time.Duration
}

// Request names a remote method and its unsigned parameters.
type Request struct {
	Method string
	Params map[string]string
}

// Response is a successful (HTTP 200, non-empty) reply.
type Response struct {
	Body      []byte
	Signature string
}

// Client signs and executes requests. It never retries.
type Client struct {
	cfg     Config
	signer  *signing.Signer
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	log     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Timeouts from Config
// are not applied to it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics records every call on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithBreaker wraps calls in a circuit breaker that opens after
// cfg.MaxFailures consecutive failures.
func WithBreaker(cfg BreakerConfig) Option {
	return func(c *Client) {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "verify-service",
			MaxRequests: 1,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.log.Info("circuit breaker state",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
}

// New creates a Client. Zero timeouts fall back to the defaults.
func New(cfg Config, signer *signing.Signer, opts ...Option) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	c := &Client{
		cfg:    cfg,
		signer: signer,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.ReadTimeout,
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
			},
			Timeout: cfg.ConnectTimeout + cfg.ReadTimeout,
		}
	}
	return c
}

// Open signs a copy of req.Params and builds the GET request for req.Method.
func (c *Client) Open(ctx context.Context, req Request) (*http.Request, error) {
	params := make(map[string]string, len(req.Params)+2)
	for k, v := range req.Params {
		params[k] = v
	}
	c.signer.Sign(params)

	q := url.Values{}
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	target := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(req.Method, "/") + "?" + q.Encode()

	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &Error{Method: req.Method, Err: err}
	}
	hr.Header.Set(HeaderOSFamily, c.cfg.Headers.OSFamily)
	hr.Header.Set(HeaderOSRevision, c.cfg.Headers.OSRevision)
	hr.Header.Set(HeaderSDKRevision, c.cfg.Headers.SDKRevision)
	hr.Header.Set(HeaderContentEncoding, "UTF-8")
	return hr, nil
}

// Execute sends an opened request. The body is always closed before return.
func (c *Client) Execute(hr *http.Request) (*Response, error) {
	method := strings.TrimPrefix(hr.URL.Path, "/")
	resp, err := c.http.Do(hr)
	if err != nil {
		// The query carries the token and PIN; keep them out of error text.
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = hr.URL.Scheme + "://" + hr.URL.Host + hr.URL.Path
		}
		return nil, &Error{Method: method, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Method: method, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading body: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Method: method, StatusCode: resp.StatusCode, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body))}
	}
	if len(body) == 0 {
		return nil, &Error{Method: method, StatusCode: resp.StatusCode, Err: ErrEmptyBody}
	}
	return &Response{Body: body, Signature: resp.Header.Get(HeaderSignature)}, nil
}

// Do opens and executes req, through the circuit breaker when one is set.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := c.call(ctx, req)
	elapsed := time.Since(start)

	outcome := metrics.OutcomeOK
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = metrics.OutcomeRejected
	case err != nil:
		outcome = metrics.OutcomeTransport
	}
	c.metrics.ObserveRequest(req.Method, outcome, elapsed)

	if err != nil {
		c.log.Warn("remote call failed",
			zap.String("method", req.Method),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}
	c.log.Debug("remote call",
		zap.String("method", req.Method),
		zap.Int("bytes", len(resp.Body)),
		zap.Duration("elapsed", elapsed))
	return resp, nil
}

func (c *Client) call(ctx context.Context, req Request) (*Response, error) {
	if c.breaker == nil {
		return c.roundTrip(ctx, req)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, req)
	})
	if err != nil {
		var terr *Error
		if errors.As(err, &terr) {
			return nil, err
		}
		return nil, &Error{Method: req.Method, Err: err}
	}
	return out.(*Response), nil
}

func (c *Client) roundTrip(ctx context.Context, req Request) (*Response, error) {
	hr, err := c.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.Execute(hr)
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
