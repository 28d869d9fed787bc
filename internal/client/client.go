// Package client assembles a ready-to-use verification client from
// configuration, and talks to the sandbox admin API.
package client

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wondertwin-ai/phoneverify/internal/config"
	"github.com/wondertwin-ai/phoneverify/internal/device"
	"github.com/wondertwin-ai/phoneverify/internal/metrics"
	"github.com/wondertwin-ai/phoneverify/internal/service"
	"github.com/wondertwin-ai/phoneverify/internal/signing"
	"github.com/wondertwin-ai/phoneverify/internal/transport"
	"github.com/wondertwin-ai/phoneverify/internal/verify"
	"github.com/wondertwin-ai/phoneverify/internal/workerpool"
)

// Client is a verification session together with the pool and transport
// it runs on.
type Client struct {
	*verify.Session

	Transport *transport.Client
	Metrics   *metrics.Metrics
	pool      *workerpool.Pool
	log       *zap.Logger
}

type options struct {
	log     *zap.Logger
	reg     prometheus.Registerer
	http    *http.Client
	device  device.Provider
	session []verify.Option
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger for every layer.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRegisterer registers client metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithHTTPClient replaces the transport's HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.http = hc }
}

// WithDevice replaces host detection.
func WithDevice(p device.Provider) Option {
	return func(o *options) { o.device = p }
}

// WithSessionOptions passes extra options to the session.
func WithSessionOptions(opts ...verify.Option) Option {
	return func(o *options) { o.session = append(o.session, opts...) }
}

// New validates cfg and builds the client stack. Close releases the
// worker pool.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.device == nil {
		o.device = device.Detect(device.Properties{
			DeviceID: cfg.Device.ID,
			SourceIP: cfg.Device.SourceIP,
			Language: cfg.Device.Language,
		})
	}

	m := metrics.New(o.reg)
	signer := signing.New(cfg.App.SharedSecret)

	topts := []transport.Option{transport.WithLogger(o.log.Named("transport")), transport.WithMetrics(m)}
	if o.http != nil {
		topts = append(topts, transport.WithHTTPClient(o.http))
	}
	if cfg.Breaker.Enabled {
		topts = append(topts, transport.WithBreaker(transport.BreakerConfig{
			MaxFailures: cfg.Breaker.MaxFailures,
			Interval:    cfg.Breaker.Interval,
			Timeout:     cfg.Breaker.Timeout,
		}))
	}
	tc := transport.New(transport.Config{
		BaseURL:        cfg.BaseURL(),
		ConnectTimeout: cfg.Timeouts.Connect,
		ReadTimeout:    cfg.Timeouts.Read,
		Headers: transport.Headers{
			OSFamily:    cfg.SDK.OSFamily,
			OSRevision:  cfg.SDK.OSRevision,
			SDKRevision: cfg.SDK.Revision,
		},
	}, signer, topts...)

	svc := service.New(tc, signer, service.Environment{
		AppID:     cfg.App.ID,
		Device:    o.device,
		PushToken: cfg.Device.PushToken,
	}, service.WithLogger(o.log.Named("service")))

	pool := workerpool.New(cfg.Workers.Count, cfg.Workers.Queue, workerpool.WithLogger(o.log.Named("pool")))

	sopts := append([]verify.Option{
		verify.WithLogger(o.log.Named("session")),
		verify.WithMetrics(m),
		verify.WithCommandDelay(cfg.Timeouts.CommandDelay),
	}, o.session...)

	o.log.Debug("client ready",
		zap.String("environment", string(cfg.Environment)),
		zap.String("base_url", cfg.BaseURL()),
		zap.String("device_id", o.device.Properties().DeviceID))

	return &Client{
		Session:   verify.NewSession(svc, pool, sopts...),
		Transport: tc,
		Metrics:   m,
		pool:      pool,
		log:       o.log,
	}, nil
}

// Pool exposes worker counters.
func (c *Client) Pool() workerpool.Stats { return c.pool.Stats() }

// Close waits for queued operations and stops the workers.
func (c *Client) Close() {
	c.pool.Close()
	_ = c.log.Sync()
}
