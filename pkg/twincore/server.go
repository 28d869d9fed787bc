// Package twincore provides the HTTP server, flags, middleware chain and
// response helpers for the sandbox verification server.
package twincore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// Config holds the server settings shared by every sandbox.
type Config struct {
	Name     string
	Port     int
	Latency  time.Duration
	FailRate float64
	SeedFile string
	Verbose  bool
}

// BindFlags registers the common flags on fs, writing into cfg.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port (falls back to $PORT)")
	fs.DurationVar(&cfg.Latency, "latency", cfg.Latency, "base simulated latency")
	fs.Float64Var(&cfg.FailRate, "fail-rate", cfg.FailRate, "random failure rate 0.0-1.0")
	fs.StringVar(&cfg.SeedFile, "seed-file", cfg.SeedFile, "JSON fixture loaded as initial state")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "log every request")
}

// Finalize applies environment fallbacks after flag parsing.
func (c *Config) Finalize() error {
	if c.Port == 0 {
		if p := os.Getenv("PORT"); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				return fmt.Errorf("invalid PORT %q: %w", p, err)
			}
			c.Port = n
		}
	}
	if c.FailRate < 0 || c.FailRate > 1 {
		return fmt.Errorf("fail-rate must be between 0.0 and 1.0, got %v", c.FailRate)
	}
	return nil
}

// Twin is the base server: a chi router with the common middleware stack,
// a logger and a metrics registry served on /metrics.
type Twin struct {
	Config   *Config
	Router   *chi.Mux
	Logger   *zap.Logger
	Registry *prometheus.Registry
	mw       *Middleware
}

// Option configures a Twin.
type Option func(*Twin)

// WithLogger replaces the default logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Twin) { t.Logger = l }
}

// New creates a Twin from cfg.
func New(cfg *Config, opts ...Option) *Twin {
	t := &Twin{
		Config:   cfg,
		Router:   chi.NewRouter(),
		Logger:   zap.NewNop(),
		Registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.Logger = t.Logger.Named(cfg.Name)
	t.Registry.MustRegister(collectors.NewGoCollector())
	t.mw = NewMiddleware(cfg, t.Logger)

	// Latency and failure middleware check the config themselves.
	t.Router.Use(chimw.RequestID)
	t.Router.Use(chimw.RealIP)
	t.Router.Use(chimw.Recoverer)
	t.Router.Use(t.mw.RequestLog)
	t.Router.Use(t.mw.LatencyInjection)
	t.Router.Use(t.mw.RandomFailure)

	t.Router.Handle("/metrics", promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{}))
	return t
}

// Middleware exposes the request log and fault registry.
func (t *Twin) Middleware() *Middleware {
	return t.mw
}

// Serve listens on the configured port until SIGINT or SIGTERM.
func (t *Twin) Serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return t.ServeContext(ctx)
}

// ServeContext listens until ctx is done, then shuts down gracefully.
func (t *Twin) ServeContext(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", t.Config.Port),
		Handler:      t.Router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		t.Logger.Info("starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	t.Logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ServeHTTP lets tests drive the Twin directly.
func (t *Twin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.Router.ServeHTTP(w, r)
}

// JSON writes v as a JSON response.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// Error writes a JSON error envelope.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    http.StatusText(status),
			"code":    status,
		},
	})
}
