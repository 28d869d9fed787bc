// twin-verify is a sandbox for the phone verification API. It serves the
// signed /sdk methods with in-memory state, issues PIN codes readable via
// /admin/otp, and exposes the admin control plane for tests.
//
// Credentials default to the client configuration (~/.phoneverify/config.yaml
// and the PHONEVERIFY_* environment) so a client pointed at the sandbox
// works without extra setup.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wondertwin-ai/phoneverify/internal/config"
	"github.com/wondertwin-ai/phoneverify/internal/logging"
	"github.com/wondertwin-ai/phoneverify/internal/metrics"
	"github.com/wondertwin-ai/phoneverify/internal/twin/api"
	"github.com/wondertwin-ai/phoneverify/internal/twin/store"
	"github.com/wondertwin-ai/phoneverify/pkg/admin"
	"github.com/wondertwin-ai/phoneverify/pkg/twincore"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

const defaultPort = 4250

type options struct {
	twin     twincore.Config
	creds    api.Credentials
	settings store.Settings

	verifyRate  float64
	verifyBurst int

	logLevel string
	logDev   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &options{
		twin:        twincore.Config{Name: "twin-verify", Port: defaultPort},
		verifyRate:  float64(api.DefaultVerifyRate),
		verifyBurst: api.DefaultVerifyBurst,
		logLevel:    "info",
	}
	if cfg, err := config.Load(); err == nil {
		o.creds = api.Credentials{AppID: cfg.App.ID, Secret: cfg.App.SharedSecret}
		o.logLevel = cfg.Log.Level
	}

	cmd := &cobra.Command{
		Use:          "twin-verify",
		Short:        "Sandbox phone verification service",
		Version:      version,
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			log, err := logging.New(config.Log{Level: o.logLevel, Development: o.logDev})
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			twin, _, err := build(o, log)
			if err != nil {
				return err
			}
			return twin.Serve()
		},
	}

	fs := cmd.Flags()
	twincore.BindFlags(fs, &o.twin)
	fs.StringVar(&o.creds.AppID, "app-id", o.creds.AppID, "application id accepted by the sandbox")
	fs.StringVar(&o.creds.Secret, "secret", o.creds.Secret, "shared secret for request and response signatures")
	fs.IntVar(&o.settings.CodeLength, "code-length", store.DefaultCodeLength, "digits per PIN code")
	fs.DurationVar(&o.settings.CodeTTL, "code-ttl", store.DefaultCodeTTL, "lifetime of a PIN code")
	fs.IntVar(&o.settings.MaxAttempts, "max-attempts", store.DefaultMaxAttempts, "wrong codes before a verification fails")
	fs.DurationVar(&o.settings.TokenTTL, "token-ttl", store.DefaultTokenTTL, "lifetime of a session token")
	fs.DurationVar(&o.settings.CommandDelay, "command-delay", store.DefaultCommandDelay, "wait before cancel or next-event is accepted")
	fs.Float64Var(&o.verifyRate, "verify-rate", o.verifyRate, "verify calls per second per number (0 disables)")
	fs.IntVar(&o.verifyBurst, "verify-burst", o.verifyBurst, "verify calls allowed in a burst per number")
	fs.StringVar(&o.logLevel, "log-level", o.logLevel, "debug, info, warn or error")
	fs.BoolVar(&o.logDev, "log-dev", false, "human readable console logs")
	return cmd
}

// build wires the store, API and admin plane onto a twin server.
func build(o *options, log *zap.Logger) (*twincore.Twin, *store.MemoryStore, error) {
	if err := o.twin.Finalize(); err != nil {
		return nil, nil, err
	}
	if o.creds.AppID == "" || o.creds.Secret == "" {
		return nil, nil, errors.New("--app-id and --secret are required (or set " +
			config.EnvAppID + " and " + config.EnvSharedSecret + ")")
	}

	twin := twincore.New(&o.twin, twincore.WithLogger(log))
	memStore := store.New(o.settings)

	handler := api.NewHandler(memStore, twin.Middleware(), o.creds,
		api.WithLogger(twin.Logger.Named("api")),
		api.WithMetrics(metrics.NewService(twin.Registry)),
		api.WithVerifyLimit(rate.Limit(o.verifyRate), o.verifyBurst),
	)
	handler.Routes(twin.Router)
	admin.NewHandler(handler, twin.Middleware(), memStore.Clock).Routes(twin.Router)

	if o.twin.SeedFile != "" {
		data, err := os.ReadFile(o.twin.SeedFile)
		if err != nil {
			return nil, nil, fmt.Errorf("reading seed file: %w", err)
		}
		if err := handler.LoadState(data); err != nil {
			return nil, nil, fmt.Errorf("loading seed data: %w", err)
		}
		twin.Logger.Info("loaded seed data", zap.String("file", o.twin.SeedFile))
	}

	twin.Logger.Info("twin-verify ready",
		zap.Int("port", o.twin.Port),
		zap.String("app_id", o.creds.AppID),
		zap.Int("code_length", memStore.Settings.CodeLength),
		zap.Duration("command_delay", memStore.Settings.CommandDelay),
		zap.Duration("token_ttl", memStore.Settings.TokenTTL),
		zap.Duration("latency", o.twin.Latency),
		zap.Float64("fail_rate", o.twin.FailRate),
	)
	return twin, memStore, nil
}
