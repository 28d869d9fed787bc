// verifyctl is a command line client for the phone verification API.
//
// Usage:
//
//	verifyctl start <country> <number>    Start a verification and prompt for the PIN
//	verifyctl status <country> <number>   Query the user status of a number
//	verifyctl cancel <country> <number>   Cancel a pending verification
//	verifyctl next <country> <number>     Trigger the next delivery of the PIN
//	verifyctl logout <country> <number>   Log a verified number out
//	verifyctl otp <country> <number>      Read the last PIN from a sandbox
//	verifyctl config init                 Write a default config file
//	verifyctl config show                 Print the effective configuration
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wondertwin-ai/phoneverify/internal/client"
	"github.com/wondertwin-ai/phoneverify/internal/config"
	"github.com/wondertwin-ai/phoneverify/internal/logging"
	"github.com/wondertwin-ai/phoneverify/internal/service"
	"github.com/wondertwin-ai/phoneverify/internal/verify"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds the global flags shared by every subcommand.
type app struct {
	cfgPath  string
	env      string
	baseURL  string
	logLevel string
	timeout  time.Duration
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "verifyctl",
		Short:         "Verify phone numbers from the command line",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "config file (default ~/.phoneverify/config.yaml)")
	pf.StringVar(&a.env, "env", "", "environment: production or sandbox")
	pf.StringVar(&a.baseURL, "base-url", "", "override the API base URL")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")
	pf.DurationVar(&a.timeout, "timeout", 2*time.Minute, "overall time limit")

	root.AddCommand(
		a.startCmd(),
		a.statusCmd(),
		a.commandCmd("cancel", "Cancel a pending verification", service.Cancel),
		a.commandCmd("next", "Trigger the next PIN delivery", service.TriggerNextEvent),
		a.commandCmd("logout", "Log a verified number out", service.Logout),
		a.otpCmd(),
		a.configCmd(),
	)
	wrapErrors(root)
	return root
}

// wrapErrors prints the error of any failing subcommand once, on stderr.
func wrapErrors(root *cobra.Command) {
	for _, c := range root.Commands() {
		run := c.RunE
		if run == nil {
			wrapErrors(c)
			continue
		}
		c.RunE = func(cmd *cobra.Command, args []string) error {
			err := run(cmd, args)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
			}
			return err
		}
	}
}

// config loads the file and applies flag overrides.
func (a *app) config() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if a.cfgPath != "" {
		cfg, err = config.LoadFrom(a.cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if a.env != "" {
		cfg.Environment = config.Environment(a.env)
	}
	if a.baseURL != "" {
		cfg.Endpoints.Override = a.baseURL
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	return cfg, nil
}

// client builds the verification client. The caller must Close it.
func (a *app) client() (*client.Client, *config.Config, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	c, err := client.New(cfg, client.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	c.AddListener(eventLogger(log))
	return c, cfg, nil
}

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.timeout)
}

// eventLogger records every session callback at debug level.
func eventLogger(log *zap.Logger) verify.EventSink {
	log = log.Named("events")
	return &verify.SinkFuncs{
		StatusChanged: func(s verify.Status) {
			log.Debug("status changed", zap.Stringer("status", s))
		},
		Error: func(code service.VerifyError, msg string) {
			log.Debug("error", zap.Stringer("code", code), zap.String("message", msg))
		},
		NetworkException: func(err error) {
			log.Debug("network exception", zap.Error(err))
		},
		CommandResult: func(cmd service.Command, ok bool, code service.VerifyError, msg string) {
			log.Debug("command result", zap.Stringer("command", cmd), zap.Bool("success", ok),
				zap.Stringer("code", code), zap.String("message", msg))
		},
		UserStatus: func(_, _ string, st service.UserStatus) {
			log.Debug("user status", zap.String("status", string(st)))
		},
	}
}
