package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wondertwin-ai/phoneverify/internal/client"
	"github.com/wondertwin-ai/phoneverify/internal/config"
	"github.com/wondertwin-ai/phoneverify/internal/service"
	"github.com/wondertwin-ai/phoneverify/internal/verify"
)

var errNoPin = errors.New("no PIN entered")

func (a *app) startCmd() *cobra.Command {
	var sandboxOTP bool
	cmd := &cobra.Command{
		Use:   "start <country> <number>",
		Short: "Start a verification and prompt for the PIN",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := a.client()
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := a.context(cmd)
			defer cancel()

			st, err := c.StartVerification(ctx, args[0], args[1]).Wait(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", st)
			if st != verify.StatusPending {
				return nil
			}

			next := prompt(cmd.InOrStdin(), cmd.OutOrStdout())
			if sandboxOTP {
				next = sandboxPin(ctx, cfg, args[0], args[1])
			}
			return checkLoop(ctx, cmd.OutOrStdout(), c, next)
		},
	}
	cmd.Flags().BoolVar(&sandboxOTP, "sandbox-otp", false, "read the PIN from the sandbox admin API instead of stdin")
	return cmd
}

// checkLoop reads PINs from next until the verification leaves Pending.
// A wrong PIN asks again.
func checkLoop(ctx context.Context, out io.Writer, c *client.Client, next func() (string, error)) error {
	for {
		pin, err := next()
		if err != nil {
			return err
		}
		st, err := c.CheckPin(ctx, pin).Wait(ctx)
		switch {
		case err == nil:
			fmt.Fprintf(out, "status: %s\n", st)
			return nil
		case verify.ErrorCode(err) == service.InvalidPinCode:
			fmt.Fprintln(out, "wrong PIN, try again")
		case st.Terminal():
			fmt.Fprintf(out, "status: %s\n", st)
			return err
		default:
			return err
		}
	}
}

func prompt(in io.Reader, out io.Writer) func() (string, error) {
	sc := bufio.NewScanner(in)
	return func() (string, error) {
		fmt.Fprint(out, "PIN: ")
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", errNoPin
		}
		return strings.TrimSpace(sc.Text()), nil
	}
}

func sandboxPin(ctx context.Context, cfg *config.Config, country, number string) func() (string, error) {
	return func() (string, error) {
		base, err := client.AdminURL(cfg.BaseURL())
		if err != nil {
			return "", err
		}
		return client.NewAdmin(base).OTP(ctx, digitsOf(country), digitsOf(number))
	}
}

// digitsOf strips formatting the session also ignores.
func digitsOf(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <country> <number>",
		Short: "Query the user status of a number",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := a.client()
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := a.context(cmd)
			defer cancel()

			st, err := c.QueryStatus(ctx, args[0], args[1]).Wait(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user status: %s\n", st)
			return nil
		},
	}
}

func (a *app) commandCmd(use, short string, command service.Command) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <country> <number>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := a.client()
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := a.context(cmd)
			defer cancel()

			if _, err := c.Command(ctx, args[0], args[1], command).Wait(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", command)
			return nil
		},
	}
}

func (a *app) otpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "otp <country> <number>",
		Short: "Read the last PIN issued by a sandbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			pin, err := sandboxPin(ctx, cfg, args[0], args[1])()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pin)
			return nil
		},
	}
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.cfgPath
			if path == "" {
				p, err := config.Path()
				if err != nil {
					return err
				}
				path = p
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}
			if err := config.SaveTo(path, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with the secret masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if cfg.App.SharedSecret != "" {
				cfg.App.SharedSecret = "********"
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
