// Package config loads and manages the verification client configuration
// stored at ~/.phoneverify/config.yaml, with overrides from the environment
// and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// DefaultConfigDir is the directory under the user's home for client state.
const DefaultConfigDir = ".phoneverify"

// DefaultConfigFile is the config file name within the config directory.
const DefaultConfigFile = "config.yaml"

// Environment variables that override file values.
const (
	EnvAppID        = "PHONEVERIFY_APP_ID"
	EnvSharedSecret = "PHONEVERIFY_SHARED_SECRET"
	EnvEnvironment  = "PHONEVERIFY_ENV"
	EnvBaseURL      = "PHONEVERIFY_BASE_URL"
	EnvLogLevel     = "PHONEVERIFY_LOG_LEVEL"
)

// Environment selects which endpoint the client talks to.
type Environment string

const (
	Production Environment = "production"
	Sandbox    Environment = "sandbox"
)

// Default endpoints. The sandbox default matches cmd/twin-verify.
const (
	DefaultProductionURL = "https://api.nexmo.com/sdk"
	DefaultSandboxURL    = "http://localhost:4250/sdk"
)

// App holds the application credentials.
type App struct {
	ID           string `yaml:"id"`
	SharedSecret string `yaml:"shared_secret"`
}

// Endpoints are the base URLs per environment.
type Endpoints struct {
	Production string `yaml:"production"`
	Sandbox    string `yaml:"sandbox"`
	// Override wins over both when set, e.g. from PHONEVERIFY_BASE_URL.
	Override string `yaml:"override,omitempty"`
}

// Timeouts bound remote calls and local command gating.
type Timeouts struct {
	Connect      time.Duration `yaml:"connect"`
	Read         time.Duration `yaml:"read"`
	CommandDelay time.Duration `yaml:"command_delay"`
}

// Workers size the background pool running session operations.
type Workers struct {
	Count int `yaml:"count"`
	Queue int `yaml:"queue"`
}

// SDK is the client identification sent as request headers.
type SDK struct {
	OSFamily   string `yaml:"os_family"`
	OSRevision string `yaml:"os_revision"`
	Revision   string `yaml:"revision"`
}

// Device overrides detected device properties. Empty fields are detected.
type Device struct {
	ID        string `yaml:"id,omitempty"`
	SourceIP  string `yaml:"source_ip,omitempty"`
	Language  string `yaml:"language,omitempty"`
	PushToken string `yaml:"push_token,omitempty"`
}

// Log configures the zap logger.
type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	// File enables rotated file output in addition to stderr.
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Breaker configures the optional transport circuit breaker.
type Breaker struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Metrics configures the Prometheus endpoint of long-running commands.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config represents the contents of ~/.phoneverify/config.yaml.
type Config struct {
	App         App         `yaml:"app"`
	Environment Environment `yaml:"environment"`
	Endpoints   Endpoints   `yaml:"endpoints"`
	Timeouts    Timeouts    `yaml:"timeouts"`
	Workers     Workers     `yaml:"workers"`
	SDK         SDK         `yaml:"sdk"`
	Device      Device      `yaml:"device"`
	Log         Log         `yaml:"log"`
	Breaker     Breaker     `yaml:"breaker"`
	Metrics     Metrics     `yaml:"metrics"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Environment: Sandbox,
		Endpoints: Endpoints{
			Production: DefaultProductionURL,
			Sandbox:    DefaultSandboxURL,
		},
		Timeouts: Timeouts{
			Connect:      15 * time.Second,
			Read:         10 * time.Second,
			CommandDelay: 30 * time.Second,
		},
		Workers: Workers{Count: 2, Queue: 32},
		SDK:     SDK{OSFamily: "linux", Revision: "1"},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
		},
		Metrics: Metrics{Addr: ":9464"},
	}
}

// Path returns the full path to the default config file.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// Load reads .env from the working directory, then the default config
// file. A missing file yields the defaults. Environment overrides apply
// last.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	path, err := Path()
	if err != nil {
		return nil, err
	}
	cfg, err := read(path, true)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFrom reads the config at path. Unlike Load the file must exist.
func LoadFrom(path string) (*Config, error) {
	cfg, err := read(path, false)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func read(path string, optional bool) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvAppID); ok {
		c.App.ID = v
	}
	if v, ok := os.LookupEnv(EnvSharedSecret); ok {
		c.App.SharedSecret = v
	}
	if v, ok := os.LookupEnv(EnvEnvironment); ok {
		c.Environment = Environment(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := os.LookupEnv(EnvBaseURL); ok {
		c.Endpoints.Override = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		c.Log.Level = v
	}
}

// Save writes cfg to the default config file.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveTo(path, cfg)
}

// SaveTo writes cfg to path, creating its directory. The file holds the
// shared secret and is written owner-only.
func SaveTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// BaseURL returns the endpoint for the selected environment without a
// trailing slash.
func (c *Config) BaseURL() string {
	u := c.Endpoints.Override
	if u == "" {
		if c.Environment == Production {
			u = c.Endpoints.Production
		} else {
			u = c.Endpoints.Sandbox
		}
	}
	return strings.TrimRight(u, "/")
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.App.ID == "" {
		errs = append(errs, errors.New("app.id is required"))
	}
	if c.App.SharedSecret == "" {
		errs = append(errs, errors.New("app.shared_secret is required"))
	}
	switch c.Environment {
	case Production, Sandbox:
	default:
		errs = append(errs, fmt.Errorf("environment %q must be %q or %q", c.Environment, Production, Sandbox))
	}
	if c.BaseURL() == "" {
		errs = append(errs, fmt.Errorf("no endpoint for environment %q", c.Environment))
	}
	if c.Timeouts.Connect <= 0 || c.Timeouts.Read <= 0 {
		errs = append(errs, errors.New("timeouts.connect and timeouts.read must be positive"))
	}
	if c.Timeouts.CommandDelay < 0 {
		errs = append(errs, errors.New("timeouts.command_delay must not be negative"))
	}
	if c.Workers.Count < 1 || c.Workers.Queue < 1 {
		errs = append(errs, errors.New("workers.count and workers.queue must be at least 1"))
	}
	if c.SDK.OSFamily == "" || c.SDK.Revision == "" {
		errs = append(errs, errors.New("sdk.os_family and sdk.revision are required"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}
