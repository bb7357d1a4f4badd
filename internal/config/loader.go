package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the server looks for its configuration file
const DefaultPath = "steward.yaml"

// UserConfig is one entry of auth.users
type UserConfig struct {
	PasswordHash string   `yaml:"password_hash"`
	Groups       []string `yaml:"groups"`
}

// AuthConfig controls how callers are identified
type AuthConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Users   map[string]UserConfig `yaml:"users"`
}

// NATSConfig configures the optional NATS event relay
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Config represents steward.yaml
type Config struct {
	Listen string `yaml:"listen"`

	WorkerThreads int `yaml:"worker_threads"`
	WorkerQueue   int `yaml:"worker_queue"`

	TickInterval        time.Duration `yaml:"tick_interval"`
	ContinuationTimeout time.Duration `yaml:"continuation_timeout"`

	// MailboxSize is the service loop backlog that triggers a warning
	MailboxSize int `yaml:"mailbox_size"`

	// Timezone is an IANA zone name. Empty means the host's local zone.
	Timezone string `yaml:"timezone"`

	Permissions map[string][]string `yaml:"permissions"`
	Auth        AuthConfig          `yaml:"auth"`
	NATS        NATSConfig          `yaml:"nats"`

	// Extensions holds free-form settings per extension
	Extensions         map[string]map[string]any `yaml:"extensions"`
	DisabledExtensions []string                  `yaml:"disabled_extensions"`
}

// envOverrides are STEWARD_* variables. Unset variables stay nil and leave
// the file value alone.
type envOverrides struct {
	Listen              *string        `env:"STEWARD_LISTEN"`
	WorkerThreads       *int           `env:"STEWARD_WORKER_THREADS"`
	WorkerQueue         *int           `env:"STEWARD_WORKER_QUEUE"`
	TickInterval        *time.Duration `env:"STEWARD_TICK_INTERVAL"`
	ContinuationTimeout *time.Duration `env:"STEWARD_CONTINUATION_TIMEOUT"`
	MailboxSize         *int           `env:"STEWARD_MAILBOX_SIZE"`
	Timezone            *string        `env:"STEWARD_TIMEZONE"`
	AuthEnabled         *bool          `env:"STEWARD_AUTH_ENABLED"`
	NATSURL             *string        `env:"STEWARD_NATS_URL"`
	NATSSubjectPrefix   *string        `env:"STEWARD_NATS_SUBJECT_PREFIX"`
	DisabledExtensions  []string       `env:"STEWARD_DISABLED_EXTENSIONS" envSeparator:","`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Listen:              ":8080",
		WorkerThreads:       4,
		WorkerQueue:         16,
		TickInterval:        time.Minute,
		ContinuationTimeout: 30 * time.Second,
		MailboxSize:         1024,
		Permissions:         map[string][]string{},
		NATS:                NATSConfig{SubjectPrefix: "steward.events"},
		Extensions:          map[string]map[string]any{},
	}
}

// Loader reads the configuration file and environment
type Loader struct {
	path    string
	envFile string
	logger  *zap.Logger
	config  *Config
}

// NewLoader creates a loader for the file at path
func NewLoader(path string, logger *zap.Logger) *Loader {
	if path == "" {
		path = DefaultPath
	}
	return &Loader{
		path:    path,
		envFile: ".env",
		logger:  logger,
	}
}

// WithEnvFile changes the dotenv file loaded before the environment is read
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// Load reads the file, applies environment overrides and validates the
// result. A missing file is not an error; defaults are used.
func (l *Loader) Load() (*Config, error) {
	l.logger.Info("Loading configuration", zap.String("path", l.path))

	cfg := Default()

	data, err := os.ReadFile(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		l.logger.Warn("No configuration file found, using defaults", zap.String("path", l.path))
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil {
			l.logger.Debug("No .env file loaded", zap.String("path", l.envFile))
		}
	}

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	overrides.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	l.config = cfg
	l.logger.Info("Configuration loaded",
		zap.String("listen", cfg.Listen),
		zap.Int("worker_threads", cfg.WorkerThreads),
		zap.Int("worker_queue", cfg.WorkerQueue),
		zap.Int("permissions", len(cfg.Permissions)),
		zap.Bool("auth", cfg.Auth.Enabled))
	return cfg, nil
}

// Config returns the last loaded configuration
func (l *Loader) Config() *Config {
	return l.config
}

func (o envOverrides) apply(cfg *Config) {
	if o.Listen != nil {
		cfg.Listen = *o.Listen
	}
	if o.WorkerThreads != nil {
		cfg.WorkerThreads = *o.WorkerThreads
	}
	if o.WorkerQueue != nil {
		cfg.WorkerQueue = *o.WorkerQueue
	}
	if o.TickInterval != nil {
		cfg.TickInterval = *o.TickInterval
	}
	if o.ContinuationTimeout != nil {
		cfg.ContinuationTimeout = *o.ContinuationTimeout
	}
	if o.MailboxSize != nil {
		cfg.MailboxSize = *o.MailboxSize
	}
	if o.Timezone != nil {
		cfg.Timezone = *o.Timezone
	}
	if o.AuthEnabled != nil {
		cfg.Auth.Enabled = *o.AuthEnabled
	}
	if o.NATSURL != nil {
		cfg.NATS.URL = *o.NATSURL
	}
	if o.NATSSubjectPrefix != nil {
		cfg.NATS.SubjectPrefix = *o.NATSSubjectPrefix
	}
	if len(o.DisabledExtensions) > 0 {
		cfg.DisabledExtensions = o.DisabledExtensions
	}
}

// Validate checks values the server cannot start with
func (c *Config) Validate() error {
	if c.WorkerThreads < 1 {
		return fmt.Errorf("worker_threads must be at least 1, got %d", c.WorkerThreads)
	}
	if c.WorkerQueue < 0 {
		return fmt.Errorf("worker_queue cannot be negative, got %d", c.WorkerQueue)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval)
	}
	if c.ContinuationTimeout <= 0 {
		return fmt.Errorf("continuation_timeout must be positive, got %s", c.ContinuationTimeout)
	}
	for name, groups := range c.Permissions {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("permission name cannot be empty")
		}
		for _, g := range groups {
			if strings.TrimSpace(g) == "" {
				return fmt.Errorf("permission %s: group name cannot be empty", name)
			}
		}
	}
	if c.Auth.Enabled {
		for name, u := range c.Auth.Users {
			if u.PasswordHash == "" {
				return fmt.Errorf("auth user %s has no password_hash", name)
			}
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ExtensionSettings returns the settings section for an extension, never nil
func (c *Config) ExtensionSettings(name string) map[string]any {
	if s, ok := c.Extensions[name]; ok && s != nil {
		return s
	}
	return map[string]any{}
}
