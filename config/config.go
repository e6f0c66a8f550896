// Package config loads the bot configuration from defaults, an optional
// YAML file, a .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the walletbot.yaml configuration.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Retry    RetryConfig    `yaml:"retry"`
	Outbound OutboundConfig `yaml:"outbound"`
	Reflect  ReflectConfig  `yaml:"reflect"`
}

type TelegramConfig struct {
	Token       string `yaml:"token"`
	BotName     string `yaml:"bot_name"`
	PollTimeout int    `yaml:"poll_timeout"` // seconds
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// HTTPConfig controls the admin API. An empty Addr disables it.
type HTTPConfig struct {
	Addr               string   `yaml:"addr"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// RetryConfig bounds the reflect side effect. MaxAttempts counts retries
// after the first attempt.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	PerAttemptTimeout time.Duration `yaml:"per_attempt_timeout"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
}

// OutboundConfig paces calls to the chat platform (messages per second).
type OutboundConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type ReflectMode string

const (
	ReflectEdit  ReflectMode = "edit"
	ReflectReply ReflectMode = "reply"
)

type ReflectConfig struct {
	Mode             ReflectMode   `yaml:"mode"`
	SendConfirmation bool          `yaml:"send_confirmation"`
	SendHints        bool          `yaml:"send_hints"`
	SweepInterval    time.Duration `yaml:"sweep_interval"` // 0 disables the sweep
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			BotName:     "WalletBot",
			PollTimeout: 60,
		},
		Database: DatabaseConfig{URL: "wallet_bot.db"},
		HTTP:     HTTPConfig{Addr: ""},
		Log:      LogConfig{Level: "info", Format: "console"},
		Retry: RetryConfig{
			MaxAttempts:       3,
			PerAttemptTimeout: 30 * time.Second,
			BaseDelay:         100 * time.Millisecond,
			MaxDelay:          30 * time.Second,
		},
		Outbound: OutboundConfig{Rate: 20, Burst: 5},
		Reflect: ReflectConfig{
			Mode:          ReflectEdit,
			SendHints:     true,
			SweepInterval: time.Minute,
		},
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes a Config to a YAML file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max retry attempts must be >= 0, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.PerAttemptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("per-attempt timeout must be positive, got %s", c.Retry.PerAttemptTimeout))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry max delay %s is below base delay %s", c.Retry.MaxDelay, c.Retry.BaseDelay))
	}
	if c.Reflect.Mode != ReflectEdit && c.Reflect.Mode != ReflectReply {
		errs = append(errs, fmt.Errorf("reflect mode must be %q or %q, got %q", ReflectEdit, ReflectReply, c.Reflect.Mode))
	}
	if c.Outbound.Rate < 0 || c.Outbound.Burst < 0 {
		errs = append(errs, errors.New("outbound rate and burst must be >= 0"))
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("TELEGRAM_BOT_TOKEN", &c.Telegram.Token)
	str("BOT_NAME", &c.Telegram.BotName)
	integer("TELEGRAM_POLL_TIMEOUT", &c.Telegram.PollTimeout)
	str("DATABASE_URL", &c.Database.URL)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	integer("MAX_RETRY_ATTEMPTS", &c.Retry.MaxAttempts)
	duration("PROCESSING_TIMEOUT", &c.Retry.PerAttemptTimeout)
	duration("RETRY_BASE_DELAY", &c.Retry.BaseDelay)
	duration("RETRY_MAX_DELAY", &c.Retry.MaxDelay)
	integer("OUTBOUND_BURST", &c.Outbound.Burst)
	boolean("SEND_CONFIRMATION", &c.Reflect.SendConfirmation)
	boolean("SEND_HINTS", &c.Reflect.SendHints)
	duration("REFLECT_SWEEP_INTERVAL", &c.Reflect.SweepInterval)

	if v, ok := os.LookupEnv("OUTBOUND_RATE"); ok {
		r, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("OUTBOUND_RATE: %w", err))
		} else {
			c.Outbound.Rate = r
		}
	}
	if v, ok := os.LookupEnv("REFLECT_MODE"); ok {
		c.Reflect.Mode = ReflectMode(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := os.LookupEnv("CORS_ALLOWED_ORIGINS"); ok {
		c.HTTP.CORSAllowedOrigins = splitList(v)
	}
	return errors.Join(errs...)
}

// ParseDuration accepts Go durations ("1m30s") and bare seconds ("30").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
