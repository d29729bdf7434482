// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// minMasterSecret is the shortest master secret accepted in production.
const minMasterSecret = 32

type Config struct {
	Env        string           `yaml:"env"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Blob       StoreConfig      `yaml:"blob"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Seals      SealsConfig      `yaml:"seals"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Reaper     ReaperConfig     `yaml:"reaper"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	BaseURL         string        `yaml:"base_url"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	Type  string      `yaml:"type"`
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SecretsConfig holds the master secret and the previous secrets still
// honored while rotating.
type SecretsConfig struct {
	Master   string   `yaml:"master"`
	Previous []string `yaml:"previous"`
}

type SealsConfig struct {
	MaxBlobBytes     int           `yaml:"max_blob_bytes"`
	MaxKeyShareBytes int           `yaml:"max_key_share_bytes"`
	MaxIVLength      int           `yaml:"max_iv_length"`
	MaxUnlockMessage int           `yaml:"max_unlock_message"`
	MinUnlockDelay   time.Duration `yaml:"min_unlock_delay"`
	MaxUnlockWindow  time.Duration `yaml:"max_unlock_window"`
	MinPulseInterval time.Duration `yaml:"min_pulse_interval"`
	MaxPulseInterval time.Duration `yaml:"max_pulse_interval"`
	MaxSealAge       time.Duration `yaml:"max_seal_age"`
	MaxViews         int           `yaml:"max_views"`
	MaxRetention     time.Duration `yaml:"max_retention"`
	TokenMaxAge      time.Duration `yaml:"token_max_age"`
	VerifyBlobHash   bool          `yaml:"verify_blob_hash"`
	MaxJitter        time.Duration `yaml:"max_jitter"`
	HoneypotIDs      []string      `yaml:"honeypot_ids"`
}

type ResilienceConfig struct {
	Attempts      int           `yaml:"attempts"`
	Backoff       time.Duration `yaml:"backoff"`
	MinRequests   uint32        `yaml:"min_requests"`
	FailureRatio  float64       `yaml:"failure_ratio"`
	Interval      time.Duration `yaml:"interval"`
	OpenTimeout   time.Duration `yaml:"open_timeout"`
	MaxConcurrent int64         `yaml:"max_concurrent"`
	MaxPerCaller  int           `yaml:"max_per_caller"`
}

type ReaperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

func Default() *Config {
	return &Config{
		Env: EnvDevelopment,
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			BaseURL:         "http://localhost:8080",
			RequestTimeout:  30 * time.Second,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    35 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Blob: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
				DB:   1,
			},
		},
		Seals: SealsConfig{
			MaxBlobBytes:     750 * 1024,
			MaxKeyShareBytes: 256,
			MaxIVLength:      64,
			MaxUnlockMessage: 1000,
			MinUnlockDelay:   time.Minute,
			MaxUnlockWindow:  30 * 24 * time.Hour,
			MinPulseInterval: 5 * time.Minute,
			MaxPulseInterval: 30 * 24 * time.Hour,
			MaxSealAge:       365 * 24 * time.Hour,
			MaxViews:         100,
			MaxRetention:     365 * 24 * time.Hour,
			TokenMaxAge:      30 * 24 * time.Hour,
			VerifyBlobHash:   true,
			MaxJitter:        100 * time.Millisecond,
		},
		Resilience: ResilienceConfig{
			Attempts:      3,
			Backoff:       time.Second,
			MinRequests:   5,
			FailureRatio:  0.5,
			Interval:      time.Minute,
			OpenTimeout:   30 * time.Second,
			MaxConcurrent: 256,
			MaxPerCaller:  5,
		},
		Reaper: ReaperConfig{
			Interval: time.Minute,
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File not found is OK, use defaults
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// loadFromEnv overlays environment variables. Unlike the file, a malformed
// variable is an error rather than silently ignored.
func (c *Config) loadFromEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	list := func(name string, dst *[]string) {
		if v := os.Getenv(name); v != "" {
			*dst = splitList(v)
		}
	}

	str("ENV", &c.Env)

	// Server
	str("HOST", &c.Server.Host)
	num("PORT", &c.Server.Port)
	str("BASE_URL", &c.Server.BaseURL)
	list("ALLOWED_ORIGINS", &c.Server.AllowedOrigins)
	dur("REQUEST_TIMEOUT", &c.Server.RequestTimeout)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	str("STORE_TYPE", &c.Store.Type)
	str("REDIS_ADDR", &c.Store.Redis.Addr)
	str("REDIS_PASSWORD", &c.Store.Redis.Password)
	num("REDIS_DB", &c.Store.Redis.DB)

	str("BLOB_TYPE", &c.Blob.Type)
	str("BLOB_REDIS_ADDR", &c.Blob.Redis.Addr)
	str("BLOB_REDIS_PASSWORD", &c.Blob.Redis.Password)
	num("BLOB_REDIS_DB", &c.Blob.Redis.DB)

	str("MASTER_SECRET", &c.Secrets.Master)
	list("PREVIOUS_MASTER_SECRETS", &c.Secrets.Previous)

	num("MAX_BLOB_BYTES", &c.Seals.MaxBlobBytes)
	dur("TOKEN_MAX_AGE", &c.Seals.TokenMaxAge)
	dur("MAX_SEAL_AGE", &c.Seals.MaxSealAge)
	if v := os.Getenv("VERIFY_BLOB_HASH"); v != "" {
		c.Seals.VerifyBlobHash = v == "true" || v == "1"
	}

	num("MAX_PER_CALLER", &c.Resilience.MaxPerCaller)
	if v := os.Getenv("MAX_CONCURRENT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_CONCURRENT: %w", err))
		} else {
			c.Resilience.MaxConcurrent = n
		}
	}

	dur("REAPER_INTERVAL", &c.Reaper.Interval)

	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	switch c.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("invalid env: %s (must be 'development', 'production' or 'test')", c.Env)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be 'json' or 'text')", c.Log.Format)
	}

	if err := c.Store.validate("store"); err != nil {
		return err
	}
	if err := c.Blob.validate("blob"); err != nil {
		return err
	}

	if c.IsProduction() {
		if len(c.Secrets.Master) < minMasterSecret {
			return fmt.Errorf("secrets.master must be at least %d characters in production", minMasterSecret)
		}
		if c.Store.Type == "memory" || c.Blob.Type == "memory" {
			return fmt.Errorf("memory stores are not allowed in production")
		}
	}

	if err := c.Seals.validate(); err != nil {
		return err
	}

	r := c.Resilience
	if r.Attempts < 1 {
		return fmt.Errorf("resilience.attempts must be at least 1")
	}
	if r.Backoff < 0 {
		return fmt.Errorf("resilience.backoff must not be negative")
	}
	if r.FailureRatio <= 0 || r.FailureRatio > 1 {
		return fmt.Errorf("resilience.failure_ratio must be in (0, 1]")
	}
	if r.OpenTimeout <= 0 {
		return fmt.Errorf("resilience.open_timeout must be positive")
	}

	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be positive")
	}

	return nil
}

func (s StoreConfig) validate(section string) error {
	if s.Type != "memory" && s.Type != "redis" {
		return fmt.Errorf("invalid %s type: %s (must be 'memory' or 'redis')", section, s.Type)
	}
	if s.Type == "redis" && s.Redis.Addr == "" {
		return fmt.Errorf("%s redis addr is required when type is 'redis'", section)
	}
	return nil
}

func (s SealsConfig) validate() error {
	if s.MaxBlobBytes <= 0 || s.MaxKeyShareBytes <= 0 || s.MaxIVLength <= 0 {
		return fmt.Errorf("seal size limits must be positive")
	}
	if s.MaxUnlockMessage < 0 {
		return fmt.Errorf("seals.max_unlock_message must not be negative")
	}
	if s.MinUnlockDelay < 0 || s.MaxUnlockWindow <= s.MinUnlockDelay {
		return fmt.Errorf("seals.max_unlock_window must be greater than min_unlock_delay")
	}
	if s.MinPulseInterval <= 0 || s.MaxPulseInterval < s.MinPulseInterval {
		return fmt.Errorf("seals.max_pulse_interval must be >= min_pulse_interval")
	}
	if s.MaxSealAge < s.MaxUnlockWindow {
		return fmt.Errorf("seals.max_seal_age must be >= max_unlock_window")
	}
	if s.TokenMaxAge < s.MaxPulseInterval {
		return fmt.Errorf("seals.token_max_age must be >= max_pulse_interval")
	}
	if s.MaxViews < 1 {
		return fmt.Errorf("seals.max_views must be at least 1")
	}
	if s.MaxRetention < 0 || s.MaxJitter < 0 {
		return fmt.Errorf("seals.max_retention and max_jitter must not be negative")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
