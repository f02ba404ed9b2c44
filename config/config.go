package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the gateway. It is loaded once at startup
// and treated as read-only afterwards.
type Config struct {
	General      GeneralConfig      `mapstructure:"general" yaml:"general"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Upstream     UpstreamConfig     `mapstructure:"upstream" yaml:"upstream"`
	Uploads      UploadsConfig      `mapstructure:"uploads" yaml:"uploads"`
	Auth         AuthConfig         `mapstructure:"auth" yaml:"auth"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Redis        RedisConfig        `mapstructure:"redis" yaml:"redis"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry" yaml:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"` // json or text
}

// ServerConfig contains HTTP listener and session cookie settings
type ServerConfig struct {
	Address         string        `mapstructure:"address" yaml:"address"`
	CookieName      string        `mapstructure:"cookie_name" yaml:"cookie_name"`
	CookieSecure    bool          `mapstructure:"cookie_secure" yaml:"cookie_secure"`
	SessionTTL      time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	SessionSecret   string        `mapstructure:"session_secret" yaml:"session_secret"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	BodyLimit       string        `mapstructure:"body_limit" yaml:"body_limit"`
	StripMarkup     bool          `mapstructure:"strip_markup" yaml:"strip_markup"`
}

// UpstreamConfig points the gateway at the resource API.
type UpstreamConfig struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second, 0 disables
	Burst     int           `mapstructure:"burst" yaml:"burst"`
}

func (u UpstreamConfig) Validate() error {
	if strings.TrimSpace(u.BaseURL) == "" {
		return fmt.Errorf("upstream.base_url required")
	}
	parsed, err := url.Parse(u.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("upstream.base_url must be an absolute URL, got %q", u.BaseURL)
	}
	if u.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be > 0")
	}
	if u.RateLimit < 0 {
		return fmt.Errorf("upstream.rate_limit cannot be negative")
	}
	return nil
}

// UploadsConfig configures the local staging directory for attachments.
type UploadsConfig struct {
	Dir               string   `mapstructure:"dir" yaml:"dir"`
	AllowedExtensions []string `mapstructure:"allowed_extensions" yaml:"allowed_extensions"`
	MaxBytes          int64    `mapstructure:"max_bytes" yaml:"max_bytes"`
}

// Normalize lowercases extensions and strips leading dots.
func (u UploadsConfig) Normalize() UploadsConfig {
	seen := make(map[string]struct{}, len(u.AllowedExtensions))
	exts := make([]string, 0, len(u.AllowedExtensions))
	for _, ext := range u.AllowedExtensions {
		ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
		if ext == "" {
			continue
		}
		if _, ok := seen[ext]; ok {
			continue
		}
		seen[ext] = struct{}{}
		exts = append(exts, ext)
	}
	u.AllowedExtensions = exts
	u.Dir = strings.TrimSpace(u.Dir)
	return u
}

func (u UploadsConfig) Validate() error {
	if u.Dir == "" {
		return fmt.Errorf("uploads.dir required")
	}
	if len(u.AllowedExtensions) == 0 {
		return fmt.Errorf("uploads.allowed_extensions cannot be empty")
	}
	if u.MaxBytes <= 0 {
		return fmt.Errorf("uploads.max_bytes must be > 0")
	}
	return nil
}

// Auth policies, from weakest to strictest.
const (
	AuthPolicyPresence = "presence"
	AuthPolicySigned   = "signed"
	AuthPolicyUpstream = "upstream"
)

// AuthConfig selects how the session cookie is checked.
type AuthConfig struct {
	Policy         string        `mapstructure:"policy" yaml:"policy"`
	VerifyCacheTTL time.Duration `mapstructure:"verify_cache_ttl" yaml:"verify_cache_ttl"`
}

func (a AuthConfig) Validate() error {
	switch a.Policy {
	case AuthPolicyPresence, AuthPolicySigned, AuthPolicyUpstream:
	default:
		return fmt.Errorf("auth.policy must be one of presence|signed|upstream, got %q", a.Policy)
	}
	if a.VerifyCacheTTL < 0 {
		return fmt.Errorf("auth.verify_cache_ttl cannot be negative")
	}
	return nil
}

// Compensation policies applied when an attachment upload fails after the
// entity was created.
const (
	CompensationDelete = "delete"
	CompensationReport = "report"
)

// OrchestratorConfig tunes the create/attach sequence.
type OrchestratorConfig struct {
	Compensation   string        `mapstructure:"compensation" yaml:"compensation"`
	CreateRetries  int           `mapstructure:"create_retries" yaml:"create_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl" yaml:"idempotency_ttl"`
}

func (o OrchestratorConfig) Validate() error {
	switch o.Compensation {
	case CompensationDelete, CompensationReport:
	default:
		return fmt.Errorf("orchestrator.compensation must be delete or report, got %q", o.Compensation)
	}
	if o.CreateRetries < 0 {
		return fmt.Errorf("orchestrator.create_retries cannot be negative")
	}
	if o.IdempotencyTTL <= 0 {
		return fmt.Errorf("orchestrator.idempotency_ttl must be > 0")
	}
	return nil
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Host     string        `mapstructure:"host" yaml:"host"`
	Port     string        `mapstructure:"port" yaml:"port"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
}

func (r RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("redis.port required")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	MetricsEnabled bool `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
	// TracingEnabled exports orchestration spans over OTLP/gRPC.
	TracingEnabled bool    `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRatio    float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

func (t TelemetryConfig) Validate() error {
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if t.TracingEnabled && strings.TrimSpace(t.OTLPEndpoint) == "" {
		return fmt.Errorf("telemetry.otlp_endpoint required when tracing is enabled")
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Server.SessionSecret != "" {
		c.Server.SessionSecret = "<redacted>"
	}
	if c.Redis.Password != "" {
		c.Redis.Password = "<redacted>"
	}
	return c
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.log_format", "json")
	v.SetDefault("server.address", ":5000")
	v.SetDefault("server.cookie_name", "token")
	v.SetDefault("server.cookie_secure", false)
	v.SetDefault("server.session_ttl", 24*time.Hour)
	v.SetDefault("server.session_secret", "dev-secret-change-me")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.body_limit", "12M")
	v.SetDefault("server.strip_markup", true)
	v.SetDefault("upstream.base_url", "http://localhost:8081")
	v.SetDefault("upstream.timeout", 10*time.Second)
	v.SetDefault("upstream.rate_limit", 0)
	v.SetDefault("upstream.burst", 10)
	v.SetDefault("uploads.dir", "static/uploads")
	v.SetDefault("uploads.allowed_extensions", []string{"txt", "pdf", "png", "jpg", "jpeg", "gif"})
	v.SetDefault("uploads.max_bytes", 10<<20)
	v.SetDefault("auth.policy", AuthPolicyPresence)
	v.SetDefault("auth.verify_cache_ttl", time.Minute)
	v.SetDefault("orchestrator.compensation", CompensationDelete)
	v.SetDefault("orchestrator.create_retries", 2)
	v.SetDefault("orchestrator.retry_backoff", 200*time.Millisecond)
	v.SetDefault("orchestrator.idempotency_ttl", 24*time.Hour)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.timeout", 5*time.Second)
	v.SetDefault("redis.prefix", "shelfgate:")
	v.SetDefault("telemetry.metrics_enabled", true)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// LoadConfig reads the config file (optional when path is empty), overlays
// SHELFGATE_* environment variables and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("shelfgate")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			v.AddConfigPath(filepath.Dir(exe))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("SHELFGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// an explicit path must exist; the search path is optional
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.General.LogLevel = strings.ToLower(strings.TrimSpace(c.General.LogLevel))
	c.General.LogFormat = strings.ToLower(strings.TrimSpace(c.General.LogFormat))
	c.Auth.Policy = strings.ToLower(strings.TrimSpace(c.Auth.Policy))
	c.Orchestrator.Compensation = strings.ToLower(strings.TrimSpace(c.Orchestrator.Compensation))
	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	c.Uploads = c.Uploads.Normalize()
	if c.Server.CookieName == "" {
		c.Server.CookieName = "token"
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.SessionTTL <= 0 {
		return fmt.Errorf("server.session_ttl must be > 0")
	}
	if strings.TrimSpace(c.Server.SessionSecret) == "" {
		return fmt.Errorf("server.session_secret required")
	}
	for _, check := range []func() error{
		c.Upstream.Validate,
		c.Uploads.Validate,
		c.Auth.Validate,
		c.Orchestrator.Validate,
		c.Redis.Validate,
		c.Telemetry.Validate,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}
