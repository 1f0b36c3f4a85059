package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/drewdunne/labpulse/internal/glerror"
)

// EnvPrefix is the prefix for environment overrides, e.g. LABPULSE_GITLAB_TOKEN.
const EnvPrefix = "LABPULSE"

// Config represents the server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	GitLab    GitLabConfig    `yaml:"gitlab" envconfig:"GITLAB"`
	OAuth     OAuthConfig     `yaml:"oauth" envconfig:"OAUTH"`
	RateLimit RateLimitConfig `yaml:"rate_limit" split_words:"true"`
	Cache     CacheConfig     `yaml:"cache"`
	Analytics AnalyticsConfig `yaml:"analytics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true" validate:"gte=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level         string `yaml:"level" validate:"oneof=trace debug info warn warning error"`
	Format        string `yaml:"format" validate:"oneof=text json"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days" split_words:"true" validate:"gte=0"`
}

// GitLabConfig holds the GitLab instance and credential settings.
type GitLabConfig struct {
	BaseURL         string        `yaml:"base_url" split_words:"true" validate:"required,url"`
	Token           string        `yaml:"token"`
	TokenType       string        `yaml:"token_type" split_words:"true" validate:"oneof=oauth pat"`
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
	Retries         int           `yaml:"retries" validate:"gte=0,lte=10"`
	RetryDelay      time.Duration `yaml:"retry_delay" split_words:"true" validate:"gte=0"`
	WebhookSecret   string        `yaml:"webhook_secret" split_words:"true"`
	WebhookMaxBytes int64         `yaml:"webhook_max_bytes" split_words:"true" validate:"gt=0"`
}

// OAuthConfig holds the OAuth application registered on the GitLab instance.
// OAuth is disabled when ClientID is empty.
type OAuthConfig struct {
	ClientID     string   `yaml:"client_id" split_words:"true"`
	ClientSecret string   `yaml:"client_secret" split_words:"true" validate:"required_with=ClientID"`
	RedirectURL  string   `yaml:"redirect_url" split_words:"true" validate:"omitempty,url"`
	Scopes       []string `yaml:"scopes"`
}

// Enabled reports whether an OAuth application is configured.
func (o OAuthConfig) Enabled() bool {
	return o.ClientID != ""
}

// RateLimitConfig configures the outbound token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute" split_words:"true" validate:"gt=0"`
	Burst             int           `yaml:"burst" validate:"gt=0"`
	QueueEnabled      bool          `yaml:"queue_enabled" split_words:"true"`
	MaxQueue          int           `yaml:"max_queue" split_words:"true" validate:"gte=0"`
	Tick              time.Duration `yaml:"tick" validate:"gt=0,lte=1s"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Backend       string        `yaml:"backend" validate:"oneof=memory redis"`
	TTL           time.Duration `yaml:"ttl" validate:"gt=0"`
	MaxSize       int           `yaml:"max_size" split_words:"true" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" split_words:"true" validate:"gt=0"`
	RedisURL      string        `yaml:"redis_url" split_words:"true" validate:"required_if=Backend redis"`
}

// AnalyticsConfig configures the commit analytics engine.
type AnalyticsConfig struct {
	DefaultDays         int `yaml:"default_days" split_words:"true" validate:"gt=0,lte=365"`
	HeatmapDays         int `yaml:"heatmap_days" split_words:"true" validate:"gt=0,lte=365"`
	Concurrency         int `yaml:"concurrency" validate:"gt=0"`
	MaxLanguageProjects int `yaml:"max_language_projects" split_words:"true" validate:"gt=0"`
}

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            7000,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "text",
			RetentionDays: 30,
		},
		GitLab: GitLabConfig{
			BaseURL:         "https://gitlab.com",
			TokenType:       "oauth",
			Timeout:         30 * time.Second,
			Retries:         3,
			RetryDelay:      time.Second,
			WebhookMaxBytes: 10 << 20,
		},
		OAuth: OAuthConfig{
			Scopes: []string{"read_user", "read_api", "read_repository"},
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 300,
			Burst:             10,
			QueueEnabled:      true,
			MaxQueue:          100,
			Tick:              100 * time.Millisecond,
		},
		Cache: CacheConfig{
			Backend:       "memory",
			TTL:           5 * time.Minute,
			MaxSize:       1000,
			SweepInterval: time.Minute,
		},
		Analytics: AnalyticsConfig{
			DefaultDays:         30,
			HeatmapDays:         90,
			Concurrency:         5,
			MaxLanguageProjects: 50,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if any),
// then LABPULSE_* environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		// Substitute environment variables
		data = envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
			varName := envVarPattern.FindSubmatch(match)[1]
			return []byte(os.Getenv(string(varName)))
		})

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints. Failures are Config errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return glerror.Wrap(glerror.KindConfig, glerror.CodeInvalidConfig, fmt.Errorf("config validation: %w", err))
	}
	if c.OAuth.Enabled() && c.OAuth.RedirectURL == "" {
		return glerror.New(glerror.KindConfig, glerror.CodeInvalidConfig, "oauth.redirect_url is required when oauth.client_id is set")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
