package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	GAS        GASConfig        `yaml:"gas" mapstructure:"gas"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Tracker    TrackerConfig    `yaml:"tracker" mapstructure:"tracker"`
	LocalModel LocalModelConfig `yaml:"local_model" mapstructure:"local_model"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Janitor    JanitorConfig    `yaml:"janitor" mapstructure:"janitor"`
	Client     ClientConfig     `yaml:"client" mapstructure:"client"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// GASConfig configures the Apps Script processing endpoint.
type GASConfig struct {
	URL          string  `yaml:"url" mapstructure:"url"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRedirects int     `yaml:"max_redirects" mapstructure:"max_redirects"`
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	Origin       string  `yaml:"origin" mapstructure:"origin"`
	RatePerSec   float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	RecordSheet  bool    `yaml:"record_sheet" mapstructure:"record_sheet"`

	BreakerThreshold int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// Timeout returns the per-call ceiling.
func (g GASConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSecs) * time.Second
}

// CacheConfig configures the poll result cache.
type CacheConfig struct {
	TTLMins           int `yaml:"ttl_mins" mapstructure:"ttl_mins"`
	SweepIntervalSecs int `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	// PendingTTLSecs, when positive, shortens caching of payloads for jobs
	// that are still running.
	PendingTTLSecs int `yaml:"pending_ttl_secs" mapstructure:"pending_ttl_secs"`
}

// TrackerConfig configures progress tracking.
type TrackerConfig struct {
	ETADisplayMins int    `yaml:"eta_display_mins" mapstructure:"eta_display_mins"`
	RetentionMins  int    `yaml:"retention_mins" mapstructure:"retention_mins"`
	StepsFile      string `yaml:"steps_file" mapstructure:"steps_file"`
}

// LocalModelConfig configures the on-device model server.
type LocalModelConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Model       string `yaml:"model" mapstructure:"model"`
	Key         string `yaml:"key" mapstructure:"key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Disabled    bool   `yaml:"disabled" mapstructure:"disabled"`

	BreakerThreshold int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// AnthropicConfig holds Anthropic API settings for the fallback model.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	// PromptCacheTTL marks the system prompt cacheable ("5m" or "1h").
	// Empty disables prompt caching.
	PromptCacheTTL string `yaml:"prompt_cache_ttl" mapstructure:"prompt_cache_ttl"`

	RetryMaxAttempts      int `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs int `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
}

// JanitorConfig configures the background cleanup schedule.
type JanitorConfig struct {
	IntervalMins int `yaml:"interval_mins" mapstructure:"interval_mins"`
}

// ClientConfig configures the CLI commands that talk to a running server.
type ClientConfig struct {
	ServerURL        string `yaml:"server_url" mapstructure:"server_url"`
	PollIntervalSecs int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DIAGNOSIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("gas.timeout_secs", 720)
	v.SetDefault("gas.max_redirects", 5)
	v.SetDefault("gas.user_agent", "diagnosis-cli/1.0")
	v.SetDefault("gas.origin", "https://diagnosis.local")
	v.SetDefault("gas.rate_per_sec", 2)
	v.SetDefault("gas.record_sheet", true)
	v.SetDefault("gas.breaker_threshold", 5)
	v.SetDefault("gas.breaker_reset_secs", 30)
	v.SetDefault("cache.ttl_mins", 30)
	v.SetDefault("cache.sweep_interval_secs", 60)
	v.SetDefault("cache.pending_ttl_secs", 0)
	v.SetDefault("tracker.eta_display_mins", 10)
	v.SetDefault("tracker.retention_mins", 60)
	v.SetDefault("local_model.base_url", "http://127.0.0.1:11434/v1")
	v.SetDefault("local_model.model", "llama3.1:8b")
	v.SetDefault("local_model.timeout_secs", 20)
	v.SetDefault("local_model.breaker_threshold", 3)
	v.SetDefault("local_model.breaker_reset_secs", 60)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.retry_max_attempts", 3)
	v.SetDefault("anthropic.retry_initial_backoff_ms", 500)
	v.SetDefault("anthropic.retry_max_backoff_ms", 30000)
	v.SetDefault("janitor.interval_mins", 5)
	v.SetDefault("client.server_url", "http://127.0.0.1:8080")
	v.SetDefault("client.poll_interval_secs", 3)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Keys without a default are only bound to the environment explicitly.
	for _, key := range []string{"gas.url", "tracker.steps_file", "local_model.key", "anthropic.key", "anthropic.prompt_cache_ttl"} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys a command mode needs. Modes: serve, client.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.GAS.URL == "" {
			errs = append(errs, "gas.url is required")
		} else if !strings.HasPrefix(c.GAS.URL, "https://") && !strings.HasPrefix(c.GAS.URL, "http://") {
			errs = append(errs, "gas.url must be an http(s) URL")
		}
		if c.GAS.TimeoutSecs <= 0 {
			errs = append(errs, "gas.timeout_secs must be > 0")
		}
		if c.GAS.MaxRedirects < 0 {
			errs = append(errs, "gas.max_redirects must be >= 0")
		}
		if c.Cache.TTLMins <= 0 {
			errs = append(errs, "cache.ttl_mins must be > 0")
		}
		if c.Tracker.RetentionMins <= 0 {
			errs = append(errs, "tracker.retention_mins must be > 0")
		}
		if c.Janitor.IntervalMins <= 0 {
			errs = append(errs, "janitor.interval_mins must be > 0")
		}
		if c.Cache.PendingTTLSecs < 0 {
			errs = append(errs, "cache.pending_ttl_secs must be >= 0")
		}
		switch c.Anthropic.PromptCacheTTL {
		case "", "5m", "1h":
		default:
			errs = append(errs, `anthropic.prompt_cache_ttl must be "", "5m" or "1h"`)
		}
		if c.LocalModel.Disabled && c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required when local_model.disabled is set")
		}
	case "client":
		if c.Client.ServerURL == "" {
			errs = append(errs, "client.server_url is required")
		}
		if c.Client.PollIntervalSecs <= 0 {
			errs = append(errs, "client.poll_interval_secs must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New(fmt.Sprintf("config: %s", strings.Join(errs, "; ")))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
