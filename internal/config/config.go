package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrInvalid marks configuration problems that must stop a run before any request is made
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix is prepended to every environment override, e.g. HARVESTER_BATCH_SIZE
const EnvPrefix = "HARVESTER"

// Config holds all runtime configuration parameters
type Config struct {
	APIEndpoint   string `mapstructure:"api_endpoint" json:"api_endpoint"`
	APIToken      string `mapstructure:"api_token" json:"-"`
	UserAgent     string `mapstructure:"user_agent" json:"user_agent"`
	BaseURLFilter string `mapstructure:"base_url_filter" json:"base_url_filter"`

	BatchSize   int `mapstructure:"batch_size" json:"batch_size"`
	TargetTotal int `mapstructure:"target_total" json:"target_total"` // 0 walks until the API reports no more pages

	MaxRequestsPerSecond int `mapstructure:"max_requests_per_second" json:"max_requests_per_second"`
	WindowBufferMs       int `mapstructure:"window_buffer_ms" json:"window_buffer_ms"`
	QuotaThreshold       int `mapstructure:"quota_threshold" json:"quota_threshold"`
	QuotaSafetyMarginMs  int `mapstructure:"quota_safety_margin_ms" json:"quota_safety_margin_ms"`
	QuotaMinWaitMs       int `mapstructure:"quota_min_wait_ms" json:"quota_min_wait_ms"`

	RequestTimeoutMs int `mapstructure:"request_timeout_ms" json:"request_timeout_ms"`
	MaxBodyBytes     int `mapstructure:"max_body_bytes" json:"max_body_bytes"`

	CheckpointDir      string `mapstructure:"checkpoint_dir" json:"checkpoint_dir"`
	CheckpointInterval int    `mapstructure:"checkpoint_interval" json:"checkpoint_interval"`

	RetryThreshold        int     `mapstructure:"retry_threshold" json:"retry_threshold"`
	RetryWindowSeconds    int     `mapstructure:"retry_window_seconds" json:"retry_window_seconds"`
	RetryInitialBackoffMs int     `mapstructure:"retry_initial_backoff_ms" json:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int     `mapstructure:"retry_max_backoff_ms" json:"retry_max_backoff_ms"`
	RetryMultiplier       float64 `mapstructure:"retry_multiplier" json:"retry_multiplier"`

	IncludeUserDetails bool `mapstructure:"include_user_details" json:"include_user_details"`

	OutputPath    string `mapstructure:"output_path" json:"output_path"`
	SinkDriver    string `mapstructure:"sink_driver" json:"sink_driver"`
	SinkDSN       string `mapstructure:"sink_dsn" json:"-"`
	SinkChunkSize int    `mapstructure:"sink_chunk_size" json:"sink_chunk_size"`

	MetricsPath string `mapstructure:"metrics_path" json:"metrics_path"`
	MetricsAddr string `mapstructure:"metrics_addr" json:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level" json:"log_level"`
	LogFormat   string `mapstructure:"log_format" json:"log_format"`
}

const (
	defaultAPIEndpoint          = "https://api.crom.avn.sh/graphql"
	defaultUserAgent            = "wiki-harvester"
	defaultBatchSize            = 50
	defaultMaxRequestsPerSecond = 2
	defaultWindowBufferMs       = 50
	defaultQuotaThreshold       = 100
	defaultQuotaSafetyMarginMs  = 5000
	defaultQuotaMinWaitMs       = 10000
	defaultRequestTimeoutMs     = 60000
	defaultCheckpointDir        = "checkpoints"
	defaultCheckpointInterval   = 1000
	defaultRetryThreshold       = 5
	defaultRetryWindowSeconds   = 300
	defaultRetryInitialBackoff  = 2000
	defaultRetryMaxBackoff      = 60000
	defaultRetryMultiplier      = 2.0
	defaultOutputPath           = "harvest.json"
	defaultSinkChunkSize        = 500
	defaultMetricsPath          = "metrics.log"
	defaultLogLevel             = "info"
	defaultLogFormat            = "text"
)

// LoadConfig reads configuration from an optional file, .env and HARVESTER_* environment variables.
// An empty path looks for harvester.{json,yaml,toml} in the working directory and tolerates its absence.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("harvester")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults for values explicitly zeroed by the user
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{
		QuotaThreshold:     defaultQuotaThreshold,
		IncludeUserDetails: true,
		OutputPath:         defaultOutputPath,
	}
	applyDefaults(cfg)
	return cfg
}

// setDefaults registers every key with viper so environment overrides are picked up on Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("api_endpoint", defaultAPIEndpoint)
	v.SetDefault("api_token", "")
	v.SetDefault("user_agent", defaultUserAgent)
	v.SetDefault("base_url_filter", "")
	v.SetDefault("batch_size", defaultBatchSize)
	v.SetDefault("target_total", 0)
	v.SetDefault("max_requests_per_second", defaultMaxRequestsPerSecond)
	v.SetDefault("window_buffer_ms", defaultWindowBufferMs)
	v.SetDefault("quota_threshold", defaultQuotaThreshold)
	v.SetDefault("quota_safety_margin_ms", defaultQuotaSafetyMarginMs)
	v.SetDefault("quota_min_wait_ms", defaultQuotaMinWaitMs)
	v.SetDefault("request_timeout_ms", defaultRequestTimeoutMs)
	v.SetDefault("max_body_bytes", 0)
	v.SetDefault("checkpoint_dir", defaultCheckpointDir)
	v.SetDefault("checkpoint_interval", defaultCheckpointInterval)
	v.SetDefault("retry_threshold", defaultRetryThreshold)
	v.SetDefault("retry_window_seconds", defaultRetryWindowSeconds)
	v.SetDefault("retry_initial_backoff_ms", defaultRetryInitialBackoff)
	v.SetDefault("retry_max_backoff_ms", defaultRetryMaxBackoff)
	v.SetDefault("retry_multiplier", defaultRetryMultiplier)
	v.SetDefault("include_user_details", true)
	v.SetDefault("output_path", defaultOutputPath)
	v.SetDefault("sink_driver", "")
	v.SetDefault("sink_dsn", "")
	v.SetDefault("sink_chunk_size", defaultSinkChunkSize)
	v.SetDefault("metrics_path", defaultMetricsPath)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_format", defaultLogFormat)
}

// applyDefaults sets default values for unspecified fields
func applyDefaults(cfg *Config) {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = defaultAPIEndpoint
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxRequestsPerSecond == 0 {
		cfg.MaxRequestsPerSecond = defaultMaxRequestsPerSecond
	}
	if cfg.WindowBufferMs == 0 {
		cfg.WindowBufferMs = defaultWindowBufferMs
	}
	if cfg.QuotaSafetyMarginMs == 0 {
		cfg.QuotaSafetyMarginMs = defaultQuotaSafetyMarginMs
	}
	if cfg.QuotaMinWaitMs == 0 {
		cfg.QuotaMinWaitMs = defaultQuotaMinWaitMs
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = defaultRequestTimeoutMs
	}
	if cfg.CheckpointDir == "" {
		cfg.CheckpointDir = defaultCheckpointDir
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = defaultCheckpointInterval
	}
	if cfg.RetryThreshold == 0 {
		cfg.RetryThreshold = defaultRetryThreshold
	}
	if cfg.RetryWindowSeconds == 0 {
		cfg.RetryWindowSeconds = defaultRetryWindowSeconds
	}
	if cfg.RetryInitialBackoffMs == 0 {
		cfg.RetryInitialBackoffMs = defaultRetryInitialBackoff
	}
	if cfg.RetryMaxBackoffMs == 0 {
		cfg.RetryMaxBackoffMs = defaultRetryMaxBackoff
	}
	if cfg.RetryMultiplier == 0 {
		cfg.RetryMultiplier = defaultRetryMultiplier
	}
	if cfg.SinkChunkSize == 0 {
		cfg.SinkChunkSize = defaultSinkChunkSize
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = defaultMetricsPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = defaultLogFormat
	}
}

// Validate checks that required fields are present and values are sensible
func Validate(cfg *Config) error {
	if err := validate(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.APIEndpoint == "" {
		return errors.New("api_endpoint is required")
	}
	u, err := url.Parse(cfg.APIEndpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api_endpoint must be an absolute http(s) URL, got %q", cfg.APIEndpoint)
	}
	if cfg.BatchSize < 1 {
		return errors.New("batch_size must be >= 1")
	}
	if cfg.TargetTotal < 0 {
		return errors.New("target_total must be >= 0")
	}
	if cfg.MaxRequestsPerSecond < 1 {
		return errors.New("max_requests_per_second must be >= 1")
	}
	if cfg.QuotaThreshold < 0 {
		return errors.New("quota_threshold must be >= 0")
	}
	if cfg.RequestTimeoutMs < 1000 {
		return errors.New("request_timeout_ms must be >= 1000")
	}
	if cfg.CheckpointDir == "" {
		return errors.New("checkpoint_dir is required")
	}
	if cfg.CheckpointInterval < 1 {
		return errors.New("checkpoint_interval must be >= 1")
	}
	if cfg.RetryThreshold < 1 {
		return errors.New("retry_threshold must be >= 1")
	}
	if cfg.RetryMultiplier < 1 {
		return errors.New("retry_multiplier must be >= 1")
	}
	switch cfg.SinkDriver {
	case "":
	case "sqlite3", "postgres":
		if cfg.SinkDSN == "" {
			return fmt.Errorf("sink_dsn is required for sink_driver %q", cfg.SinkDriver)
		}
	default:
		return fmt.Errorf("unsupported sink_driver %q", cfg.SinkDriver)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log_format %q", cfg.LogFormat)
	}
	return nil
}

// RequestTimeout returns the per-request transport timeout
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// WindowBuffer returns the safety buffer added to sliding-window waits
func (c *Config) WindowBuffer() time.Duration {
	return time.Duration(c.WindowBufferMs) * time.Millisecond
}

// QuotaSafetyMargin returns the margin added past the quota reset time
func (c *Config) QuotaSafetyMargin() time.Duration {
	return time.Duration(c.QuotaSafetyMarginMs) * time.Millisecond
}

// QuotaMinWait returns the lower bound on any quota wait
func (c *Config) QuotaMinWait() time.Duration {
	return time.Duration(c.QuotaMinWaitMs) * time.Millisecond
}

// RetryWindow returns the rolling window over which transient errors are counted
func (c *Config) RetryWindow() time.Duration {
	return time.Duration(c.RetryWindowSeconds) * time.Second
}

// RetryInitialBackoff returns the first retry delay
func (c *Config) RetryInitialBackoff() time.Duration {
	return time.Duration(c.RetryInitialBackoffMs) * time.Millisecond
}

// RetryMaxBackoff returns the cap on retry delays
func (c *Config) RetryMaxBackoff() time.Duration {
	return time.Duration(c.RetryMaxBackoffMs) * time.Millisecond
}
