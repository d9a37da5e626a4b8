package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the single configuration object read by every engine component
type Config struct {
	RequestLimit        int           `mapstructure:"request_limit"`
	RequestLimitPeriod  time.Duration `mapstructure:"request_limit_period"`
	ChunkSize           int           `mapstructure:"chunk_size"`
	MaxParallelRequests int           `mapstructure:"max_parallel_requests"`
	DebugMode           bool          `mapstructure:"debug_mode"`
	Encoding            string        `mapstructure:"encoding"`
	Locale              string        `mapstructure:"locale"`
	LogLevel            string        `mapstructure:"log_level"`
	SessionIdleTimeout  time.Duration `mapstructure:"session_idle_timeout"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	Retries             int           `mapstructure:"retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	Backoff             string        `mapstructure:"backoff"`
	BackoffMultiplier   float64       `mapstructure:"backoff_multiplier"`
	MaxRetryDelay       time.Duration `mapstructure:"max_retry_delay"`
	RespectRetryAfter   bool          `mapstructure:"respect_retry_after"`
	HistoryPath         string        `mapstructure:"history_path"`
	MetricsEnabled      bool          `mapstructure:"metrics_enabled"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s value '%v': %s", e.Field, e.Value, e.Message)
}

// envMappings binds environment variables to config keys
var envMappings = map[string]string{
	"SIMPLEREST_REQUEST_LIMIT":         "request_limit",
	"SIMPLEREST_REQUEST_LIMIT_PERIOD":  "request_limit_period",
	"SIMPLEREST_CHUNK_SIZE":            "chunk_size",
	"SIMPLEREST_MAX_PARALLEL_REQUESTS": "max_parallel_requests",
	"SIMPLEREST_DEBUG_MODE":            "debug_mode",
	"SIMPLEREST_ENCODING":              "encoding",
	"SIMPLEREST_LOCALE":                "locale",
	"SIMPLEREST_LOG_LEVEL":             "log_level",
	"SIMPLEREST_SESSION_IDLE_TIMEOUT":  "session_idle_timeout",
	"SIMPLEREST_REQUEST_TIMEOUT":       "request_timeout",
	"SIMPLEREST_RETRIES":               "retries",
	"SIMPLEREST_RETRY_DELAY":           "retry_delay",
	"SIMPLEREST_BACKOFF":               "backoff",
	"SIMPLEREST_BACKOFF_MULTIPLIER":    "backoff_multiplier",
	"SIMPLEREST_MAX_RETRY_DELAY":       "max_retry_delay",
	"SIMPLEREST_RESPECT_RETRY_AFTER":   "respect_retry_after",
	"SIMPLEREST_HISTORY_PATH":          "history_path",
	"SIMPLEREST_METRICS_ENABLED":       "metrics_enabled",
}

// LoadFromFile loads configuration from a TOML, YAML or JSON file
func LoadFromFile(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configFile)
	v.SetConfigType(configType(configFile))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return unmarshalAndValidate(v)
}

// LoadWithEnvironment loads defaults overridden by SIMPLEREST_* variables
func LoadWithEnvironment() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnvironment(v)

	return unmarshalAndValidate(v)
}

// LoadWithPrecedence resolves defaults < config file < environment < explicit flags
func LoadWithPrecedence(configFile string, flags *Config, explicitFields map[string]bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType(configType(configFile))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnvironment(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if flags != nil && explicitFields != nil {
		cfg = *cfg.MergeWithExplicitFlags(flags, explicitFields)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults returns a configuration with default values
func LoadWithDefaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	v.Unmarshal(&cfg)
	return &cfg
}

func unmarshalAndValidate(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func bindEnvironment(v *viper.Viper) {
	v.SetEnvPrefix("SIMPLEREST")
	v.AutomaticEnv()
	for envVar, configKey := range envMappings {
		v.BindEnv(configKey, envVar)
	}
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "toml"
	}
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("request_limit", 200)
	v.SetDefault("request_limit_period", 60*time.Second)
	v.SetDefault("chunk_size", 1024)
	v.SetDefault("max_parallel_requests", 5)
	v.SetDefault("debug_mode", false)
	v.SetDefault("encoding", "utf-8")
	v.SetDefault("locale", "ru")
	v.SetDefault("log_level", "info")
	v.SetDefault("session_idle_timeout", 5*time.Second)
	v.SetDefault("request_timeout", 10*time.Second)
	v.SetDefault("retries", 5)
	v.SetDefault("retry_delay", time.Duration(0))
	v.SetDefault("backoff", "fixed")
	v.SetDefault("backoff_multiplier", 2.0)
	v.SetDefault("max_retry_delay", time.Duration(0))
	v.SetDefault("respect_retry_after", false)
	v.SetDefault("history_path", "")
	v.SetDefault("metrics_enabled", true)
}

// MergeWithExplicitFlags overrides fields whose flags were explicitly set
func (c *Config) MergeWithExplicitFlags(flags *Config, explicitFields map[string]bool) *Config {
	result := *c

	if explicitFields["request_limit"] {
		result.RequestLimit = flags.RequestLimit
	}
	if explicitFields["request_limit_period"] {
		result.RequestLimitPeriod = flags.RequestLimitPeriod
	}
	if explicitFields["chunk_size"] {
		result.ChunkSize = flags.ChunkSize
	}
	if explicitFields["max_parallel_requests"] {
		result.MaxParallelRequests = flags.MaxParallelRequests
	}
	if explicitFields["debug_mode"] {
		result.DebugMode = flags.DebugMode
	}
	if explicitFields["encoding"] {
		result.Encoding = flags.Encoding
	}
	if explicitFields["locale"] {
		result.Locale = flags.Locale
	}
	if explicitFields["log_level"] {
		result.LogLevel = flags.LogLevel
	}
	if explicitFields["session_idle_timeout"] {
		result.SessionIdleTimeout = flags.SessionIdleTimeout
	}
	if explicitFields["request_timeout"] {
		result.RequestTimeout = flags.RequestTimeout
	}
	if explicitFields["retries"] {
		result.Retries = flags.Retries
	}
	if explicitFields["retry_delay"] {
		result.RetryDelay = flags.RetryDelay
	}
	if explicitFields["backoff"] {
		result.Backoff = flags.Backoff
	}
	if explicitFields["backoff_multiplier"] {
		result.BackoffMultiplier = flags.BackoffMultiplier
	}
	if explicitFields["max_retry_delay"] {
		result.MaxRetryDelay = flags.MaxRetryDelay
	}
	if explicitFields["respect_retry_after"] {
		result.RespectRetryAfter = flags.RespectRetryAfter
	}
	if explicitFields["history_path"] {
		result.HistoryPath = flags.HistoryPath
	}
	if explicitFields["metrics_enabled"] {
		result.MetricsEnabled = flags.MetricsEnabled
	}

	return &result
}

// FindConfigFile searches dir for .simplerest.toml, simplerest.toml,
// .simplerest.yaml or simplerest.yaml
func FindConfigFile(dir string) string {
	configNames := []string{".simplerest.toml", "simplerest.toml", ".simplerest.yaml", "simplerest.yaml"}

	for _, name := range configNames {
		configPath := filepath.Join(dir, name)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	return ""
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errors []ValidationError

	if c.RequestLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "request_limit",
			Value:   c.RequestLimit,
			Message: "must be greater than 0",
		})
	}
	if c.RequestLimitPeriod <= 0 {
		errors = append(errors, ValidationError{
			Field:   "request_limit_period",
			Value:   c.RequestLimitPeriod,
			Message: "must be greater than 0",
		})
	}
	if c.ChunkSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "chunk_size",
			Value:   c.ChunkSize,
			Message: "must be greater than 0",
		})
	}
	if c.MaxParallelRequests <= 0 || c.MaxParallelRequests > 1000 {
		errors = append(errors, ValidationError{
			Field:   "max_parallel_requests",
			Value:   c.MaxParallelRequests,
			Message: "must be between 1 and 1000",
		})
	}
	if c.Locale != "ru" && c.Locale != "en" {
		errors = append(errors, ValidationError{
			Field:   "locale",
			Value:   c.Locale,
			Message: "must be 'ru' or 'en'",
		})
	}
	if c.Encoding == "" {
		errors = append(errors, ValidationError{
			Field:   "encoding",
			Value:   c.Encoding,
			Message: "must not be empty",
		})
	}
	if c.SessionIdleTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "session_idle_timeout",
			Value:   c.SessionIdleTimeout,
			Message: "must be non-negative",
		})
	}
	if c.RequestTimeout < 0 || c.RequestTimeout > 24*time.Hour {
		errors = append(errors, ValidationError{
			Field:   "request_timeout",
			Value:   c.RequestTimeout,
			Message: "must be between 0 and 24 hours (0 means no timeout)",
		})
	}
	if c.Retries < 0 || c.Retries > 1000 {
		errors = append(errors, ValidationError{
			Field:   "retries",
			Value:   c.Retries,
			Message: "must be between 0 and 1000",
		})
	}
	if c.RetryDelay < 0 || c.RetryDelay > 24*time.Hour {
		errors = append(errors, ValidationError{
			Field:   "retry_delay",
			Value:   c.RetryDelay,
			Message: "must be between 0 and 24 hours",
		})
	}
	switch c.Backoff {
	case "", "fixed", "exponential", "jitter", "polynomial":
	default:
		errors = append(errors, ValidationError{
			Field:   "backoff",
			Value:   c.Backoff,
			Message: "must be one of fixed, exponential, jitter, polynomial",
		})
	}
	if (c.Backoff == "exponential" || c.Backoff == "jitter") && c.BackoffMultiplier < 1 {
		errors = append(errors, ValidationError{
			Field:   "backoff_multiplier",
			Value:   c.BackoffMultiplier,
			Message: "must be at least 1 for exponential and jitter backoff",
		})
	}
	if c.MaxRetryDelay < 0 {
		errors = append(errors, ValidationError{
			Field:   "max_retry_delay",
			Value:   c.MaxRetryDelay,
			Message: "must be non-negative (0 means no cap)",
		})
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errors = append(errors, ValidationError{
			Field:   "log_level",
			Value:   c.LogLevel,
			Message: "must be one of debug, info, warn, error",
		})
	}

	if len(errors) > 0 {
		var messages []string
		for _, err := range errors {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(messages, "\n  - "))
	}

	return nil
}
