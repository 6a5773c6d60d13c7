// Package config handles loading and validation of UsageGate configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// USAGEGATE_ prefix:
//
//	server.address → USAGEGATE_SERVER_ADDRESS
//	quotas.storage.quota → USAGEGATE_QUOTAS_STORAGE_QUOTA
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via USAGEGATE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/usagegate/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Config is the top-level UsageGate configuration.
type Config struct {
	Server           ServerConfig    `yaml:"server"            envPrefix:"SERVER_"`
	Admin            AdminConfig     `yaml:"admin"             envPrefix:"ADMIN_"`
	Key              KeyConfig       `yaml:"key"               envPrefix:"KEY_"`
	Provider         ProviderConfig  `yaml:"provider"          envPrefix:"PROVIDER_"`
	AccessController AccessConfig    `yaml:"access_controller" envPrefix:"ACCESS_CONTROLLER_"`
	Quotas           QuotasConfig    `yaml:"quotas"            envPrefix:"QUOTAS_"`
	Redis            RedisConfig     `yaml:"redis"             envPrefix:"REDIS_"`
	Store            StoreConfig     `yaml:"store"             envPrefix:"STORE_"`
	Scheduler        SchedulerConfig `yaml:"scheduler"         envPrefix:"SCHEDULER_"`
	Events           EventsConfig    `yaml:"events"            envPrefix:"EVENTS_"`
	Logging          LoggingConfig   `yaml:"logging"           envPrefix:"LOGGING_"`
	Tracing          TracingConfig   `yaml:"tracing"           envPrefix:"TRACING_"`
}

// ServerConfig holds the trigger server settings.
type ServerConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// KeyConfig identifies the access key whose toggle state UsageGate governs.
type KeyConfig struct {
	ID string `yaml:"id" env:"ID"`
}

// ProviderConfig holds the usage metrics provider settings.
type ProviderConfig struct {
	URL       string         `yaml:"url"        env:"URL"`
	Timeout   string         `yaml:"timeout"    env:"TIMEOUT"`
	AuthToken RedactedString `yaml:"auth_token" env:"AUTH_TOKEN"`

	// CacheTTL caches the fetched usage snapshot in memory for the given
	// duration. Empty or "0" disables caching so every invocation
	// re-checks live usage (the default).
	CacheTTL string `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// AccessConfig holds the access controller (toggle API) settings.
type AccessConfig struct {
	URL       string         `yaml:"url"        env:"URL"`
	Timeout   string         `yaml:"timeout"    env:"TIMEOUT"`
	AuthToken RedactedString `yaml:"auth_token" env:"AUTH_TOKEN"`
}

// QuotasConfig holds the per-metric quota and re-enable threshold strings.
// Quota values accept size-unit suffixes (b|kb|mb|gb|tb|pb, base-1024) or
// bare numbers. A metric with no quota configured (and no built-in default)
// is inert: it neither forces a disable nor blocks a re-enable.
type QuotasConfig struct {
	Storage        MetricLimitConfig `yaml:"storage"          envPrefix:"STORAGE_"`
	ClassARequests MetricLimitConfig `yaml:"class_a_requests" envPrefix:"CLASS_A_REQUESTS_"`
	ClassBRequests MetricLimitConfig `yaml:"class_b_requests" envPrefix:"CLASS_B_REQUESTS_"`
}

// MetricLimitConfig holds the raw limit strings for one metric. Resolution
// to numeric (quota, re-enable) pairs happens once per invocation in the
// threshold resolver; these values are never hot-reloaded.
type MetricLimitConfig struct {
	Quota             string `yaml:"quota"              env:"QUOTA"`
	ReenableThreshold string `yaml:"reenable_threshold" env:"REENABLE_THRESHOLD"`
}

// RedisConfig holds Redis connection and topology settings for the state store.
type RedisConfig struct {
	Endpoints    []string       `yaml:"endpoints"     env:"ENDPOINTS" envSeparator:","`
	Mode         RedisMode      `yaml:"mode"          env:"MODE"`
	MasterName   string         `yaml:"master_name"   env:"MASTER_NAME"`
	Username     string         `yaml:"username"      env:"USERNAME"`
	Password     RedactedString `yaml:"password"      env:"PASSWORD"`
	DB           int            `yaml:"db"            env:"DB"`
	PoolSize     int            `yaml:"pool_size"     env:"POOL_SIZE"`
	DialTimeout  string         `yaml:"dial_timeout"  env:"DIAL_TIMEOUT"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	TLS          RedisTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// StoreConfig holds the persisted snapshot settings.
type StoreConfig struct {
	// Key is the fixed Redis key under which the toggle snapshot is stored.
	Key string `yaml:"key" env:"KEY"`
}

// SchedulerConfig holds the periodic evaluation settings.
type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled"  env:"ENABLED"`
	Interval string `yaml:"interval" env:"INTERVAL"`

	// Jitter adds up to the given duration of random delay to each tick,
	// spreading load when several controllers share a provider.
	Jitter string `yaml:"jitter" env:"JITTER"`
}

// EventsConfig holds optional toggle event emission settings. When enabled,
// UsageGate posts toggle transitions to an external HTTP service.
type EventsConfig struct {
	Enabled       bool             `yaml:"enabled"        env:"ENABLED"`
	HTTP          EventsHTTPConfig `yaml:"http"           envPrefix:"HTTP_"`
	BatchSize     int              `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string           `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int              `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// EventsHTTPConfig holds HTTP event receiver settings.
type EventsHTTPConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output. Uses json.Marshal to ensure
// the placeholder is always properly escaped.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "10s",
			WriteTimeout: "60s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Provider: ProviderConfig{
			Timeout: "10s",
		},
		AccessController: AccessConfig{
			Timeout: "10s",
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Store: StoreConfig{
			Key: "usagegate:state",
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: "5m",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "usagegate",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("USAGEGATE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/usagegate/config.yaml and
// can be overridden via USAGEGATE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "USAGEGATE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Single"
// or env values like "JSON" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
}

// Validate checks that the configuration is internally consistent. Quota and
// threshold strings are NOT resolved here — the threshold resolver owns that
// per invocation, so a bad quota surfaces as an invocation failure rather
// than a crash loop at startup.
func Validate(cfg *Config) error {
	if err := validateEndpoints(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateScheduler(cfg); err != nil {
		return err
	}
	if err := validateEvents(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateEndpoints(cfg *Config) error {
	if cfg.Provider.URL != "" {
		if _, err := url.Parse(cfg.Provider.URL); err != nil {
			return fmt.Errorf("invalid provider.url %q: %w", cfg.Provider.URL, err)
		}
	}
	if cfg.AccessController.URL != "" {
		if _, err := url.Parse(cfg.AccessController.URL); err != nil {
			return fmt.Errorf("invalid access_controller.url %q: %w", cfg.AccessController.URL, err)
		}
	}
	if cfg.Store.Key == "" {
		return fmt.Errorf("store.key must not be empty")
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"provider.timeout", cfg.Provider.Timeout},
		{"provider.cache_ttl", cfg.Provider.CacheTTL},
		{"access_controller.timeout", cfg.AccessController.Timeout},
		{"scheduler.interval", cfg.Scheduler.Interval},
		{"scheduler.jitter", cfg.Scheduler.Jitter},
		{"events.flush_interval", cfg.Events.FlushInterval},
	}

	for _, d := range durations {
		if d.val == "" || d.val == "0" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateRedis(cfg *Config) error {
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateScheduler(cfg *Config) error {
	if !cfg.Scheduler.Enabled {
		return nil
	}
	if cfg.Scheduler.Interval == "" {
		return fmt.Errorf("scheduler.interval is required when the scheduler is enabled")
	}
	d, err := time.ParseDuration(cfg.Scheduler.Interval)
	if err != nil {
		return fmt.Errorf("invalid scheduler.interval %q: %w", cfg.Scheduler.Interval, err)
	}
	if d <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %s", d)
	}
	return nil
}

func validateEvents(cfg *Config) error {
	if cfg.Events.Enabled && cfg.Events.HTTP.URL == "" {
		return fmt.Errorf("events.http.url is required when events are enabled")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}
