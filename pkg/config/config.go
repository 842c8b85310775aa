package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Server        ServerConfig        `mapstructure:"server"`
	Transport     VendorConfig        `mapstructure:"transport"`
	ControlPlane  ControlPlaneConfig  `mapstructure:"controlplane"`
	Knowledge     KnowledgeConfig     `mapstructure:"knowledge"`
	Providers     ProvidersConfig     `mapstructure:"providers"`
	Synthesis     SynthesisConfig     `mapstructure:"synthesis"`
	Functions     FunctionsConfig     `mapstructure:"functions"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// VendorConfig names a provider and carries its free-form settings,
// decoded later by the provider factory.
type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	MetricsPath    string `mapstructure:"metrics_path"`
	HealthPath     string `mapstructure:"health_path"`
	DrainTimeoutMS int    `mapstructure:"drain_timeout_ms"`
	// WebhookRPS limits webhook and media-stream requests per remote IP;
	// zero disables the limit.
	WebhookRPS   float64 `mapstructure:"webhook_rps"`
	WebhookBurst int     `mapstructure:"webhook_burst"`
}

type ControlPlaneConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	APIKey           string `mapstructure:"api_key"`
	TimeoutMS        int    `mapstructure:"timeout_ms"`
	Retries          int    `mapstructure:"retries"`
	RetryBackoffMS   int    `mapstructure:"retry_backoff_ms"`
	SessionCacheSize int    `mapstructure:"session_cache_size"`
	SessionCacheTTLS int    `mapstructure:"session_cache_ttl_s"`
	RedisAddr        string `mapstructure:"redis_addr"`
	RedisPassword    string `mapstructure:"redis_password"`
	RedisDB          int    `mapstructure:"redis_db"`
}

type KnowledgeConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	CacheSize int    `mapstructure:"cache_size"`
	CacheTTLS int    `mapstructure:"cache_ttl_s"`
	Limit     int    `mapstructure:"limit"`
}

type ProvidersConfig struct {
	Agent       VendorConfig `mapstructure:"agent"`
	Recognition VendorConfig `mapstructure:"recognition"`
	Reasoning   VendorConfig `mapstructure:"reasoning"`
}

type SynthesisConfig struct {
	APIKey      string `mapstructure:"api_key"`
	Model       string `mapstructure:"model"`
	StreamURL   string `mapstructure:"stream_url"`
	RestURL     string `mapstructure:"rest_url"`
	Disabled    bool   `mapstructure:"disabled"`
	PreferQueue bool   `mapstructure:"prefer_queue"`
}

type FunctionsConfig struct {
	TimeoutMS     int `mapstructure:"timeout_ms"`
	LoadTimeoutMS int `mapstructure:"load_timeout_ms"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ObservabilityConfig struct {
	TimelineDir   string `mapstructure:"timeline_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	AsyncBuffer   int    `mapstructure:"async_buffer"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.health_path", "/health")
	v.SetDefault("server.drain_timeout_ms", 30000)
	v.SetDefault("server.webhook_rps", 20)
	v.SetDefault("server.webhook_burst", 40)
	v.SetDefault("transport.provider", "twilio")
	v.SetDefault("controlplane.timeout_ms", 5000)
	v.SetDefault("controlplane.retries", 2)
	v.SetDefault("controlplane.retry_backoff_ms", 200)
	v.SetDefault("controlplane.session_cache_size", 1000)
	v.SetDefault("controlplane.session_cache_ttl_s", 600)
	v.SetDefault("knowledge.cache_size", 1000)
	v.SetDefault("knowledge.cache_ttl_s", 300)
	v.SetDefault("knowledge.limit", 5)
	v.SetDefault("providers.agent.provider", "deepgram")
	v.SetDefault("providers.recognition.provider", "google")
	v.SetDefault("providers.reasoning.provider", "gemini")
	v.SetDefault("synthesis.model", "aura-2-thalia-en")
	v.SetDefault("functions.timeout_ms", 10000)
	v.SetDefault("functions.load_timeout_ms", 3000)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("observability.async_buffer", 1024)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)
	if cfg.Knowledge.BaseURL == "" {
		cfg.Knowledge.BaseURL = cfg.ControlPlane.BaseURL
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transport.Provider) == "" {
		return fmt.Errorf("transport.provider is required")
	}
	if strings.TrimSpace(c.ControlPlane.BaseURL) == "" {
		return fmt.Errorf("controlplane.base_url is required")
	}
	if strings.TrimSpace(c.Providers.Agent.Provider) == "" {
		return fmt.Errorf("providers.agent.provider is required")
	}
	return nil
}

// Millis converts a millisecond config value, falling back when unset.
func Millis(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Millisecond
}

// Seconds converts a second config value, falling back when unset.
func Seconds(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Transport.Settings = expandSettings(cfg.Transport.Settings)
	cfg.Providers.Agent.Settings = expandSettings(cfg.Providers.Agent.Settings)
	cfg.Providers.Recognition.Settings = expandSettings(cfg.Providers.Recognition.Settings)
	cfg.Providers.Reasoning.Settings = expandSettings(cfg.Providers.Reasoning.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
