// Package config loads the proxy's layered configuration: code defaults,
// an optional YAML file overlay, then environment overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Body size limit constants.
const (
	DefaultBodySizeLimit int64 = 10 * 1024 * 1024  // 10 MiB
	MinBodySizeLimit     int64 = 1 * 1024          // 1 KiB
	MaxBodySizeLimit     int64 = 100 * 1024 * 1024 // 100 MiB
)

var bodySizeLimitRegex = regexp.MustCompile(`(?i)^(\d+)([KMG])?B?$`)

// envPrefix is prepended to every dotted config path to form the
// environment variable name, e.g. CROXY_SERVER_PORT.
const envPrefix = "CROXY"

// Config is the fully resolved proxy configuration.
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Routes     []RouteConfig             `yaml:"routes"`
	Default    DefaultConfig             `yaml:"default"`
	AutoRouter AutoRouterConfig          `yaml:"auto_router"`
	Logging    LoggingConfig             `yaml:"logging"`
	Retention  RetentionConfig           `yaml:"retention"`
	Cache      CacheConfig               `yaml:"cache"`
	Metrics    MetricsConfig             `yaml:"metrics"`
	Admin      AdminConfig               `yaml:"admin"`
}

// ServerConfig holds the listener's bind address and body-size cap.
type ServerConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	MaxBodySizeBytes int64  `yaml:"max_body_size_bytes"`
}

// ProviderConfig describes one named upstream.
type ProviderConfig struct {
	URL             string `yaml:"url"`
	StripAuth       bool   `yaml:"strip_auth"`
	APIKey          string `yaml:"api_key"`
	StubCountTokens bool   `yaml:"stub_count_tokens"`
}

// RouteConfig is one configured routing rule. At least one of Pattern or
// Description must be set; Description requires Name. Validated by
// router.FromConfig, not here.
type RouteConfig struct {
	Pattern      string `yaml:"pattern"`
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Provider     string `yaml:"provider"`
	ModelRewrite string `yaml:"model"`
}

// DefaultConfig names the provider used when no route matches.
type DefaultConfig struct {
	Provider string `yaml:"provider"`
}

// AutoRouterConfig configures the LLM-based classifier fallback.
type AutoRouterConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	Model     string `yaml:"model"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// LoggingConfig groups the metrics-log writer settings.
type LoggingConfig struct {
	Metrics MetricsLogConfig `yaml:"metrics"`
}

// MetricsLogConfig configures the rotating JSON-lines metrics log.
type MetricsLogConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files"`
}

// RetentionConfig bounds the in-memory metrics window.
type RetentionConfig struct {
	Enabled bool `yaml:"enabled"`
	Minutes int  `yaml:"minutes"`
}

// CacheConfig configures the auto-classifier decision cache.
type CacheConfig struct {
	// Type selects the backend: "local" (default), "redis", or "disabled".
	Type       string      `yaml:"type"`
	LocalPath  string      `yaml:"local_path"`
	TTLSeconds int         `yaml:"ttl_seconds"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings, used only when cache.type is "redis".
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// AdminConfig controls the read-only /admin/summary endpoint.
type AdminConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// buildDefaultConfig is the single source of truth for all configuration
// defaults, chosen so an empty file (or no file at all) parses successfully.
func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             3100,
			MaxBodySizeBytes: DefaultBodySizeLimit,
		},
		Providers: make(map[string]ProviderConfig),
		AutoRouter: AutoRouterConfig{
			TimeoutMs: 2000,
		},
		Logging: LoggingConfig{
			Metrics: MetricsLogConfig{
				MaxSizeMB: 50,
				MaxFiles:  5,
			},
		},
		Retention: RetentionConfig{
			Enabled: true,
			Minutes: 60,
		},
		Cache: CacheConfig{
			Type:       "local",
			LocalPath:  ".cache/croxy-decisions.json",
			TTLSeconds: 3600,
		},
		Metrics: MetricsConfig{
			Endpoint: "/metrics",
		},
		Admin: AdminConfig{
			Endpoint: "/admin/summary",
		},
	}
}

// Load reads configuration through the three-layer pipeline:
//
//	defaults (code) → config.yaml (optional overlay) → CROXY_* env vars
//
// Every run follows the same code path whether or not a config file exists.
// Validation is deliberately not performed here; router.FromConfig is the
// sole validator, run fatally at startup by the caller.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := buildDefaultConfig()

	if err := applyYAML(cfg); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := ValidateBodySizeLimit(cfg.Server.MaxBodySizeBytes); err != nil {
		return nil, fmt.Errorf("invalid server.max_body_size_bytes: %w", err)
	}

	return cfg, nil
}

// applyYAML reads an optional config file and overlays it onto cfg. If none
// of the candidate paths exist this is a no-op, not an error.
func applyYAML(cfg *Config) error {
	paths := []string{"config/config.yaml", "config.yaml"}

	var data []byte
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err == nil {
			data = raw
			break
		}
	}
	if data == nil {
		return nil
	}

	expanded := expandString(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// applyEnvOverrides walks cfg's fields recursively, deriving each leaf's
// environment variable name from its nested yaml tag path (uppercased,
// joined with "_", prefixed CROXY_) rather than requiring a per-field
// annotation, so any dotted config path gets override coverage automatically.
func applyEnvOverrides(cfg *Config) error {
	return applyEnvOverridesValue(reflect.ValueOf(cfg).Elem(), envPrefix)
}

func applyEnvOverridesValue(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		key := prefix + "_" + envKeySegment(field)

		switch field.Type.Kind() {
		case reflect.Map, reflect.Slice:
			// Providers and Routes are structured collections; only the
			// config file shapes them, not flat env overrides.
			continue
		case reflect.Struct:
			if err := applyEnvOverridesValue(fieldVal, key); err != nil {
				return err
			}
			continue
		}

		envVal := os.Getenv(key)
		if envVal == "" {
			continue
		}

		switch field.Type.Kind() {
		case reflect.String:
			fieldVal.SetString(envVal)
		case reflect.Bool:
			fieldVal.SetBool(parseBool(envVal))
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(envVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %q is not a valid integer", key, envVal)
			}
			fieldVal.SetInt(n)
		}
	}
	return nil
}

// envKeySegment derives the upper-cased path segment for field from its
// yaml tag (falling back to the Go field name if untagged).
func envKeySegment(field reflect.StructField) string {
	tag := field.Tag.Get("yaml")
	name := strings.Split(tag, ",")[0]
	if name == "" || name == "-" {
		name = field.Name
	}
	return strings.ToUpper(name)
}

// expandString expands environment variable references like ${VAR} or
// ${VAR:-default} in a string, letting the config file borrow credentials
// from the shell without committing them to disk.
func expandString(s string) string {
	if s == "" {
		return s
	}
	return os.Expand(s, func(key string) string {
		varname := key
		defaultValue := ""
		hasDefault := false
		if idx := strings.Index(key, ":-"); idx >= 0 {
			varname = key[:idx]
			defaultValue = key[idx+2:]
			hasDefault = true
		}
		value := os.Getenv(varname)
		if value == "" {
			if hasDefault {
				return defaultValue
			}
			return "${" + key + "}"
		}
		return value
	})
}

// parseBool returns true if s is "true" or "1" (case-insensitive).
func parseBool(s string) bool {
	return strings.EqualFold(s, "true") || s == "1"
}

// ValidateBodySizeLimit checks a resolved byte count against the allowed
// [1 KiB, 100 MiB] range. A value of 0 is also accepted.
func ValidateBodySizeLimit(n int64) error {
	if n == 0 {
		return nil
	}
	if n < MinBodySizeLimit {
		return fmt.Errorf("value %d bytes is below minimum of %d bytes (1KiB)", n, MinBodySizeLimit)
	}
	if n > MaxBodySizeLimit {
		return fmt.Errorf("value %d bytes exceeds maximum of %d bytes (100MiB)", n, MaxBodySizeLimit)
	}
	return nil
}

// ParseBodySizeString parses human-friendly sizes like "10M", "1024K", or a
// plain byte count, used by the CLI surface when accepting overrides.
func ParseBodySizeString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	matches := bodySizeLimitRegex.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid format %q: expected pattern like '10M', '1024K', or '104857600'", s)
	}

	value, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in %q: %w", s, err)
	}

	switch strings.ToUpper(matches[2]) {
	case "K":
		value *= 1024
	case "M":
		value *= 1024 * 1024
	case "G":
		value *= 1024 * 1024 * 1024
	}

	if err := ValidateBodySizeLimit(value); err != nil {
		return 0, err
	}
	return value, nil
}
