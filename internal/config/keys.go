package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ORCA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "ORCA_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "proxy.base_url", typ: kString, env: "ORCA_PROXY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.BaseURL },
	},
	{
		key: "proxy.default_model", typ: kString, env: "ORCA_PROXY_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.DefaultModel },
	},
	{
		key: "proxy.timeout", typ: kDuration, env: "ORCA_PROXY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Proxy.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Proxy.Timeout },
	},
	{
		key: "ollama.base_url", typ: kString, env: "ORCA_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "ORCA_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ORCA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "ORCA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "ORCA_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "retry.patient_max_attempts", typ: kInt, env: "ORCA_RETRY_PATIENT_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.PatientMaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.PatientMaxAttempts },
	},
	{
		key: "retry.patient_max_delay", typ: kDuration, env: "ORCA_RETRY_PATIENT_MAX_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.PatientMaxDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.PatientMaxDelay },
	},
	{
		key: "cache.capacity", typ: kInt, env: "ORCA_CACHE_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Cache.Capacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.Capacity },
	},
	{
		key: "cache.static_ttl", typ: kDuration, env: "ORCA_CACHE_STATIC_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.StaticTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.StaticTTL },
	},
	{
		key: "cache.temporal_ttl", typ: kDuration, env: "ORCA_CACHE_TEMPORAL_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TemporalTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TemporalTTL },
	},
	{
		key: "cache.default_ttl", typ: kDuration, env: "ORCA_CACHE_DEFAULT_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.DefaultTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.DefaultTTL },
	},
	{
		key: "cache.sweep_interval", typ: kDuration, env: "ORCA_CACHE_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cache.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.SweepInterval },
	},
	{
		key: "documents.timeout", typ: kDuration, env: "ORCA_DOCUMENTS_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Documents.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Documents.Timeout },
	},
	{
		key: "documents.summarizer", typ: kString, env: "ORCA_DOCUMENTS_SUMMARIZER",
		apply:   func(cfg *Config, v any) { cfg.Documents.Summarizer = v.(string) },
		extract: func(cfg Config) any { return cfg.Documents.Summarizer },
	},
	{
		key: "documents.cache_ttl", typ: kDuration, env: "ORCA_DOCUMENTS_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Documents.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Documents.CacheTTL },
	},
	{
		key: "documents.cache_size", typ: kInt, env: "ORCA_DOCUMENTS_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Documents.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Documents.CacheSize },
	},
	{
		key: "documents.max_concurrent", typ: kInt, env: "ORCA_DOCUMENTS_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Documents.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Documents.MaxConcurrent },
	},
	{
		key: "mock.enabled", typ: kBool, env: "ORCA_MOCK_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Mock.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Mock.Enabled },
	},
	{
		key: "mock.overload_threshold", typ: kInt, env: "ORCA_MOCK_OVERLOAD_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Mock.OverloadThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Mock.OverloadThreshold },
	},
	{
		key: "mock.overload_window", typ: kDuration, env: "ORCA_MOCK_OVERLOAD_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Mock.OverloadWindow = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Mock.OverloadWindow },
	},
	{
		key: "tools.search_url", typ: kString, env: "ORCA_TOOLS_SEARCH_URL",
		apply:   func(cfg *Config, v any) { cfg.Tools.SearchURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Tools.SearchURL },
	},
	{
		key: "tools.calendar_url", typ: kString, env: "ORCA_TOOLS_CALENDAR_URL",
		apply:   func(cfg *Config, v any) { cfg.Tools.CalendarURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Tools.CalendarURL },
	},
	{
		key: "tools.storage_url", typ: kString, env: "ORCA_TOOLS_STORAGE_URL",
		apply:   func(cfg *Config, v any) { cfg.Tools.StorageURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Tools.StorageURL },
	},
}

// parseValue converts a raw string to the Go type of the key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %s", raw)
		}
		return d, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
