package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Proxy     ProxyConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Log       LogConfig
	Retry     RetryConfig
	Cache     CacheConfig
	Documents DocumentsConfig
	Mock      MockConfig
	Tools     ToolsConfig
}

type ServerConfig struct {
	Port int
}

type ProxyConfig struct {
	OpenRouterAPIKey string
	BaseURL          string
	DefaultModel     string
	Timeout          time.Duration
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

// RetryConfig tunes the patient policy used against the upstream provider.
type RetryConfig struct {
	PatientMaxAttempts int
	PatientMaxDelay    time.Duration
}

type CacheConfig struct {
	Capacity      int
	StaticTTL     time.Duration
	TemporalTTL   time.Duration
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

// Summarizer backends for document chunks.
const (
	SummarizerCloud  = "cloud"
	SummarizerOllama = "ollama"
	SummarizerNone   = "none"
)

type DocumentsConfig struct {
	Timeout       time.Duration
	Summarizer    string
	CacheTTL      time.Duration
	CacheSize     int
	MaxConcurrent int
}

type MockConfig struct {
	Enabled           bool
	OverloadThreshold int
	OverloadWindow    time.Duration
}

// ToolsConfig holds the endpoints of the external tool adapters. Empty
// endpoints leave the tool unregistered.
type ToolsConfig struct {
	SearchURL   string
	CalendarURL string
	StorageURL  string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Proxy: ProxyConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			DefaultModel: "anthropic/claude-sonnet-4",
			Timeout:      120 * time.Second,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "phi3.5",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Retry: RetryConfig{
			PatientMaxAttempts: 8,
			PatientMaxDelay:    45 * time.Second,
		},
		Cache: CacheConfig{
			Capacity:      2048,
			StaticTTL:     24 * time.Hour,
			TemporalTTL:   time.Hour,
			DefaultTTL:    5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Documents: DocumentsConfig{
			Timeout:       20 * time.Second,
			Summarizer:    SummarizerCloud,
			CacheTTL:      time.Hour,
			CacheSize:     256,
			MaxConcurrent: 3,
		},
		Mock: MockConfig{
			OverloadThreshold: 3,
			OverloadWindow:    5 * time.Minute,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.orca.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/orca/config.json
// and secrets fall back to $XDG_DATA_HOME/orca/secrets.json.
//
// Environment variables (ORCA_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b Backend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Proxy.OpenRouterAPIKey == "" {
		if key, err := kc.Get(keychainService, "openrouter_api_key"); err == nil && key != "" {
			cfg.Proxy.OpenRouterAPIKey = key
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting. The upstream API key is only
// required when the mock responder is not forced on.
func (c Config) Validate() error {
	if c.Proxy.OpenRouterAPIKey == "" && !c.Mock.Enabled {
		return errors.New("missing required config: OpenRouter API key. " +
			"Set it via environment variable ORCA_OPENROUTER_API_KEY" +
			apiKeyHint() + ", or set mock.enabled to run without an upstream")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Documents.Summarizer {
	case SummarizerCloud, SummarizerOllama, SummarizerNone:
	default:
		return fmt.Errorf("documents.summarizer must be one of cloud, ollama, none; got %q", c.Documents.Summarizer)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json; got %q", c.Log.Format)
	}
	if c.Documents.MaxConcurrent < 1 {
		return fmt.Errorf("documents.max_concurrent must be at least 1; got %d", c.Documents.MaxConcurrent)
	}
	if c.Retry.PatientMaxAttempts < 1 {
		return fmt.Errorf("retry.patient_max_attempts must be at least 1; got %d", c.Retry.PatientMaxAttempts)
	}
	return nil
}
