// Package config provides configuration management for Sourcer.
// It loads settings from environment variables with the SOURCER_ prefix,
// optionally layered over a YAML config file, and provides sensible
// defaults for all configuration options.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Sourcer application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	LLM       LLMConfig       `yaml:"llm"`
	Search    SearchConfig    `yaml:"search"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Resolve   ResolveConfig   `yaml:"resolve"`
	Session   SessionConfig   `yaml:"session"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"` // Server port (default: 6380)
	Host string `yaml:"host"` // Server host (default: 127.0.0.1)
}

// StorageConfig contains cache database configuration.
type StorageConfig struct {
	// Engine selects the cache backend: sqlite or postgres (default: sqlite).
	Engine string `yaml:"engine"`

	// DataPath is the sqlite data directory (default: ./data).
	DataPath string `yaml:"data_path"`

	// PostgresDSN is the connection string used when Engine is postgres.
	PostgresDSN string `yaml:"postgres_dsn"`

	// ConnectionsFile is the optional named-workspace connections file
	// watched for hot reload.
	ConnectionsFile string `yaml:"connections_file"`
}

// LLMConfig contains classifier provider configuration.
type LLMConfig struct {
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIModel   string `yaml:"openai_model"`   // default: gpt-4o-mini
	OpenAIBaseURL string `yaml:"openai_baseurl"` // override for compatible endpoints
}

// SearchConfig contains the person-search backend client settings.
type SearchConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // default: 5
	TimeoutSeconds    int     `yaml:"timeout_seconds"`     // default: 30
}

// DiscoveryConfig bounds the discovery stage.
type DiscoveryConfig struct {
	// SearchBaseURL is the external web-search endpoint used by the
	// discovery strategies.
	SearchBaseURL string `yaml:"search_base_url"`
	SearchAPIKey  string `yaml:"search_api_key"`

	MaxSeeds          int `yaml:"max_seeds"`           // default: 5
	MaxKeywordQueries int `yaml:"max_keyword_queries"` // default: 8
	HitsPerQuery      int `yaml:"hits_per_query"`      // default: 10
	Concurrency       int `yaml:"concurrency"`         // default: 4
}

// ResolveConfig tunes the resolution cache and its enrichment API.
type ResolveConfig struct {
	// APIBaseURL is the enrichment API used for name matching and
	// profile fetches.
	APIBaseURL string `yaml:"api_base_url"`
	APIKey     string `yaml:"api_key"`

	PositiveTTLDays int `yaml:"positive_ttl_days"` // default: 90
	NegativeTTLDays int `yaml:"negative_ttl_days"` // default: 7
	ProfileTTLDays  int `yaml:"profile_ttl_days"`  // default: 90
	ProfileLRUSize  int `yaml:"profile_lru_size"`  // default: 1024
	Concurrency     int `yaml:"concurrency"`       // default: 4
}

// SessionConfig tunes search sessions.
type SessionConfig struct {
	PageSize           int `yaml:"page_size"`             // default: 20
	TTLHours           int `yaml:"ttl_hours"`             // default: 24
	MinRequestDelayMS  int `yaml:"min_request_delay_ms"`  // default: 200
	PruneIntervalHours int `yaml:"prune_interval_hours"`  // default: 1
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	// Mode is development or production (default: development). Production
	// requires APIToken on every request.
	Mode     string `yaml:"mode"`
	APIToken string `yaml:"api_token"`
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. All environment variables use the SOURCER_ prefix.
func LoadConfig() (*Config, error) {
	return buildBaseConfig(), nil
}

// LoadConfigFile loads a YAML config file and layers SOURCER_ environment
// variables on top: env vars win, the file fills the rest, defaults fill
// whatever remains.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	fileCfg := buildBaseConfig()
	if err := yaml.Unmarshal(data, fileCfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	// Re-apply env vars over the file values.
	applyEnv(fileCfg)
	return fileCfg, nil
}

// SearchTimeout returns the configured search request timeout.
func (c *Config) SearchTimeout() time.Duration {
	return time.Duration(c.Search.TimeoutSeconds) * time.Second
}

// MinRequestDelay returns the configured session request spacing.
func (c *Config) MinRequestDelay() time.Duration {
	return time.Duration(c.Session.MinRequestDelayMS) * time.Millisecond
}

// buildBaseConfig constructs a Config with values from environment
// variables and defaults.
func buildBaseConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port: 6380,
			Host: "127.0.0.1",
		},
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		LLM: LLMConfig{
			OpenAIModel: "gpt-4o-mini",
		},
		Search: SearchConfig{
			RequestsPerSecond: 5,
			TimeoutSeconds:    30,
		},
		Discovery: DiscoveryConfig{
			MaxSeeds:          5,
			MaxKeywordQueries: 8,
			HitsPerQuery:      10,
			Concurrency:       4,
		},
		Resolve: ResolveConfig{
			PositiveTTLDays: 90,
			NegativeTTLDays: 7,
			ProfileTTLDays:  90,
			ProfileLRUSize:  1024,
			Concurrency:     4,
		},
		Session: SessionConfig{
			PageSize:           20,
			TTLHours:           24,
			MinRequestDelayMS:  200,
			PruneIntervalHours: 1,
		},
		Security: SecurityConfig{
			Mode: "development",
		},
	}
	applyEnv(cfg)
	return cfg
}

// applyEnv overwrites cfg fields that have a SOURCER_ env var set.
func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt("SOURCER_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("SOURCER_HOST", cfg.Server.Host)

	cfg.Storage.Engine = getEnv("SOURCER_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DataPath = getEnv("SOURCER_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("SOURCER_POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.ConnectionsFile = getEnv("SOURCER_CONNECTIONS_FILE", cfg.Storage.ConnectionsFile)

	cfg.LLM.OpenAIAPIKey = getEnv("SOURCER_OPENAI_API_KEY", cfg.LLM.OpenAIAPIKey)
	cfg.LLM.OpenAIModel = getEnv("SOURCER_OPENAI_MODEL", cfg.LLM.OpenAIModel)
	cfg.LLM.OpenAIBaseURL = getEnv("SOURCER_OPENAI_BASE_URL", cfg.LLM.OpenAIBaseURL)

	cfg.Search.BaseURL = getEnv("SOURCER_SEARCH_BASE_URL", cfg.Search.BaseURL)
	cfg.Search.APIKey = getEnv("SOURCER_SEARCH_API_KEY", cfg.Search.APIKey)
	cfg.Search.TimeoutSeconds = getEnvInt("SOURCER_SEARCH_TIMEOUT_SECONDS", cfg.Search.TimeoutSeconds)

	cfg.Discovery.SearchBaseURL = getEnv("SOURCER_DISCOVERY_SEARCH_BASE_URL", cfg.Discovery.SearchBaseURL)
	cfg.Discovery.SearchAPIKey = getEnv("SOURCER_DISCOVERY_SEARCH_API_KEY", cfg.Discovery.SearchAPIKey)
	cfg.Discovery.MaxSeeds = getEnvInt("SOURCER_DISCOVERY_MAX_SEEDS", cfg.Discovery.MaxSeeds)
	cfg.Discovery.MaxKeywordQueries = getEnvInt("SOURCER_DISCOVERY_MAX_KEYWORD_QUERIES", cfg.Discovery.MaxKeywordQueries)
	cfg.Discovery.HitsPerQuery = getEnvInt("SOURCER_DISCOVERY_HITS_PER_QUERY", cfg.Discovery.HitsPerQuery)
	cfg.Discovery.Concurrency = getEnvInt("SOURCER_DISCOVERY_CONCURRENCY", cfg.Discovery.Concurrency)

	cfg.Resolve.APIBaseURL = getEnv("SOURCER_RESOLVE_API_BASE_URL", cfg.Resolve.APIBaseURL)
	cfg.Resolve.APIKey = getEnv("SOURCER_RESOLVE_API_KEY", cfg.Resolve.APIKey)
	cfg.Resolve.PositiveTTLDays = getEnvInt("SOURCER_RESOLVE_POSITIVE_TTL_DAYS", cfg.Resolve.PositiveTTLDays)
	cfg.Resolve.NegativeTTLDays = getEnvInt("SOURCER_RESOLVE_NEGATIVE_TTL_DAYS", cfg.Resolve.NegativeTTLDays)
	cfg.Resolve.ProfileTTLDays = getEnvInt("SOURCER_RESOLVE_PROFILE_TTL_DAYS", cfg.Resolve.ProfileTTLDays)
	cfg.Resolve.ProfileLRUSize = getEnvInt("SOURCER_RESOLVE_PROFILE_LRU_SIZE", cfg.Resolve.ProfileLRUSize)
	cfg.Resolve.Concurrency = getEnvInt("SOURCER_RESOLVE_CONCURRENCY", cfg.Resolve.Concurrency)

	cfg.Session.PageSize = getEnvInt("SOURCER_SESSION_PAGE_SIZE", cfg.Session.PageSize)
	cfg.Session.TTLHours = getEnvInt("SOURCER_SESSION_TTL_HOURS", cfg.Session.TTLHours)
	cfg.Session.MinRequestDelayMS = getEnvInt("SOURCER_SESSION_MIN_REQUEST_DELAY_MS", cfg.Session.MinRequestDelayMS)
	cfg.Session.PruneIntervalHours = getEnvInt("SOURCER_SESSION_PRUNE_INTERVAL_HOURS", cfg.Session.PruneIntervalHours)

	cfg.Security.Mode = getEnv("SOURCER_SECURITY_MODE", cfg.Security.Mode)
	cfg.Security.APIToken = getEnv("SOURCER_API_TOKEN", cfg.Security.APIToken)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. If the environment variable exists but cannot be parsed as an
// integer, it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
