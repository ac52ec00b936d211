package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	LLM         LLMConfig                 `json:"llm" yaml:"llm"`
	Fetch       FetchConfig               `json:"fetch" yaml:"fetch"`
	Worker      WorkerConfig              `json:"worker" yaml:"worker"`
	Stream      StreamConfig              `json:"stream" yaml:"stream"`
	Session     SessionConfig             `json:"session" yaml:"session"`
	Log         LogConfig                 `json:"log" yaml:"log"`
}

type BasicConfig struct {
	ServerAddress string   `json:"server_address" yaml:"server_address"`
	Database      string   `json:"database" yaml:"database"`
	// CORSOrigins lists browser origins allowed to call the API with credentials.
	// Empty or "*" allows any origin without credentials.
	CORSOrigins   []string `json:"cors_origins" yaml:"cors_origins"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

// RedisConfig is optional; an empty Host disables the redis-backed caches.
type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

// DefaultTemperature applies when llm.temperature is absent from the file.
const DefaultTemperature float32 = 1.0

type LLMConfig struct {
	Provider    string   `json:"provider" yaml:"provider"`
	Model       string   `json:"model" yaml:"model"`
	// nil means unset; 0 is a valid setting.
	Temperature *float32 `json:"temperature" yaml:"temperature"`
	MaxTokens   int      `json:"max_tokens" yaml:"max_tokens"`
}

// SamplingTemperature returns the configured temperature or DefaultTemperature.
func (l LLMConfig) SamplingTemperature() float32 {
	if l.Temperature == nil {
		return DefaultTemperature
	}
	return *l.Temperature
}

type FetchConfig struct {
	RegistryURL    string `json:"registry_url" yaml:"registry_url"`
	ReaderURL      string `json:"reader_url" yaml:"reader_url"`
	MaxAttempts    int    `json:"max_attempts" yaml:"max_attempts"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	BackoffBaseMS  int    `json:"backoff_base_ms" yaml:"backoff_base_ms"`
	// ReaderCacheMinutes is the TTL of extracted PDF text kept in redis.
	ReaderCacheMinutes int `json:"reader_cache_minutes" yaml:"reader_cache_minutes"`
}

type WorkerConfig struct {
	MinWorkers int `json:"min_workers" yaml:"min_workers"`
	MaxWorkers int `json:"max_workers" yaml:"max_workers"`
	QueueSize  int `json:"queue_size" yaml:"queue_size"`
	// IdleSeconds retires workers above MinWorkers after this much idle time.
	IdleSeconds int `json:"idle_seconds" yaml:"idle_seconds"`
}

type StreamConfig struct {
	PollIntervalMS int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"`
}

type SessionConfig struct {
	IdleMinutes          int `json:"idle_minutes" yaml:"idle_minutes"`
	EvictIntervalMinutes int `json:"evict_interval_minutes" yaml:"evict_interval_minutes"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	File   string `json:"file" yaml:"file"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// Default returns the settings applied underneath every loaded file.
func Default() Config {
	return Config{
		BasicConfig: BasicConfig{
			ServerAddress: ":8000",
			Database:      "sqlite3",
		},
		LLM: LLMConfig{
			Provider: "openai",
		},
		Fetch: FetchConfig{
			RegistryURL:        "https://api2.openreview.net",
			ReaderURL:          "https://r.jina.ai",
			MaxAttempts:        3,
			TimeoutSeconds:     30,
			BackoffBaseMS:      1000,
			ReaderCacheMinutes: 24 * 60,
		},
		Worker: WorkerConfig{
			MinWorkers:  2,
			MaxWorkers:  16,
			QueueSize:   64,
			IdleSeconds: 30,
		},
		Stream: StreamConfig{
			PollIntervalMS: 20,
			TimeoutSeconds: 600,
		},
		Session: SessionConfig{
			IdleMinutes:          60,
			EvictIntervalMinutes: 5,
		},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := mergo.Merge(&cfg, Default()); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}

	driver := strings.ToLower(cfg.BasicConfig.Database)
	dbCfg, ok := cfg.Databases[driver]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", driver)
	}
	if (driver == "sqlite" || driver == "sqlite3") && dbCfg.DSN != "" && dbCfg.DSN != ":memory:" &&
		!strings.HasPrefix(dbCfg.DSN, "file:") && !filepath.IsAbs(dbCfg.DSN) {
		dbCfg.DSN = filepath.Join(filepath.Dir(absPath), dbCfg.DSN)
		cfg.Databases[driver] = dbCfg
	}

	for name, prov := range cfg.Providers {
		if prov.APIKey == "" {
			prov.APIKey = os.Getenv(strings.ToUpper(name) + "_API_KEY")
			cfg.Providers[name] = prov
		}
	}

	return &cfg, nil
}

// Provider returns the settings of the configured LLM provider.
func (c *Config) Provider() (ProviderConfig, error) {
	prov, ok := c.Providers[c.LLM.Provider]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("provider %s not configured", c.LLM.Provider)
	}
	if c.LLM.Model != "" {
		prov.Model = c.LLM.Model
	}
	return prov, nil
}
