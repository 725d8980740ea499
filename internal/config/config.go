// Package config loads lumen's runtime configuration. Struct shape follows
// the source repo's YAML-tagged struct convention; loading follows the
// source repo's environment-variable-first Load() convention (see
// loader.go), so a deployment can run from env vars alone while still
// supporting a YAML file for local development.
package config

import "time"

// DatabaseConfig selects and configures the TokenStore backend.
type DatabaseConfig struct {
	Backend string `yaml:"backend"` // "memory" | "postgres" | "auto"
	DSN     string `yaml:"dsn"`
}

// VectorConfig selects and configures the SemanticIndex backend.
type VectorConfig struct {
	Backend    string `yaml:"backend"` // "memory" | "postgres" | "qdrant" | "auto"
	DSN        string `yaml:"dsn"`
	Collection string `yaml:"collection"`
	Dimensions int    `yaml:"dimensions"`
	Metric     string `yaml:"metric"` // cosine|l2|ip
}

// RedisConfig configures the optional query-embedding cache in front of the
// SemanticIndex.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// EmbeddingConfig configures the embedding service contract client.
type EmbeddingConfig struct {
	BaseURL    string `yaml:"base_url"`
	Path       string `yaml:"path"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	APIHeader  string `yaml:"api_header"`
	Dimensions int    `yaml:"dimensions"`
	Timeout    int    `yaml:"timeout_seconds"` // ~30s default
}

// TokenizerConfig configures the tokenizer contract client.
type TokenizerConfig struct {
	BaseURL string `yaml:"base_url"`
	Path    string `yaml:"path"`
	Timeout int    `yaml:"timeout_seconds"` // ~5s default
}

// GenerationConfig configures the generate_stream contract client.
type GenerationConfig struct {
	BaseURL string `yaml:"base_url"`
	Path    string `yaml:"path"`
}

// BudgetConfig holds the default token budgets the SessionController and
// Pruner operate under.
type BudgetConfig struct {
	MaxActiveTokens   int `yaml:"max_active_tokens"`
	GenerationReserve int `yaml:"generation_reserve"`
	UserEstimate      int `yaml:"user_estimate"`
	MinChunkTokens    int `yaml:"min_chunk_tokens"` // fixed at 64, not configurable
}

// TelemetryConfig controls OpenTelemetry tracing/metrics export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// Config is the top-level configuration for the lumen daemon.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogPath  string `yaml:"log_path"`
	LogLevel string `yaml:"log_level"`

	Database   DatabaseConfig   `yaml:"database"`
	Vector     VectorConfig     `yaml:"vector"`
	Redis      RedisConfig      `yaml:"redis"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Tokenizer  TokenizerConfig  `yaml:"tokenizer"`
	Generation GenerationConfig `yaml:"generation"`
	Budget     BudgetConfig     `yaml:"budget"`
	OTel       TelemetryConfig  `yaml:"otel"`
}
