package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from environment variables (optionally .env),
// applying defaults for anything left unset. Uses Overload so repository
// .env values win over any pre-existing OS environment during local
// development, matching the source repo's Load() convention. If CONFIG_FILE
// is set, that YAML file is loaded first and environment variables override
// its values.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config file %q: %w", path, err)
		}
		cfg = fileCfg
	}

	cfg.Host = firstNonEmpty(strings.TrimSpace(os.Getenv("HOST")), cfg.Host, "0.0.0.0")
	cfg.Port = intFromEnv("PORT", cfg.Port, 8088)
	cfg.LogPath = firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_PATH")), cfg.LogPath)
	cfg.LogLevel = firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), cfg.LogLevel, "info")

	cfg.Database.Backend = firstNonEmpty(strings.TrimSpace(os.Getenv("DATABASE_BACKEND")), cfg.Database.Backend, "memory")
	cfg.Database.DSN = firstNonEmpty(strings.TrimSpace(os.Getenv("DATABASE_URL")), strings.TrimSpace(os.Getenv("POSTGRES_DSN")), cfg.Database.DSN)

	cfg.Vector.Backend = firstNonEmpty(strings.TrimSpace(os.Getenv("VECTOR_BACKEND")), cfg.Vector.Backend, "memory")
	cfg.Vector.DSN = firstNonEmpty(strings.TrimSpace(os.Getenv("VECTOR_DSN")), cfg.Vector.DSN)
	cfg.Vector.Collection = firstNonEmpty(strings.TrimSpace(os.Getenv("VECTOR_COLLECTION")), cfg.Vector.Collection, "lumen_chunks")
	cfg.Vector.Dimensions = intFromEnv("VECTOR_DIMENSIONS", cfg.Vector.Dimensions, 384)
	cfg.Vector.Metric = firstNonEmpty(strings.TrimSpace(os.Getenv("VECTOR_METRIC")), cfg.Vector.Metric, "cosine")

	if v := strings.TrimSpace(os.Getenv("REDIS_ENABLED")); v != "" {
		cfg.Redis.Enabled = strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
	}
	cfg.Redis.Addr = firstNonEmpty(strings.TrimSpace(os.Getenv("REDIS_ADDR")), cfg.Redis.Addr)
	cfg.Redis.Password = firstNonEmpty(strings.TrimSpace(os.Getenv("REDIS_PASSWORD")), cfg.Redis.Password)
	cfg.Redis.DB = intFromEnv("REDIS_DB", cfg.Redis.DB, 0)
	if v := strings.TrimSpace(os.Getenv("REDIS_CACHE_TTL_SECONDS")); v != "" {
		cfg.Redis.TTL = time.Duration(intFromEnv("REDIS_CACHE_TTL_SECONDS", 0, 3600)) * time.Second
	} else if cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = 3600 * time.Second
	}

	cfg.Embedding.BaseURL = firstNonEmpty(strings.TrimSpace(os.Getenv("EMBED_BASE_URL")), cfg.Embedding.BaseURL)
	cfg.Embedding.Path = firstNonEmpty(strings.TrimSpace(os.Getenv("EMBED_PATH")), cfg.Embedding.Path, "/v1/embeddings")
	cfg.Embedding.Model = firstNonEmpty(strings.TrimSpace(os.Getenv("EMBED_MODEL")), cfg.Embedding.Model)
	cfg.Embedding.APIKey = firstNonEmpty(strings.TrimSpace(os.Getenv("EMBED_API_KEY")), cfg.Embedding.APIKey)
	cfg.Embedding.APIHeader = firstNonEmpty(strings.TrimSpace(os.Getenv("EMBED_API_HEADER")), cfg.Embedding.APIHeader, "Authorization")
	cfg.Embedding.Dimensions = intFromEnv("EMBED_DIMENSIONS", cfg.Embedding.Dimensions, 384)
	cfg.Embedding.Timeout = intFromEnv("EMBED_TIMEOUT_SECONDS", cfg.Embedding.Timeout, 30)

	cfg.Tokenizer.BaseURL = firstNonEmpty(strings.TrimSpace(os.Getenv("TOKENIZER_BASE_URL")), cfg.Tokenizer.BaseURL)
	cfg.Tokenizer.Path = firstNonEmpty(strings.TrimSpace(os.Getenv("TOKENIZER_PATH")), cfg.Tokenizer.Path, "/tokenize")
	cfg.Tokenizer.Timeout = intFromEnv("TOKENIZER_TIMEOUT_SECONDS", cfg.Tokenizer.Timeout, 5)

	cfg.Generation.BaseURL = firstNonEmpty(strings.TrimSpace(os.Getenv("GENERATION_BASE_URL")), cfg.Generation.BaseURL)
	cfg.Generation.Path = firstNonEmpty(strings.TrimSpace(os.Getenv("GENERATION_PATH")), cfg.Generation.Path, "/generate_stream")

	cfg.Budget.MaxActiveTokens = intFromEnv("MAX_ACTIVE_TOKENS", cfg.Budget.MaxActiveTokens, 8192)
	cfg.Budget.GenerationReserve = intFromEnv("GENERATION_RESERVE_TOKENS", cfg.Budget.GenerationReserve, 1024)
	cfg.Budget.UserEstimate = intFromEnv("USER_ESTIMATE_TOKENS", cfg.Budget.UserEstimate, 256)
	cfg.Budget.MinChunkTokens = 64 // fixed, not configurable.

	if v := strings.TrimSpace(os.Getenv("OTEL_ENABLED")); v != "" {
		cfg.OTel.Enabled = strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
	}
	cfg.OTel.Endpoint = firstNonEmpty(strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")), cfg.OTel.Endpoint)
	if v := strings.TrimSpace(os.Getenv("OTEL_INSECURE")); v != "" {
		cfg.OTel.Insecure = strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
	}
	cfg.OTel.ServiceName = firstNonEmpty(strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")), cfg.OTel.ServiceName, "lumen")

	return cfg, nil
}

// LoadFile reads a YAML configuration file into a Config. Load uses it as
// the base layer when CONFIG_FILE is set; environment variables are then
// applied on top of whatever it returns.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intFromEnv(key string, current, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if current != 0 {
		return current
	}
	return def
}
