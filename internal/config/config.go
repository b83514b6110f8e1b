package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

const (
	ProviderGroq   = "groq"
	ProviderOllama = "ollama"

	VectorStoreQdrant = "qdrant"
	VectorStoreMemory = "memory"
)

type Config struct {
	APIPort           string
	LogLevel          string
	APIRateLimitRPS   float64
	APIRateLimitBurst int
	APIMaxInFlight    int
	APIOverloadWait   time.Duration

	DataDir  string
	DataFile string

	OllamaURL           string
	EmbedModel          string
	EmbedRetryAttempts  int
	EmbedRetryBaseDelay time.Duration
	EmbedTimeout        time.Duration
	EmbedConcurrency    int
	EmbedRateLimitRPS   float64

	VectorStore      string
	QdrantURL        string
	VectorCollection string

	GenerationProvider string
	GroqAPIKey         string
	GroqBaseURL        string
	GroqModel          string
	OllamaGenModel     string

	IngestBatchSize int
	IngestSkipRows  int
	RAGTopK         int
	RAGMaxTokens    int
	RAGTemperature  float64

	PostgresDSN string

	NATSURL     string
	NATSSubject string

	ResilienceBreakerEnabled bool

	WorkerMetricsPort string
}

// Load reads .env when present, then the optional RAG_CONFIG_FILE overlay.
// Process environment wins over both.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, domain.WrapError(domain.ErrConfiguration, "load .env", err)
	}

	overlay, err := readOverlay(os.Getenv("RAG_CONFIG_FILE"))
	if err != nil {
		return Config{}, err
	}
	return load(env{overlay: overlay}), nil
}

func load(e env) Config {
	return Config{
		APIPort:           e.mustEnv("API_PORT", "8080"),
		LogLevel:          e.mustEnv("LOG_LEVEL", "info"),
		APIRateLimitRPS:   e.mustEnvFloat("API_RATE_LIMIT_RPS", 20),
		APIRateLimitBurst: e.mustEnvInt("API_RATE_LIMIT_BURST", 40),
		APIMaxInFlight:    e.mustEnvInt("API_MAX_IN_FLIGHT", 64),
		APIOverloadWait:   e.mustEnvDuration("API_OVERLOAD_WAIT", 250*time.Millisecond),

		DataDir:  e.mustEnv("DATA_DIR", "./data"),
		DataFile: e.mustEnv("DATA_FILE", ""),

		OllamaURL:           e.mustEnv("OLLAMA_URL", "http://localhost:11434"),
		EmbedModel:          e.mustEnv("EMBED_MODEL", "nomic-embed-text"),
		EmbedRetryAttempts:  e.mustEnvInt("EMBED_RETRY_ATTEMPTS", 3),
		EmbedRetryBaseDelay: e.mustEnvDuration("EMBED_RETRY_BASE_DELAY", time.Second),
		EmbedTimeout:        e.mustEnvDuration("EMBED_TIMEOUT", 30*time.Second),
		EmbedConcurrency:    e.mustEnvInt("EMBED_CONCURRENCY", 16),
		EmbedRateLimitRPS:   e.mustEnvFloat("EMBED_RATE_LIMIT_RPS", 0),

		VectorStore:      strings.ToLower(e.mustEnv("VECTOR_STORE", VectorStoreQdrant)),
		QdrantURL:        e.mustEnv("QDRANT_URL", "http://localhost:6333"),
		VectorCollection: e.mustEnv("VECTOR_COLLECTION", "trade_data"),

		GenerationProvider: strings.ToLower(e.mustEnv("GENERATION_PROVIDER", ProviderGroq)),
		GroqAPIKey:         e.mustEnv("GROQ_API_KEY", ""),
		GroqBaseURL:        e.mustEnv("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		GroqModel:          e.mustEnv("GROQ_MODEL", "llama-3.3-70b-versatile"),
		OllamaGenModel:     e.mustEnv("OLLAMA_GEN_MODEL", "llama3.1:8b"),

		IngestBatchSize: e.mustEnvInt("INGEST_BATCH_SIZE", domain.DefaultBatchSize),
		IngestSkipRows:  e.mustEnvInt("INGEST_SKIP_ROWS", 0),
		RAGTopK:         e.mustEnvInt("RAG_TOP_K", domain.DefaultTopK),
		RAGMaxTokens:    e.mustEnvInt("RAG_MAX_TOKENS", domain.DefaultMaxTokens),
		RAGTemperature:  e.mustEnvFloat("RAG_TEMPERATURE", domain.DefaultTemperature),

		PostgresDSN: e.mustEnv("POSTGRES_DSN", ""),

		NATSURL:     e.mustEnv("NATS_URL", ""),
		NATSSubject: e.mustEnv("NATS_SUBJECT", "ingest.requested"),

		ResilienceBreakerEnabled: e.mustEnvBool("RESILIENCE_BREAKER_ENABLED", true),

		WorkerMetricsPort: e.mustEnv("WORKER_METRICS_PORT", "9090"),
	}
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	var problems []string
	switch c.GenerationProvider {
	case ProviderGroq:
		if strings.TrimSpace(c.GroqAPIKey) == "" {
			problems = append(problems, "GROQ_API_KEY is required when GENERATION_PROVIDER=groq")
		}
	case ProviderOllama:
	default:
		problems = append(problems, fmt.Sprintf("unknown GENERATION_PROVIDER %q", c.GenerationProvider))
	}
	switch c.VectorStore {
	case VectorStoreQdrant:
		if c.QdrantURL == "" {
			problems = append(problems, "QDRANT_URL is required when VECTOR_STORE=qdrant")
		}
	case VectorStoreMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown VECTOR_STORE %q", c.VectorStore))
	}
	if c.OllamaURL == "" {
		problems = append(problems, "OLLAMA_URL is required")
	}
	if c.EmbedModel == "" {
		problems = append(problems, "EMBED_MODEL is required")
	}
	if c.VectorCollection == "" {
		problems = append(problems, "VECTOR_COLLECTION is required")
	}
	if c.IngestBatchSize <= 0 {
		problems = append(problems, "INGEST_BATCH_SIZE must be positive")
	}
	if c.IngestSkipRows < 0 {
		problems = append(problems, "INGEST_SKIP_ROWS must be >= 0")
	}
	if len(problems) == 0 {
		return nil
	}
	return domain.WrapError(domain.ErrConfiguration, "validate config", errors.New(strings.Join(problems, "; ")))
}

// readOverlay parses a flat YAML map of env names to values.
func readOverlay(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "read config file", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "parse config file", err)
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		if value == nil {
			continue
		}
		out[strings.ToUpper(key)] = fmt.Sprint(value)
	}
	return out, nil
}

type env struct {
	overlay map[string]string
}

func (e env) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return e.overlay[key]
}

func (e env) mustEnv(key, fallback string) string {
	v := e.lookup(key)
	if v == "" {
		return fallback
	}
	return v
}

func (e env) mustEnvInt(key string, fallback int) int {
	v := e.lookup(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func (e env) mustEnvBool(key string, fallback bool) bool {
	v := e.lookup(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func (e env) mustEnvFloat(key string, fallback float64) float64 {
	v := e.lookup(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// mustEnvDuration accepts Go durations ("1500ms") or whole milliseconds.
func (e env) mustEnvDuration(key string, fallback time.Duration) time.Duration {
	v := e.lookup(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
