package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration loaded from environment variables, shared
// by the retrieval service (cmd/memory-rag-server) and the CDC ingest worker
// (cmd/embedding-consumer). It is immutable after Load() returns.
type Config struct {
	Port int

	Broker        string
	Topic         string
	ConsumerGroup string

	UpstreamURL       string
	UpstreamKeyspace  string
	UpstreamAuthToken string

	// DatabaseURL, when set, makes the retrieval service talk to the
	// page_vectors/pages tables directly over pgx instead of going through
	// the upstream REST facade. Empty selects the REST client.
	DatabaseURL string
	DBMaxConns  int

	EmbedURL   string
	EmbedModel string

	MemoryRAGURL string

	RerankerEnabled    bool
	RerankerModel      string
	RerankerDevice     string
	RerankerSidecarURL string

	VectorDim int
	Version   string

	// CDCDeleteMode controls how the ingest worker treats CDC delete events:
	// "dangling" leaves the vector in the index (current documented behavior),
	// "remove" evicts it immediately.
	CDCDeleteMode string

	FrontendURL string
}

// Load reads configuration from environment variables. Every field has a
// default so the service runs against the bundled docker-compose stack with
// no environment configured at all; malformed numeric/enum values fall back
// to their default rather than failing startup, except CDC_DELETE_MODE and
// VECTOR_DIM which are validated since downstream code branches on them.
func Load() (*Config, error) {
	cfg := &Config{
		Port: envInt("PORT", 8001),

		Broker:        envStr("BROKER", "kafka:9092"),
		Topic:         envStr("TOPIC", "cdc.pages"),
		ConsumerGroup: envStr("CONSUMER_GROUP", "gibsey-embedding-consumer"),

		UpstreamURL:       envStr("UPSTREAM_URL", "http://stargate:8080"),
		UpstreamKeyspace:  envStr("KEYSPACE", "gibsey"),
		UpstreamAuthToken: envStr("UPSTREAM_AUTH_TOKEN", ""),

		DatabaseURL: envStr("DATABASE_URL", ""),
		DBMaxConns:  envInt("DB_MAX_CONNS", 4),

		EmbedURL:   envStr("EMBED_URL", "http://ollama:11434/api/embeddings"),
		EmbedModel: envStr("EMBED_MODEL", "nomic-embed-text"),

		MemoryRAGURL: envStr("MEMORY_RAG_URL", "http://memory-rag:8001"),

		RerankerEnabled:    envBool("RERANKER", false),
		RerankerModel:      envStr("RERANKER_MODEL", "sentence-transformers/ms-marco-MiniLM-L-6-v2"),
		RerankerDevice:     envStr("RERANKER_DEVICE", "cpu"),
		RerankerSidecarURL: envStr("RERANKER_URL", "http://reranker:8082/rerank"),

		VectorDim: envInt("VECTOR_DIM", 768),
		Version:   envStr("VERSION", "1.0.0"),

		CDCDeleteMode: envStr("CDC_DELETE_MODE", "dangling"),

		FrontendURL: envStr("FRONTEND_URL", "http://localhost:3000"),
	}

	if cfg.CDCDeleteMode != "dangling" && cfg.CDCDeleteMode != "remove" {
		return nil, fmt.Errorf("config.Load: CDC_DELETE_MODE must be %q or %q, got %q", "dangling", "remove", cfg.CDCDeleteMode)
	}
	if cfg.VectorDim <= 0 {
		return nil, fmt.Errorf("config.Load: VECTOR_DIM must be positive, got %d", cfg.VectorDim)
	}

	return cfg, nil
}

// RerankerURL returns the cross-encoder sidecar endpoint to call when
// reranking is enabled.
func (c *Config) RerankerURL() string {
	return c.RerankerSidecarURL
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "on", "true", "1", "yes":
		return true
	case "off", "false", "0", "no":
		return false
	default:
		return fallback
	}
}
