// Package config provides YAML-based configuration for ragstream.
// Configuration is loaded with a layered precedence: defaults → .env → YAML file → env vars.
// Environment variables always win, so existing deployments are unaffected.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. RAGSTREAM_CONFIG environment variable
//  3. ~/.ragstream/config.yaml
//  4. ./ragstream.yaml
//
// If no file is found the system runs entirely from env vars.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	// Model configures the upstream completion backend.
	Model ModelConfig `yaml:"model"`

	// Embedding configures the embedding provider.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Chunking bounds the token size of embedded chunks.
	Chunking ChunkingConfig `yaml:"chunking"`

	// VectorStore selects the vector store backend: qdrant or memory.
	VectorStore string `yaml:"vector_store"`

	// Qdrant configures the Qdrant vector store connection.
	Qdrant QdrantConfig `yaml:"qdrant"`

	// Queue configures the durable job queue and its sweeps.
	Queue QueueConfig `yaml:"queue"`

	// Routes configures the semantic router.
	Routes RoutesConfig `yaml:"routes"`

	// Collections configures session collection cleanup.
	Collections CollectionsConfig `yaml:"collections"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures Langfuse tracing integration.
	Tracing TracingConfig `yaml:"tracing"`
}

// ModelConfig holds completion backend settings.
type ModelConfig struct {
	// Provider selects the backend: llama, ollama, openai, azure, bedrock, gemini.
	Provider string `yaml:"provider"`

	// MaxTokens is the maximum number of tokens in the response.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls response randomness (0.0–1.0).
	Temperature float32 `yaml:"temperature"`

	// StopTokens is a JSON array of stop sequences.
	StopTokens string `yaml:"stop_tokens"`

	// Instructions is the system text placed at the top of every prompt.
	Instructions string `yaml:"instructions"`

	// Llama holds llama.cpp server settings.
	Llama LlamaConfig `yaml:"llama"`

	// Ollama holds Ollama-specific settings.
	Ollama OllamaConfig `yaml:"ollama"`

	// OpenAI holds OpenAI-specific settings.
	OpenAI OpenAIConfig `yaml:"openai"`

	// Azure holds Azure OpenAI-specific settings.
	Azure AzureConfig `yaml:"azure"`

	// Bedrock holds Volcengine Ark settings (bedrock-compatible naming).
	Bedrock BedrockConfig `yaml:"bedrock"`

	// Gemini holds Google Gemini-specific settings.
	Gemini GeminiConfig `yaml:"gemini"`
}

// LlamaConfig holds llama.cpp server settings.
type LlamaConfig struct {
	// URL is the llama.cpp server base URL.
	URL string `yaml:"url"`
	// APIKey is sent as a Bearer token when set.
	APIKey string `yaml:"api_key"`
}

// OllamaConfig holds Ollama provider settings.
type OllamaConfig struct {
	Host  string `yaml:"host"`
	Model string `yaml:"model"`
}

// OpenAIConfig holds OpenAI provider settings.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. Prefer env var OPENAI_API_KEY.
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// AzureConfig holds Azure OpenAI provider settings.
type AzureConfig struct {
	// APIKey is the Azure OpenAI API key. Prefer env var AZURE_OPENAI_API_KEY.
	APIKey     string `yaml:"api_key"`
	Endpoint   string `yaml:"endpoint"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`
}

// BedrockConfig holds Ark provider settings.
type BedrockConfig struct {
	Region  string `yaml:"region"`
	ModelID string `yaml:"model_id"`
}

// GeminiConfig holds Google Gemini provider settings.
type GeminiConfig struct {
	// APIKey is the Google API key. Prefer env var GOOGLE_API_KEY.
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (ollama, openai, azure).
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
	// CacheSize is the number of embeddings kept in the in-process LRU.
	CacheSize int `yaml:"cache_size"`
}

// ChunkingConfig bounds chunk sizing derived from the model context window.
type ChunkingConfig struct {
	MinTokenSize    int `yaml:"min_token_size"`
	MaxTokenSize    int `yaml:"max_token_size"`
	MinTokenOverlap int `yaml:"min_token_overlap"`
	MaxTokenOverlap int `yaml:"max_token_overlap"`
	// ContextSize is used when the upstream does not report n_ctx.
	ContextSize int `yaml:"context_size"`
}

// QdrantConfig holds Qdrant vector store settings.
type QdrantConfig struct {
	Host string `yaml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	TLS    bool   `yaml:"tls"`
}

// QueueConfig holds job queue settings. Durations are milliseconds.
type QueueConfig struct {
	// DBPath is the SQLite database backing the queue.
	DBPath string `yaml:"db_path"`
	// InactiveThreshold is the liveness window and inactive sweep interval.
	InactiveThreshold int `yaml:"inactive_threshold"`
	// CompletedRetention is how long finished jobs are kept.
	CompletedRetention int `yaml:"completed_retention"`
	// ConcurrencyFallback is used when slot discovery fails.
	ConcurrencyFallback int `yaml:"concurrency_fallback"`
	// RetryDelay is the backoff before a capacity retry.
	RetryDelay int `yaml:"retry_delay"`
	// PersistPartial controls embedding of output cut short by a disconnect.
	PersistPartial string `yaml:"persist_partial"`
}

// RoutesConfig holds semantic router settings.
type RoutesConfig struct {
	Enabled     bool   `yaml:"enabled"`
	File        string `yaml:"file"`
	TopK        int    `yaml:"top_k"`
	Sensitivity int    `yaml:"sensitivity"`
}

// CollectionsConfig holds session collection cleanup settings.
type CollectionsConfig struct {
	// MaxAge is a Go duration string, e.g. "24h".
	MaxAge string `yaml:"max_age"`
	// Schedule is a cron spec, e.g. "@every 1h".
	Schedule string `yaml:"schedule"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIKey is the Bearer token for API authentication. Prefer env var RAGSTREAM_API_KEY.
	APIKey    string  `yaml:"api_key"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig holds Langfuse tracing settings.
type TracingConfig struct {
	PublicKey string `yaml:"public_key"`
	SecretKey string `yaml:"secret_key"`
	Host      string `yaml:"host"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"LLM_SERVER_API", func(c *Config) string { return c.Model.Provider }},
	{"LLM_MAX_RESPONSE_TOKENS", func(c *Config) string { return intStr(c.Model.MaxTokens) }},
	{"LLM_SERVER_TEMPERATURE", func(c *Config) string { return float32Str(c.Model.Temperature) }},
	{"LLM_SERVER_STOP_TOKENS", func(c *Config) string { return c.Model.StopTokens }},
	{"LLM_PROMPT_INSTRUCTIONS", func(c *Config) string { return c.Model.Instructions }},
	{"LLAMA_SERVER_URL", func(c *Config) string { return c.Model.Llama.URL }},
	{"LLAMA_API_KEY", func(c *Config) string { return c.Model.Llama.APIKey }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Model.Ollama.Host }},
	{"OLLAMA_MODEL", func(c *Config) string { return c.Model.Ollama.Model }},
	{"OPENAI_API_KEY", func(c *Config) string { return c.Model.OpenAI.APIKey }},
	{"OPENAI_MODEL", func(c *Config) string { return c.Model.OpenAI.Model }},
	{"OPENAI_BASE_URL", func(c *Config) string { return c.Model.OpenAI.BaseURL }},
	{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.Model.Azure.APIKey }},
	{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.Model.Azure.Endpoint }},
	{"AZURE_OPENAI_DEPLOYMENT", func(c *Config) string { return c.Model.Azure.Deployment }},
	{"AZURE_OPENAI_API_VERSION", func(c *Config) string { return c.Model.Azure.APIVersion }},
	{"AWS_REGION", func(c *Config) string { return c.Model.Bedrock.Region }},
	{"BEDROCK_MODEL_ID", func(c *Config) string { return c.Model.Bedrock.ModelID }},
	{"GOOGLE_API_KEY", func(c *Config) string { return c.Model.Gemini.APIKey }},
	{"GEMINI_MODEL", func(c *Config) string { return c.Model.Gemini.Model }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"EMBEDDING_CACHE_SIZE", func(c *Config) string { return intStr(c.Embedding.CacheSize) }},
	{"MIN_CHUNK_TOKEN_SIZE", func(c *Config) string { return intStr(c.Chunking.MinTokenSize) }},
	{"MAX_CHUNK_TOKEN_SIZE", func(c *Config) string { return intStr(c.Chunking.MaxTokenSize) }},
	{"MIN_CHUNK_TOKEN_OVERLAP", func(c *Config) string { return intStr(c.Chunking.MinTokenOverlap) }},
	{"MAX_CHUNK_TOKEN_OVERLAP", func(c *Config) string { return intStr(c.Chunking.MaxTokenOverlap) }},
	{"LLM_CONTEXT_SIZE", func(c *Config) string { return intStr(c.Chunking.ContextSize) }},
	{"VECTOR_STORE", func(c *Config) string { return c.VectorStore }},
	{"QDRANT_HOST", func(c *Config) string { return c.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Qdrant.Port) }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Qdrant.TLS) }},
	{"QUEUE_DB_PATH", func(c *Config) string { return c.Queue.DBPath }},
	{"INACTIVE_THRESHOLD", func(c *Config) string { return intStr(c.Queue.InactiveThreshold) }},
	{"COMPLETED_JOB_CLEANUP_DELAY", func(c *Config) string { return intStr(c.Queue.CompletedRetention) }},
	{"MAX_CONCURRENT_REQUESTS_FALLBACK", func(c *Config) string { return intStr(c.Queue.ConcurrencyFallback) }},
	{"RETRY_DELAY", func(c *Config) string { return intStr(c.Queue.RetryDelay) }},
	{"PERSIST_PARTIAL_ON_DISCONNECT", func(c *Config) string { return c.Queue.PersistPartial }},
	{"USE_SEMANTIC_ROUTES", func(c *Config) string { return boolStr(c.Routes.Enabled) }},
	{"SEMANTIC_ROUTES_FILE", func(c *Config) string { return c.Routes.File }},
	{"TOP_SEMANTIC_ROUTES", func(c *Config) string { return intStr(c.Routes.TopK) }},
	{"SEMANTIC_ROUTE_SENSITIVITY", func(c *Config) string { return intStr(c.Routes.Sensitivity) }},
	{"COLLECTION_MAX_AGE", func(c *Config) string { return c.Collections.MaxAge }},
	{"COLLECTION_CLEANUP_SCHEDULE", func(c *Config) string { return c.Collections.Schedule }},
	{"RAGSTREAM_HOST", func(c *Config) string { return c.Server.Host }},
	{"RAGSTREAM_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"RAGSTREAM_API_KEY", func(c *Config) string { return c.Server.APIKey }},
	{"RAGSTREAM_RATE_LIMIT", func(c *Config) string { return float64Str(c.Server.RateLimit) }},
	{"RAGSTREAM_RATE_BURST", func(c *Config) string { return intStr(c.Server.RateBurst) }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads a YAML config file and applies non-empty values as environment
// variables. Existing env vars are never overwritten (env always wins).
// Returns the path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" || yamlVal == "0" || yamlVal == "false" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set
		}
		os.Setenv(m.envKey, yamlVal)
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("RAGSTREAM_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".ragstream", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("ragstream.yaml"); err == nil {
		return "ragstream.yaml"
	}

	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// float32Str converts a float32 to string, returning "" for zero values.
func float32Str(v float32) string {
	return float64Str(float64(v))
}

// float64Str converts a float64 to string, returning "" for zero values.
func float64Str(v float64) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}
