package embedder

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// chatModelMarkers are substrings of chat/completion model names. A match
// in EMBEDDING_MODEL is almost always a misconfiguration.
var chatModelMarkers = []string{
	"gpt-4", "gpt-3.5", "gpt-35", "o1", "o3",
	"llama3", "llama2", "llama-3", "llama-2",
	"mistral", "mixtral", "gemma", "phi-", "phi3",
	"claude", "command-r", "deepseek", "qwen",
}

// knownModelDimensions lists output sizes for common embedding models. The
// Qdrant collections are created with EMBEDDING_DIMENSIONS, so a mismatch
// fails every insert.
var knownModelDimensions = map[string]int{
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// credential is a setting satisfied by the first non-empty env var.
type credential struct {
	label string
	keys  []string
}

var backendCredentials = map[string][]credential{
	"ollama": nil,
	"openai": {
		{"API key", []string{"EMBEDDING_API_KEY", "OPENAI_API_KEY"}},
	},
	"azure": {
		{"API key", []string{"EMBEDDING_API_KEY", "AZURE_OPENAI_API_KEY"}},
		{"endpoint", []string{"EMBEDDING_ENDPOINT", "AZURE_OPENAI_ENDPOINT"}},
	},
}

// looksLikeChatModel reports whether model resembles a chat model rather
// than a dedicated embedding model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	for _, m := range chatModelMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Validate checks the embedding configuration before anything is built.
// Missing credentials are an error; a chat-looking model name or a
// dimension that disagrees with the model's known output size is a warning.
func Validate(log *slog.Logger) error {
	backend := Backend()
	creds, ok := backendCredentials[backend]
	if !ok {
		return fmt.Errorf("embedder: unsupported EMBEDDING_PROVIDER %q, use ollama, openai or azure", backend)
	}
	for _, c := range creds {
		if firstEnv(c.keys...) == "" {
			return fmt.Errorf("embedder: no %s %s found, set %s", backend, c.label, strings.Join(c.keys, " or "))
		}
	}

	model := os.Getenv("EMBEDDING_MODEL")
	if model != "" && looksLikeChatModel(model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model, not an embedding model",
			slog.String("model", model),
			slog.String("hint", "use a dedicated embedding model e.g. nomic-embed-text, text-embedding-3-small"),
		)
	}

	if model == "" {
		model = defaultOllamaModel
		if backend != "ollama" {
			model = defaultOpenAIModel
		}
	}
	if want, known := knownModelDimensions[strings.TrimSuffix(model, ":latest")]; known {
		if got := DefaultDimensions(backend); got != want {
			log.Warn("embedder: EMBEDDING_DIMENSIONS does not match the model's output size",
				slog.String("model", model),
				slog.Int("dimensions", got),
				slog.Int("model_dimensions", want),
			)
		}
	}

	log.Debug("embedder: configuration ok", slog.String("backend", backend), slog.String("model", model))
	return nil
}
