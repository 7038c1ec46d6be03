package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/54b3r/ragstream/internal/provider"
)

// BackendLlama selects a llama.cpp server. It is the default.
const BackendLlama = "llama"

// NewFromEnv builds the connector selected by LLM_SERVER_API. "llama" (the
// default) talks to LLAMA_SERVER_URL directly; every other value is handed
// to package provider as an eino chat model.
func NewFromEnv(ctx context.Context) (Connector, error) {
	settings := SettingsFromEnv()
	backend := os.Getenv("LLM_SERVER_API")
	if backend == "" || backend == BackendLlama {
		url := os.Getenv("LLAMA_SERVER_URL")
		if url == "" {
			url = "http://127.0.0.1:8080"
		}
		return NewLlama(LlamaConfig{
			BaseURL:  url,
			APIKey:   os.Getenv("LLAMA_API_KEY"),
			Settings: settings,
		})
	}

	m, err := provider.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	return NewChatModel(m, settings), nil
}
