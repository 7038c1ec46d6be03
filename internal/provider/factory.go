package provider

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/cloudwego/eino/components/model"
)

// constructor builds the chat model for one backend from a validated Config.
type constructor func(ctx context.Context, cfg *Config) (model.BaseChatModel, error)

var constructors = map[Backend]constructor{
	BackendOllama:  newOllama,
	BackendOpenAI:  newOpenAI,
	BackendAzure:   newAzure,
	BackendBedrock: newBedrock,
	BackendGemini:  newGemini,
}

// NewFromEnv constructs a chat model from the process environment.
//
//	LLM_SERVER_API   = ollama | openai | azure | bedrock | gemini
//
//	Ollama:  OLLAMA_HOST (default: http://localhost:11434), OLLAMA_MODEL (default: llama3)
//	OpenAI:  OPENAI_API_KEY, OPENAI_MODEL (default: gpt-4o), OPENAI_BASE_URL
//	Azure:   AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_DEPLOYMENT,
//	         AZURE_OPENAI_API_VERSION (default: 2024-02-01)
//	Bedrock: AWS_REGION (default: us-east-1), BEDROCK_MODEL_ID
//	Gemini:  GOOGLE_API_KEY, GEMINI_MODEL (default: gemini-1.5-pro)
//
//	Shared:  LLM_MAX_RESPONSE_TOKENS (default: 500), LLM_SERVER_TEMPERATURE (default: 0.1)
func NewFromEnv(ctx context.Context) (model.BaseChatModel, error) {
	return New(ctx, ConfigFromLookup(os.Getenv))
}

// ConfigFromLookup resolves a Config through getenv without validating it.
// Empty values fall back to the documented defaults.
func ConfigFromLookup(getenv func(string) string) *Config {
	str := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}

	maxTokens, err := strconv.Atoi(getenv("LLM_MAX_RESPONSE_TOKENS"))
	if err != nil {
		maxTokens = 500
	}
	temp, err := strconv.ParseFloat(getenv("LLM_SERVER_TEMPERATURE"), 32)
	if err != nil {
		temp = 0.1
	}

	return &Config{
		Backend: Backend(str("LLM_SERVER_API", string(BackendOllama))),
		Ollama: ProviderOllama{
			Host:  str("OLLAMA_HOST", "http://localhost:11434"),
			Model: str("OLLAMA_MODEL", "llama3"),
		},
		OpenAI: ProviderOpenAI{
			APIKey:  getenv("OPENAI_API_KEY"),
			Model:   str("OPENAI_MODEL", "gpt-4o"),
			BaseURL: getenv("OPENAI_BASE_URL"),
		},
		AzureOpenAI: ProviderAzureOpenAI{
			APIKey:     getenv("AZURE_OPENAI_API_KEY"),
			Endpoint:   getenv("AZURE_OPENAI_ENDPOINT"),
			Deployment: getenv("AZURE_OPENAI_DEPLOYMENT"),
			APIVersion: str("AZURE_OPENAI_API_VERSION", "2024-02-01"),
		},
		Bedrock: ProviderBedrock{
			AWSRegion: str("AWS_REGION", "us-east-1"),
			ModelID:   getenv("BEDROCK_MODEL_ID"),
		},
		Gemini: ProviderGemini{
			APIKey: getenv("GOOGLE_API_KEY"),
			Model:  str("GEMINI_MODEL", "gemini-1.5-pro"),
		},
		Tuning: SharedTuning{
			MaxTokens:   maxTokens,
			Temperature: float32(temp),
		},
	}
}

// New validates cfg and constructs the selected backend's chat model, so a
// misconfiguration surfaces at startup rather than on the first prompt.
func New(ctx context.Context, cfg *Config) (model.BaseChatModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	build, ok := constructors[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("provider: no constructor for backend %q", cfg.Backend)
	}
	return build(ctx, cfg)
}
