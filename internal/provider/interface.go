// Package provider constructs eino chat models for the hosted and local
// chat-API backends the service can generate with: Ollama, OpenAI (and any
// OpenAI-compatible endpoint such as Together), Azure OpenAI, AWS Bedrock via
// Ark, and Google Gemini. The llama.cpp backend is not a chat model and is
// built directly by package llm.
package provider

import (
	"fmt"
	"sort"
	"strings"
)

// Backend enumerates the supported chat-API providers.
type Backend string

const (
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API or an OpenAI-compatible endpoint.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendBedrock selects AWS Bedrock.
	BackendBedrock Backend = "bedrock"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
)

// ProviderOllama holds Ollama settings.
type ProviderOllama struct {
	Host  string
	Model string
}

// ProviderOpenAI holds OpenAI settings. BaseURL is empty for api.openai.com.
type ProviderOpenAI struct {
	APIKey  string
	Model   string
	BaseURL string
}

// ProviderAzureOpenAI holds Azure OpenAI settings.
type ProviderAzureOpenAI struct {
	APIKey     string
	Endpoint   string
	Deployment string
	APIVersion string
}

// ProviderBedrock holds AWS Bedrock settings.
type ProviderBedrock struct {
	AWSRegion string
	ModelID   string
}

// ProviderGemini holds Google Gemini settings.
type ProviderGemini struct {
	APIKey string
	Model  string
}

// SharedTuning applies to every backend.
type SharedTuning struct {
	MaxTokens   int
	Temperature float32
}

// Config selects a backend and carries the settings for each.
type Config struct {
	Backend     Backend
	Ollama      ProviderOllama
	OpenAI      ProviderOpenAI
	AzureOpenAI ProviderAzureOpenAI
	Bedrock     ProviderBedrock
	Gemini      ProviderGemini
	Tuning      SharedTuning
}

// requirement names a setting that must be non-empty for a backend.
type requirement struct {
	env   string
	value func(*Config) string
}

var required = map[Backend][]requirement{
	BackendOllama: {
		{"OLLAMA_MODEL", func(c *Config) string { return c.Ollama.Model }},
	},
	BackendOpenAI: {
		{"OPENAI_API_KEY", func(c *Config) string { return c.OpenAI.APIKey }},
		{"OPENAI_MODEL", func(c *Config) string { return c.OpenAI.Model }},
	},
	BackendAzure: {
		{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.AzureOpenAI.APIKey }},
		{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.AzureOpenAI.Endpoint }},
		{"AZURE_OPENAI_DEPLOYMENT", func(c *Config) string { return c.AzureOpenAI.Deployment }},
	},
	BackendBedrock: {
		{"AWS_REGION", func(c *Config) string { return c.Bedrock.AWSRegion }},
		{"BEDROCK_MODEL_ID", func(c *Config) string { return c.Bedrock.ModelID }},
	},
	BackendGemini: {
		{"GOOGLE_API_KEY", func(c *Config) string { return c.Gemini.APIKey }},
		{"GEMINI_MODEL", func(c *Config) string { return c.Gemini.Model }},
	},
}

// Backends lists the accepted LLM_SERVER_API values handled here, sorted.
func Backends() []string {
	out := make([]string, 0, len(required))
	for b := range required {
		out = append(out, string(b))
	}
	sort.Strings(out)
	return out
}

// Validate checks that the selected backend has every required setting.
// The error names all missing environment variables at once.
func (c *Config) Validate() error {
	reqs, ok := required[c.Backend]
	if !ok {
		return fmt.Errorf("provider: unknown backend %q, valid values: %s", c.Backend, strings.Join(Backends(), ", "))
	}
	var missing []string
	for _, r := range reqs {
		if strings.TrimSpace(r.value(c)) == "" {
			missing = append(missing, r.env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("provider: %s backend requires %s", c.Backend, strings.Join(missing, ", "))
	}
	return nil
}

// isAzureReasoningModel reports whether an Azure deployment is an o-series
// or codex reasoning model. Those reject a temperature parameter.
func isAzureReasoningModel(deployment string) bool {
	d := strings.ToLower(deployment)
	for _, prefix := range []string{"o1", "o3", "o4", "codex"} {
		if strings.HasPrefix(d, prefix) {
			return true
		}
	}
	return false
}
