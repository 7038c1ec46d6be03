package embedder

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// openAIMaxBatch bounds the inputs sent per request; the embeddings API
// rejects larger arrays.
const openAIMaxBatch = 256

// OpenAIEmbedder implements Embedder against the OpenAI embeddings API or
// an Azure OpenAI deployment. It is safe for concurrent use.
type OpenAIEmbedder struct {
	cfg    OpenAIConfig
	client *http.Client
}

// OpenAIConfig holds the settings for constructing an OpenAIEmbedder.
type OpenAIConfig struct {
	// BaseURL is "https://api.openai.com/v1" for OpenAI, or
	// "https://<resource>.openai.azure.com/openai" for Azure.
	BaseURL string
	APIKey  string
	// Model is the model name, or the deployment name on Azure.
	Model string
	// Dimensions is the requested vector length (0 = model default).
	Dimensions int
	// Azure switches to api-key auth and deployment-scoped URLs.
	Azure      bool
	APIVersion string
	// BatchSize caps inputs per request. Defaults to openAIMaxBatch.
	BatchSize int
}

// NewOpenAIEmbedder constructs an OpenAIEmbedder from the given config.
func NewOpenAIEmbedder(cfg *OpenAIConfig) *OpenAIEmbedder {
	c := *cfg
	if c.BatchSize <= 0 || c.BatchSize > openAIMaxBatch {
		c.BatchSize = openAIMaxBatch
	}
	return &OpenAIEmbedder{cfg: c, client: &http.Client{Timeout: 30 * time.Second}}
}

type openaiEmbedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// endpoint returns the request URL and auth headers.
func (e *OpenAIEmbedder) endpoint() (string, map[string]string) {
	if e.cfg.Azure {
		return fmt.Sprintf("%s/deployments/%s/embeddings?api-version=%s", e.cfg.BaseURL, e.cfg.Model, e.cfg.APIVersion),
			map[string]string{"api-key": e.cfg.APIKey}
	}
	return e.cfg.BaseURL + "/embeddings", map[string]string{"Authorization": "Bearer " + e.cfg.APIKey}
}

// Embed implements Embedder. Inputs beyond BatchSize are sent in several
// requests and the results concatenated in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(texts))
		vecs, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	url, headers := e.endpoint()

	var result openaiEmbedResponse
	err := postJSON(ctx, e.client, url, headers,
		openaiEmbedRequest{Input: texts, Model: e.cfg.Model, Dimensions: e.cfg.Dimensions},
		&result,
		func() string {
			if result.Error != nil {
				return result.Error.Message
			}
			return ""
		},
	)
	if err != nil {
		return nil, fmt.Errorf("openai embedder: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("openai embedder: expected %d embeddings, got %d", len(texts), len(result.Data))
	}

	// Data may arrive out of order; Index is authoritative.
	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) || vecs[d.Index] != nil {
			return nil, fmt.Errorf("openai embedder: bad or repeated index %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}
