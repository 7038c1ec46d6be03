package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// ---------------------------------------------------------------------------
// HTTP backends
// ---------------------------------------------------------------------------

func TestOllamaEmbedder_Embed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ollamaEmbedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := ollamaEmbedResponse{}
		for _, in := range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(len(in))})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "nomic-embed-text"})
	got, err := e.Embed(context.Background(), []string{"a", "bcd"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got) != 2 || got[0][0] != 1 || got[1][0] != 3 {
		t.Errorf("got %v", got)
	}
}

func TestOllamaEmbedder_ErrorMessage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"nomic\" not found"}`))
	}))
	defer srv.Close()

	_, err := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "nomic"}).Embed(context.Background(), []string{"x"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("want backend error message, got %v", err)
	}
}

func TestOpenAIEmbedder_BatchesAndReorders(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		var req openaiEmbedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		// Reply in reverse order to exercise Index handling.
		var resp openaiEmbedResponse
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float32{float32(len(req.Input[i]))}, Index: i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test", Model: "text-embedding-3-small", BatchSize: 2})
	got, err := e.Embed(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("requests = %d, want 3", calls.Load())
	}
	for i, v := range got {
		if int(v[0]) != i+1 {
			t.Errorf("vector %d = %v, want [%d]", i, v, i+1)
		}
	}
}

func TestOpenAIEmbedder_AzureEndpoint(t *testing.T) {
	t.Parallel()

	e := NewOpenAIEmbedder(&OpenAIConfig{
		BaseURL:    "https://res.openai.azure.com/openai",
		APIKey:     "k",
		Model:      "embed-deploy",
		Azure:      true,
		APIVersion: "2025-04-01-preview",
	})
	url, headers := e.endpoint()
	if url != "https://res.openai.azure.com/openai/deployments/embed-deploy/embeddings?api-version=2025-04-01-preview" {
		t.Errorf("url = %s", url)
	}
	if headers["api-key"] != "k" {
		t.Errorf("headers = %v", headers)
	}
}

func TestOpenAIEmbedder_EmptyInput(t *testing.T) {
	t.Parallel()

	got, err := NewOpenAIEmbedder(&OpenAIConfig{}).Embed(context.Background(), nil)
	if err != nil || got != nil {
		t.Errorf("Embed(nil) = %v, %v", got, err)
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		wantErr  string
		wantWarn string
	}{
		{
			name: "ollama needs nothing",
			env:  map[string]string{"EMBEDDING_PROVIDER": "ollama"},
		},
		{
			name:    "openai without key",
			env:     map[string]string{"EMBEDDING_PROVIDER": "openai"},
			wantErr: "EMBEDDING_API_KEY or OPENAI_API_KEY",
		},
		{
			name:    "azure without endpoint",
			env:     map[string]string{"EMBEDDING_PROVIDER": "azure", "AZURE_OPENAI_API_KEY": "k"},
			wantErr: "endpoint",
		},
		{
			name:    "unknown provider",
			env:     map[string]string{"EMBEDDING_PROVIDER": "cohere"},
			wantErr: "unsupported",
		},
		{
			name:     "chat model warns",
			env:      map[string]string{"EMBEDDING_PROVIDER": "ollama", "EMBEDDING_MODEL": "llama3"},
			wantWarn: "looks like a chat model",
		},
		{
			name:     "dimension mismatch warns",
			env:      map[string]string{"EMBEDDING_PROVIDER": "ollama", "EMBEDDING_MODEL": "mxbai-embed-large", "EMBEDDING_DIMENSIONS": "768"},
			wantWarn: "does not match",
		},
	}

	keys := []string{"EMBEDDING_PROVIDER", "LLM_SERVER_API", "EMBEDDING_MODEL", "EMBEDDING_DIMENSIONS",
		"EMBEDDING_API_KEY", "OPENAI_API_KEY", "AZURE_OPENAI_API_KEY", "EMBEDDING_ENDPOINT", "AZURE_OPENAI_ENDPOINT"}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for _, k := range keys {
				t.Setenv(k, tc.env[k])
			}

			var buf bytes.Buffer
			err := Validate(slog.New(slog.NewTextHandler(&buf, nil)))

			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("Validate() = %v, want error containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
			if tc.wantWarn != "" && !strings.Contains(buf.String(), tc.wantWarn) {
				t.Errorf("log %q missing %q", buf.String(), tc.wantWarn)
			}
			if tc.wantWarn == "" && strings.Contains(buf.String(), "level=WARN") {
				t.Errorf("unexpected warning: %s", buf.String())
			}
		})
	}
}
