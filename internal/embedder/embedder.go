// Package embedder is the Embedding Adapter: it turns raw text into
// token-bounded overlapping chunks, each paired with a dense vector and a
// token count. Vectors come from an HTTP embedding backend (Ollama, OpenAI
// or Azure OpenAI) and are treated as opaque fixed-length values.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Embedder converts a batch of texts into vectors. The returned slice is
// parallel to the input slice.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// postJSON marshals body, POSTs it to url with headers and decodes the JSON
// reply into out. A non-2xx status is reported through errMsg, which
// extracts a backend-specific error message from the decoded reply.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out any, errMsg func() string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	decodeErr := json.Unmarshal(raw, out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := ""
		if decodeErr == nil {
			msg = errMsg()
		}
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("%s", msg)
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	return nil
}
