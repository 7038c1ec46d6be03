package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const maxSSELine = 1 << 20

// LlamaConfig configures a LlamaConnector.
type LlamaConfig struct {
	// BaseURL is the llama.cpp server root, e.g. http://127.0.0.1:8080.
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey   string
	Settings GenerationSettings
	// HTTPClient defaults to a client without an overall timeout, since a
	// stream lives as long as generation does.
	HTTPClient *http.Client
}

// LlamaConnector streams completions from a llama.cpp server.
type LlamaConnector struct {
	baseURL  string
	apiKey   string
	settings GenerationSettings
	client   *http.Client
}

// NewLlama returns a LlamaConnector for cfg.
func NewLlama(cfg LlamaConfig) (*LlamaConnector, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm: LLAMA_SERVER_URL is required for the llama backend")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	if cfg.Settings.MaxTokens == 0 {
		cfg.Settings.MaxTokens = 500
	}
	if cfg.Settings.Stop == nil {
		cfg.Settings.Stop = DefaultStopTokens
	}
	return &LlamaConnector{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		settings: cfg.Settings,
		client:   client,
	}, nil
}

type completionRequest struct {
	Prompt      string   `json:"prompt"`
	Stream      bool     `json:"stream"`
	NPredict    int      `json:"n_predict"`
	Temperature float32  `json:"temperature"`
	Stop        []string `json:"stop"`
}

// completionEvent is the JSON body of a "data:" line.
type completionEvent struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// errorEvent covers both the legacy {"content": "..."} error body and the
// current {"error": {"code", "message"}} shape.
type errorEvent struct {
	Content string `json:"content"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (e errorEvent) text() string {
	switch {
	case e.Error != nil && e.Error.Message != "":
		return e.Error.Message
	case e.Message != "":
		return e.Message
	default:
		return e.Content
	}
}

func (e errorEvent) code() int {
	if e.Error != nil && e.Error.Code != 0 {
		return e.Error.Code
	}
	return e.Code
}

// classify turns an upstream error message and status into an error,
// mapping saturation to ErrCapacityExhausted.
func classify(status int, msg string) error {
	if isCapacity(status, msg) {
		return fmt.Errorf("%w: %s", ErrCapacityExhausted, msg)
	}
	if status != 0 {
		return fmt.Errorf("llm: upstream returned %d: %s", status, msg)
	}
	return fmt.Errorf("llm: upstream error: %s", msg)
}

func isCapacity(status int, msg string) bool {
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		return true
	}
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "slot unavailable") || strings.Contains(lower, "no slot available")
}

// Stream opens a streaming completion for prompt.
func (c *LlamaConnector) Stream(ctx context.Context, prompt string) (Stream, error) {
	body, err := json.Marshal(completionRequest{
		Prompt:      prompt,
		Stream:      true,
		NPredict:    c.settings.MaxTokens,
		Temperature: c.settings.Temperature,
		Stop:        c.settings.Stop,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal completion request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("llm: build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("llm: completion request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close() //nolint:errcheck
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var ev errorEvent
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &ev) == nil && ev.text() != "" {
			msg = ev.text()
		}
		return nil, classify(resp.StatusCode, msg)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &llamaStream{body: resp.Body, cancel: cancel, scanner: sc}, nil
}

type llamaStream struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	done    bool

	closeOnce sync.Once
}

// Recv parses SSE lines until the next non-empty fragment. Lines other
// than "data:" and "error:" are ignored.
func (s *llamaStream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return "", fmt.Errorf("llm: read stream: %w", err)
			}
			s.done = true
			return "", io.EOF
		}

		field, value, ok := strings.Cut(s.scanner.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			if value == "[DONE]" {
				s.done = true
				return "", io.EOF
			}
			var ev completionEvent
			if err := json.Unmarshal([]byte(value), &ev); err != nil {
				return "", fmt.Errorf("llm: decode stream event: %w", err)
			}
			if ev.Stop {
				s.done = true
			}
			if ev.Content != "" {
				return ev.Content, nil
			}
		case "error":
			var ev errorEvent
			msg := value
			if json.Unmarshal([]byte(value), &ev) == nil && ev.text() != "" {
				msg = ev.text()
			}
			s.done = true
			return "", classify(ev.code(), msg)
		}
	}
}

func (s *llamaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}

// propsResponse covers the /props shapes of older and current llama.cpp
// servers.
type propsResponse struct {
	TotalSlots int `json:"total_slots"`
	NCtx       int `json:"n_ctx"`

	DefaultGenerationSettings struct {
		NumSlots int `json:"num_slots"`
		NCtx     int `json:"n_ctx"`
	} `json:"default_generation_settings"`
}

// Props reads /props for the slot count and context size.
func (c *LlamaConnector) Props(ctx context.Context) (Props, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/props", nil)
	if err != nil {
		return Props{}, fmt.Errorf("llm: build props request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Props{}, fmt.Errorf("llm: props request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return Props{}, fmt.Errorf("llm: props returned %d", resp.StatusCode)
	}
	var pr propsResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return Props{}, fmt.Errorf("llm: decode props: %w", err)
	}

	p := Props{Slots: pr.TotalSlots, ContextSize: pr.DefaultGenerationSettings.NCtx}
	if p.Slots == 0 {
		p.Slots = pr.DefaultGenerationSettings.NumSlots
	}
	if p.ContextSize == 0 {
		p.ContextSize = pr.NCtx
	}
	return p, nil
}

// Ping reports whether the llama.cpp server answers /health.
func (c *LlamaConnector) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("llm: build health request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("llm: health request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llm: health returned %d", resp.StatusCode)
	}
	return nil
}
