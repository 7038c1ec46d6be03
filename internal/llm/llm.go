// Package llm streams completions from the upstream inference server. Two
// connectors are provided: LlamaConnector talks to a llama.cpp server over
// its /completion SSE endpoint, and ChatModelConnector adapts any eino chat
// model (Ollama, OpenAI, Azure OpenAI, Ark, Gemini).
//
// Both surface upstream saturation as ErrCapacityExhausted so the caller
// can tell "no free slot, try again" apart from every other failure.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// ErrCapacityExhausted is returned (wrapped) when the upstream has no free
// inference slot for the request.
var ErrCapacityExhausted = errors.New("llm: slot unavailable")

// DefaultStopTokens end generation at the next role marker.
var DefaultStopTokens = []string{"</s>", "LLM:", "USER:"}

// Stream is a lazy sequence of generated text fragments.
type Stream interface {
	// Recv returns the next fragment. It returns io.EOF after the last
	// fragment and ErrCapacityExhausted (wrapped) when the upstream rejects
	// the request for lack of capacity.
	Recv() (string, error)
	// Close releases the underlying connection. It is safe to call more
	// than once.
	Close() error
}

// Connector opens completion streams.
type Connector interface {
	Stream(ctx context.Context, prompt string) (Stream, error)
}

// Props is the subset of upstream server properties the service needs.
type Props struct {
	// Slots is the number of requests the upstream serves in parallel.
	// Zero means unknown.
	Slots int
	// ContextSize is the model's context window in tokens. Zero means
	// unknown.
	ContextSize int
}

// PropsReader is implemented by connectors that can report server
// properties.
type PropsReader interface {
	Props(ctx context.Context) (Props, error)
}

// GenerationSettings are the sampling parameters sent with every request.
type GenerationSettings struct {
	MaxTokens   int
	Temperature float32
	Stop        []string
}

// SettingsFromEnv reads LLM_MAX_RESPONSE_TOKENS (default 500),
// LLM_SERVER_TEMPERATURE (default 0.1) and LLM_SERVER_STOP_TOKENS (JSON
// array or comma-separated list, default DefaultStopTokens).
func SettingsFromEnv() GenerationSettings {
	s := GenerationSettings{
		MaxTokens:   500,
		Temperature: 0.1,
		Stop:        DefaultStopTokens,
	}
	if v, err := strconv.Atoi(os.Getenv("LLM_MAX_RESPONSE_TOKENS")); err == nil && v > 0 {
		s.MaxTokens = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("LLM_SERVER_TEMPERATURE"), 32); err == nil {
		s.Temperature = float32(v)
	}
	if stop := ParseStopTokens(os.Getenv("LLM_SERVER_STOP_TOKENS")); stop != nil {
		s.Stop = stop
	}
	return s
}

// ParseStopTokens accepts either a JSON string array or a comma-separated
// list. It returns nil for an empty input.
func ParseStopTokens(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var arr []string
	if strings.HasPrefix(raw, "[") && json.Unmarshal([]byte(raw), &arr) == nil {
		return arr
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DiscoverSlots asks c for the upstream slot count. It returns fallback when
// c cannot report properties, the request fails, or the count is unknown.
func DiscoverSlots(ctx context.Context, c Connector, fallback int, log *slog.Logger) int {
	if log == nil {
		log = slog.Default()
	}
	if fallback < 1 {
		fallback = 1
	}
	pr, ok := c.(PropsReader)
	if !ok {
		log.Info("llm: connector does not report slots, using fallback", "slots", fallback)
		return fallback
	}
	props, err := pr.Props(ctx)
	if err != nil {
		log.Warn("llm: slot discovery failed, using fallback", "slots", fallback, "error", err)
		return fallback
	}
	if props.Slots < 1 {
		log.Info("llm: upstream did not report slots, using fallback", "slots", fallback)
		return fallback
	}
	log.Info("llm: discovered upstream slots", "slots", props.Slots, "n_ctx", props.ContextSize)
	return props.Slots
}
