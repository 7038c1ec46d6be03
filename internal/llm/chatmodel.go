package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ChatModelConnector streams completions from an eino chat model. The
// assembled prompt is sent as a single user message.
type ChatModelConnector struct {
	model    model.BaseChatModel
	settings GenerationSettings
}

// NewChatModel wraps m.
func NewChatModel(m model.BaseChatModel, settings GenerationSettings) *ChatModelConnector {
	return &ChatModelConnector{model: m, settings: settings}
}

// Stream opens a streaming generation for prompt.
func (c *ChatModelConnector) Stream(ctx context.Context, prompt string) (Stream, error) {
	var opts []model.Option
	if c.settings.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(c.settings.MaxTokens))
	}
	if c.settings.Temperature > 0 {
		opts = append(opts, model.WithTemperature(c.settings.Temperature))
	}
	if len(c.settings.Stop) > 0 {
		opts = append(opts, model.WithStop(c.settings.Stop))
	}

	sr, err := c.model.Stream(ctx, []*schema.Message{schema.UserMessage(prompt)}, opts...)
	if err != nil {
		return nil, classifyChatErr(err)
	}
	return &chatStream{reader: sr}, nil
}

type chatStream struct {
	reader    *schema.StreamReader[*schema.Message]
	closeOnce sync.Once
}

func (s *chatStream) Recv() (string, error) {
	for {
		msg, err := s.reader.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", classifyChatErr(err)
		}
		if msg != nil && msg.Content != "" {
			return msg.Content, nil
		}
	}
}

func (s *chatStream) Close() error {
	s.closeOnce.Do(s.reader.Close)
	return nil
}

// capacityMarkers are substrings chat APIs use to report saturation or
// rate limiting.
var capacityMarkers = []string{
	"429",
	"503",
	"too many requests",
	"rate limit",
	"overloaded",
	"resource_exhausted",
	"resource exhausted",
	"slot unavailable",
	"server is busy",
}

// classifyChatErr maps provider errors that mean "no capacity right now"
// onto ErrCapacityExhausted. Providers do not share an error type, so the
// match is on the message.
func classifyChatErr(err error) error {
	if errors.Is(err, ErrCapacityExhausted) {
		return err
	}
	lower := strings.ToLower(err.Error())
	for _, m := range capacityMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%w: %w", ErrCapacityExhausted, err)
		}
	}
	return fmt.Errorf("llm: chat model: %w", err)
}
