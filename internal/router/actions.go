package router

import (
	"context"
	"regexp"
	"time"
)

// DefaultReplyDelay paces canned replies word by word.
const DefaultReplyDelay = 200 * time.Millisecond

// ActionReply streams the route's text to the client.
const ActionReply = "reply"

// Writer is the client stream an action writes to.
type Writer interface {
	Write(p []byte) (int, error)
}

// ActionFunc answers a matched prompt.
type ActionFunc func(ctx context.Context, w Writer, m Match) error

// Actions is the closed set of route actions, keyed by the name used in
// the definition file.
type Actions map[string]ActionFunc

// DefaultActions returns the built-in actions.
func DefaultActions(replyDelay time.Duration) Actions {
	return Actions{
		ActionReply: Reply(replyDelay),
	}
}

// replyTokens splits text into words and standalone punctuation.
var replyTokens = regexp.MustCompile(`[\w'’"-]+|[.,!?;:]`)

var punctuation = regexp.MustCompile(`^[.,!?;:]$`)

// Reply returns an action that writes m.Text one word at a time, pausing
// delay before each word. Punctuation attaches to the preceding word.
func Reply(delay time.Duration) ActionFunc {
	return func(ctx context.Context, w Writer, m Match) error {
		words := replyTokens.FindAllString(m.Text, -1)
		if len(words) == 0 && m.Text != "" {
			words = []string{m.Text}
		}

		timer := time.NewTimer(delay)
		defer timer.Stop()
		for i, word := range words {
			if delay > 0 {
				timer.Reset(delay)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-timer.C:
				}
			}
			if i+1 < len(words) && !punctuation.MatchString(words[i+1]) {
				word += " "
			}
			if _, err := w.Write([]byte(word)); err != nil {
				return err
			}
		}
		return nil
	}
}
