package llm

import (
	"context"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one conversation turn. FullText, when set on a user message,
// preserves the originally-sent prompt body including the embedded
// workspace digest; Text holds what the user typed.
type Message struct {
	Role     Role   `json:"role"`
	Text     string `json:"text"`
	FullText string `json:"fullText,omitempty"`
}

// PromptText returns the text actually sent for this message.
func (m Message) PromptText() string {
	if m.Role == RoleUser && m.FullText != "" {
		return m.FullText
	}
	return m.Text
}

// TokenUsage is the terminal token accounting of one exchange.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Candidates int `json:"candidates"`
	Total      int `json:"total"`
	Cached     int `json:"cached,omitempty"`
	Thoughts   int `json:"thoughts,omitempty"`
}

// Kinds returns the token counters keyed by their display-type tags.
func (u TokenUsage) Kinds() map[string]int {
	return map[string]int{
		"prompt":     u.Prompt,
		"candidates": u.Candidates,
		"total":      u.Total,
		"cached":     u.Cached,
		"thoughts":   u.Thoughts,
	}
}

// Request carries one model exchange. The system prompt travels out-of-band
// from the history; history text is verbatim (already optimized upstream).
type Request struct {
	System      string
	History     []Message
	Prompt      string
	Model       string
	Temperature *float64
	TopP        *float64
	TopK        *float64
	Stream      bool
}

// Stream yields the model output in order. Recv returns done=true after the
// final chunk; usage is non-nil at most once, on or after the last chunk,
// and never after an error. Cancelling the request context terminates the
// stream with no further events.
type Stream interface {
	Recv() (delta string, usage *TokenUsage, done bool, err error)
	Close() error
}

// Provider abstracts a model backend behind a uniform streaming contract.
type Provider interface {
	Send(ctx context.Context, req Request) (Stream, error)
}

// StaticStream adapts an already-complete response to the Stream contract:
// one chunk, then usage, then done. Used by non-streaming paths and tests.
type StaticStream struct {
	text  string
	usage *TokenUsage
	state int
}

func NewStaticStream(text string, usage *TokenUsage) *StaticStream {
	return &StaticStream{text: text, usage: usage}
}

func (s *StaticStream) Recv() (string, *TokenUsage, bool, error) {
	switch s.state {
	case 0:
		s.state = 1
		return s.text, nil, false, nil
	case 1:
		s.state = 2
		return "", s.usage, true, nil
	default:
		return "", nil, true, nil
	}
}

func (s *StaticStream) Close() error { return nil }
