package gemini

import (
	"context"
	"errors"
	"fmt"
	"os"

	genai "google.golang.org/genai"

	"codeloom/internal/llm"
	mylog "codeloom/internal/log"
)

// Client wraps the official genai SDK behind the gateway contract.
type Client struct {
	cli *genai.Client
	lg  *mylog.Logger
}

func New(ctx context.Context, lg *mylog.Logger) (*Client, error) {
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		return nil, errors.New("gemini: GEMINI_API_KEY not set")
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &Client{cli: cli, lg: lg}, nil
}

func (c *Client) Send(ctx context.Context, req llm.Request) (llm.Stream, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		role := genai.RoleUser
		if m.Role == llm.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.PromptText()}}})
	}
	contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: req.Prompt}}})

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.TopK != nil {
		cfg.TopK = genai.Ptr(float32(*req.TopK))
	}

	if !req.Stream {
		resp, err := c.cli.Models.GenerateContent(ctx, req.Model, contents, cfg)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		return llm.NewStaticStream(responseText(resp), usageFrom(resp)), nil
	}

	st := &stream{ch: make(chan event, 16)}
	go func() {
		defer close(st.ch)
		var usage *llm.TokenUsage
		for resp, err := range c.cli.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				st.ch <- event{err: fmt.Errorf("gemini: %w", err)}
				return
			}
			if u := usageFrom(resp); u != nil {
				usage = u
			}
			if text := responseText(resp); text != "" {
				select {
				case st.ch <- event{delta: text}:
				case <-ctx.Done():
					return
				}
			}
		}
		if ctx.Err() != nil {
			return
		}
		st.ch <- event{usage: usage, done: true}
	}()
	return st, nil
}

type event struct {
	delta string
	usage *llm.TokenUsage
	done  bool
	err   error
}

type stream struct {
	ch     chan event
	closed bool
}

func (s *stream) Recv() (string, *llm.TokenUsage, bool, error) {
	ev, ok := <-s.ch
	if !ok {
		return "", nil, true, nil
	}
	if ev.err != nil {
		return "", nil, true, ev.err
	}
	return ev.delta, ev.usage, ev.done, nil
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	// drain so the producer goroutine can exit
	go func() {
		for range s.ch {
		}
	}()
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	out := ""
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			out += p.Text
		}
	}
	return out
}

func usageFrom(resp *genai.GenerateContentResponse) *llm.TokenUsage {
	if resp == nil || resp.UsageMetadata == nil {
		return nil
	}
	m := resp.UsageMetadata
	return &llm.TokenUsage{
		Prompt:     int(m.PromptTokenCount),
		Candidates: int(m.CandidatesTokenCount),
		Total:      int(m.TotalTokenCount),
		Cached:     int(m.CachedContentTokenCount),
		Thoughts:   int(m.ThoughtsTokenCount),
	}
}
