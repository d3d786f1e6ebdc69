package server

import (
	"context"

	"codeloom/internal/llm"
)

type mockProvider struct {
	sendFn func(ctx context.Context, req llm.Request) (llm.Stream, error)
	last   llm.Request
}

func (m *mockProvider) Send(ctx context.Context, req llm.Request) (llm.Stream, error) {
	m.last = req
	return m.sendFn(ctx, req)
}

// scriptStream replays a fixed chunk sequence, then usage, then done.
type scriptStream struct {
	chunks []string
	usage  *llm.TokenUsage
	err    error
	i      int
}

func (s *scriptStream) Recv() (string, *llm.TokenUsage, bool, error) {
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return c, nil, false, nil
	}
	if s.err != nil {
		return "", nil, true, s.err
	}
	return "", s.usage, true, nil
}

func (s *scriptStream) Close() error { return nil }
