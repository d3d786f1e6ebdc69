package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"codeloom/internal/config"
	"codeloom/internal/llm"
	mylog "codeloom/internal/log"
)

func newTestAPI(t *testing.T, prov *mockProvider) (*API, string) {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "ws")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "app.ts"), []byte("const a = 1;\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.DisplayTokenConsumption = config.TokenDisplay{Enabled: true, DisplayTypes: []string{"total"}}
	var p llm.Provider
	if prov != nil {
		p = prov
	}
	return NewAPI(root, cfg, p, nil, mylog.New()), root
}

func postChat(t *testing.T, api *API, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	b, _ := json.Marshal(body)
	rr := httptest.NewRecorder()
	api.mux().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(b)))
	return rr
}

func TestChatStreamEventOrder(t *testing.T) {
	prov := &mockProvider{sendFn: func(ctx context.Context, req llm.Request) (llm.Stream, error) {
		return &scriptStream{
			chunks: []string{"Hello ", "world"},
			usage:  &llm.TokenUsage{Prompt: 10, Candidates: 2, Total: 12},
		}, nil
	}}
	api, _ := newTestAPI(t, prov)
	rr := postChat(t, api, map[string]any{"message": "hi"})
	if rr.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", rr.Code, rr.Body.String())
	}
	out := rr.Body.String()

	var order []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "event: ") {
			order = append(order, strings.TrimPrefix(line, "event: "))
		}
	}
	want := []string{"files", "token", "token", "usage", "done"}
	if len(order) != len(want) {
		t.Fatalf("order=%v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order=%v want=%v", order, want)
		}
	}
	if !strings.Contains(out, "Hello ") || !strings.Contains(out, "world") {
		t.Fatalf("missing chunks: %q", out)
	}
}

func TestChatFilesEventCarriesDigest(t *testing.T) {
	prov := &mockProvider{sendFn: func(ctx context.Context, req llm.Request) (llm.Stream, error) {
		return &scriptStream{}, nil
	}}
	api, _ := newTestAPI(t, prov)
	rr := postChat(t, api, map[string]any{"message": "hi"})
	out := rr.Body.String()
	if !strings.Contains(out, `"app.ts"`) {
		t.Fatalf("files event should list the workspace: %q", out)
	}
	if !strings.Contains(out, "START OF FILE app.ts") {
		t.Fatal("files event should carry the composed prompt")
	}
}

func TestChatPromptReachesGateway(t *testing.T) {
	prov := &mockProvider{sendFn: func(ctx context.Context, req llm.Request) (llm.Stream, error) {
		return &scriptStream{}, nil
	}}
	api, _ := newTestAPI(t, prov)
	postChat(t, api, map[string]any{"message": "paint it blue"})
	if !strings.Contains(prov.last.Prompt, "---User Instruction---\npaint it blue") {
		t.Fatalf("prompt=%q", prov.last.Prompt)
	}
	if !strings.Contains(prov.last.Prompt, "const a = 1;") {
		t.Fatal("workspace digest missing from the prompt")
	}
	if prov.last.System == "" {
		t.Fatal("system prompt must travel out-of-band")
	}
}

func TestChatStreamEmitsError(t *testing.T) {
	prov := &mockProvider{sendFn: func(ctx context.Context, req llm.Request) (llm.Stream, error) {
		return &scriptStream{err: context.DeadlineExceeded}, nil
	}}
	api, _ := newTestAPI(t, prov)
	rr := postChat(t, api, map[string]any{"message": "hi"})
	out := rr.Body.String()
	if !strings.Contains(out, "event: error") {
		t.Fatalf("missing error event: %q", out)
	}
	if strings.Contains(out, "event: usage") || strings.Contains(out, "event: done") {
		t.Fatal("no usage or done after a gateway error")
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	api, _ := newTestAPI(t, &mockProvider{sendFn: func(ctx context.Context, req llm.Request) (llm.Stream, error) {
		return &scriptStream{}, nil
	}})
	rr := postChat(t, api, map[string]any{"message": "  "})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("code=%d", rr.Code)
	}
}

func TestChatNoProvider(t *testing.T) {
	api, _ := newTestAPI(t, nil)
	rr := postChat(t, api, map[string]any{"message": "hi"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d", rr.Code)
	}
}
