package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"codeloom/internal/llm"
	"codeloom/internal/store"
)

func withStore(t *testing.T, api *API) *API {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	api.store = st
	return api
}

func TestConversationsCRUDOverHTTP(t *testing.T) {
	api, _ := newTestAPI(t, nil)
	withStore(t, api)
	mux := api.mux()

	rr := postJSONReq(t, api, "/conversations", map[string]any{"title": "blue header"})
	if rr.Code != http.StatusOK {
		t.Fatalf("create code=%d", rr.Code)
	}
	var conv struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &conv)
	if conv.ID == "" {
		t.Fatal("missing conversation id")
	}

	rr = postJSONReq(t, api, "/conversations/"+conv.ID+"/messages", map[string]any{
		"role": "user", "content": "hi", "fullContent": "full body",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("append code=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/conversations/"+conv.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get code=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"full body"`) {
		t.Fatalf("messages missing: %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/conversations/"+conv.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete code=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/conversations/"+conv.ID, nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete code=%d", rr.Code)
	}
}

func TestConversationsUnavailableWithoutStore(t *testing.T) {
	api, _ := newTestAPI(t, nil)
	rr := httptest.NewRecorder()
	api.mux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/conversations", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d", rr.Code)
	}
}

func TestChatPersistsTurnIntoConversation(t *testing.T) {
	prov := &mockProvider{sendFn: func(ctx context.Context, req llm.Request) (llm.Stream, error) {
		return &scriptStream{chunks: []string{"the answer"}}, nil
	}}
	api, _ := newTestAPI(t, prov)
	withStore(t, api)

	c, err := api.store.CreateConversation("t")
	if err != nil {
		t.Fatal(err)
	}
	rr := postChat(t, api, map[string]any{"conversationID": c.ID, "message": "question"})
	if rr.Code != http.StatusOK {
		t.Fatalf("code=%d", rr.Code)
	}
	msgs, err := api.store.ListMessages(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("msgs=%d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "question" {
		t.Fatalf("msg0=%+v", msgs[0])
	}
	if !strings.Contains(msgs[0].FullContent, "START OF FILE app.ts") {
		t.Fatal("full prompt body should be preserved on the user message")
	}
	if msgs[1].Role != "model" || msgs[1].Content != "the answer" {
		t.Fatalf("msg1=%+v", msgs[1])
	}
}

func TestChatHistoryReachesGatewayOptimized(t *testing.T) {
	prov := &mockProvider{sendFn: func(ctx context.Context, req llm.Request) (llm.Stream, error) {
		return &scriptStream{chunks: []string{"ok"}}, nil
	}}
	api, _ := newTestAPI(t, prov)
	withStore(t, api)

	c, _ := api.store.CreateConversation("t")
	// a prior turn that embedded the same file content the workspace holds now
	full := "These are the existing files in the app:\n--- START OF FILE app.ts ---\nconst a = 1;\n\n\n---User Instruction---\nfirst ask"
	_, _ = api.store.AppendMessage(c.ID, "user", "first ask", full)
	_, _ = api.store.AppendMessage(c.ID, "model", "did it", "")

	postChat(t, api, map[string]any{"conversationID": c.ID, "message": "second ask"})
	if len(prov.last.History) != 2 {
		t.Fatalf("history=%d", len(prov.last.History))
	}
	got := prov.last.History[0].PromptText()
	if !strings.Contains(got, "[code is identical to current context]") {
		t.Fatalf("history not optimized: %q", got)
	}
	if strings.Contains(got, "const a = 1;") {
		t.Fatal("stale file bytes should be replaced")
	}
}
