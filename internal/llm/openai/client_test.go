package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"codeloom/internal/llm"
	mylog "codeloom/internal/log"
)

func TestSendStreamParsesSSEAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"world\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":3,\"total_tokens\":15}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, mylog.New())
	st, err := c.Send(context.Background(), llm.Request{Model: "m", Prompt: "hi", Stream: true})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	var text strings.Builder
	var usage *llm.TokenUsage
	for {
		delta, u, done, err := st.Recv()
		if err != nil {
			t.Fatal(err)
		}
		text.WriteString(delta)
		if u != nil {
			usage = u
		}
		if done {
			break
		}
	}
	if text.String() != "Hello world" {
		t.Fatalf("text=%q", text.String())
	}
	if usage == nil || usage.Prompt != 12 || usage.Candidates != 3 || usage.Total != 15 {
		t.Fatalf("usage=%+v", usage)
	}
}

func TestSendNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"answer"}}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, mylog.New())
	st, err := c.Send(context.Background(), llm.Request{Model: "m", Prompt: "hi", Stream: false})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	delta, _, done, err := st.Recv()
	if err != nil || done {
		t.Fatalf("first recv: %q %v %v", delta, done, err)
	}
	if delta != "answer" {
		t.Fatalf("delta=%q", delta)
	}
	_, usage, done, err := st.Recv()
	if err != nil || !done {
		t.Fatalf("terminal recv: %v %v", done, err)
	}
	if usage == nil || usage.Total != 7 {
		t.Fatalf("usage=%+v", usage)
	}
}

func TestSendHTTPErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quota"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, mylog.New())
	if _, err := c.Send(context.Background(), llm.Request{Model: "m", Prompt: "hi"}); err == nil {
		t.Fatal("expected error after retries")
	}
}

func TestSendMapsRoles(t *testing.T) {
	var seen []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, mylog.New())
	_, err := c.Send(context.Background(), llm.Request{
		Model:   "m",
		System:  "be terse",
		History: []llm.Message{{Role: llm.RoleUser, Text: "q1"}, {Role: llm.RoleModel, Text: "a1"}},
		Prompt:  "q2",
	})
	if err != nil {
		t.Fatal(err)
	}
	body := string(seen)
	for _, frag := range []string{`"role":"system"`, `"role":"assistant"`, `"role":"user"`} {
		if !strings.Contains(body, frag) {
			t.Fatalf("missing %s in %s", frag, body)
		}
	}
}
