package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"codeloom/internal/edit"
	"codeloom/internal/events"
	"codeloom/internal/history"
	"codeloom/internal/llm"
	"codeloom/internal/outline"
	"codeloom/internal/patch"
	"codeloom/internal/prompt"
	"codeloom/internal/workspace"
)

// handleChat runs one turn: compose, stream, persist. The response is an
// SSE stream regardless of the gateway mode; with streaming disabled the
// whole answer arrives as a single token event.
func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	if a.llm == nil {
		writeError(w, http.StatusServiceUnavailable, "no_provider", "llm provider not configured")
		return
	}
	var req struct {
		ConversationID string `json:"conversationID"`
		Message        string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "malformed request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message required")
		return
	}

	digest := workspace.Read(a.root, a.lg)

	var hist []llm.Message
	if req.ConversationID != "" && a.store != nil {
		stored, err := a.store.ListMessages(req.ConversationID)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		for _, m := range stored {
			hist = append(hist, llm.Message{Role: llm.Role(m.Role), Text: m.Content, FullText: m.FullContent})
		}
	}
	if a.cfg.OptimizeCodeContext {
		hist = history.Optimize(hist, digest.Map(), a.cfg.CodeChangeStrategy, a.lg)
	}
	hist = history.Window(hist, a.cfg.MaxContextHistoryTurns)

	userPrompt := prompt.Compose(digest, a.cfg.CodeChangeStrategy, req.Message, a.lg)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	fl, _ := w.(http.Flusher)
	sse := func(event string, data string) {
		fmt.Fprintf(w, "event: %s\n", event)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if fl != nil {
			fl.Flush()
		}
	}
	emitJSON := func(event string, v any) {
		b, _ := json.Marshal(v)
		sse(event, string(b))
	}

	emitJSON("files", events.Event{Kind: events.KindFilesIncluded, Files: digest.Included, Prompt: userPrompt})

	st, err := a.llm.Send(r.Context(), a.gatewayRequest(userPrompt, hist))
	if err != nil {
		sse("error", jsonEscape(err.Error()))
		return
	}
	defer st.Close()

	var answer strings.Builder
	for {
		delta, usage, done, err := st.Recv()
		if err != nil {
			if r.Context().Err() != nil {
				// cancellation is not an error; terminate silently
				return
			}
			sse("error", jsonEscape(err.Error()))
			return
		}
		if delta != "" {
			sse("token", jsonEscape(delta))
			answer.WriteString(delta)
		}
		if usage != nil && a.cfg.DisplayTokenConsumption.Enabled {
			kinds := usage.Kinds()
			counts := make(map[string]int)
			for _, k := range a.cfg.DisplayTokenConsumption.DisplayTypes {
				if v, ok := kinds[k]; ok {
					counts[k] = v
				}
			}
			emitJSON("usage", events.Event{
				Kind:         events.KindUsage,
				Usage:        usage,
				Counts:       counts,
				DisplayTypes: a.cfg.DisplayTokenConsumption.DisplayTypes,
			})
		}
		if done {
			break
		}
	}
	if r.Context().Err() != nil {
		// cancelled mid-stream: discard the partial turn
		return
	}

	if req.ConversationID != "" && a.store != nil {
		if _, err := a.store.AppendMessage(req.ConversationID, string(llm.RoleUser), req.Message, userPrompt); err != nil {
			a.lg.Warn("chat.persist", "error", err.Error())
		} else if _, err := a.store.AppendMessage(req.ConversationID, string(llm.RoleModel), answer.String(), ""); err != nil {
			a.lg.Warn("chat.persist", "error", err.Error())
		}
	}
	sse("done", "")
}

// handleApply parses the envelope out of supplied model text and executes
// it. An envelope parse failure aborts before any file is touched.
func (a *API) handleApply(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	if isReadOnly() {
		writeError(w, http.StatusForbidden, "forbidden", "read-only mode")
		return
	}
	var req struct {
		ConversationID string `json:"conversationID"`
		Text           string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "malformed request body")
		return
	}
	edits, err := edit.ParseEnvelope(req.Text, a.lg)
	if err != nil {
		writeError(w, http.StatusBadRequest, "envelope_parse", err.Error())
		return
	}

	var sunk events.Collector
	applier := edit.NewApplier(a.root, a.snaps, a.lg)
	results, label := applier.Apply(edits, &sunk)
	writeJSON(w, http.StatusOK, map[string]any{
		"results":  results,
		"snapshot": label,
	})
}

// handleEditsPreview renders an envelope as per-file unified diffs without
// touching the workspace.
func (a *API) handleEditsPreview(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "malformed request body")
		return
	}
	edits, err := edit.ParseEnvelope(req.Text, a.lg)
	if err != nil {
		writeError(w, http.StatusBadRequest, "envelope_parse", err.Error())
		return
	}

	type preview struct {
		Path string `json:"path"`
		Diff string `json:"diff"`
		Err  string `json:"error,omitempty"`
	}
	original := make(map[string]string)
	projected := make(map[string]string)
	var order []string
	readCurrent := func(rel string) string {
		if v, ok := projected[rel]; ok {
			return v
		}
		full, ok := a.resolvePath(rel)
		if !ok {
			return ""
		}
		b, err := os.ReadFile(full)
		if err != nil {
			b = nil
		}
		original[rel] = string(b)
		order = append(order, rel)
		return string(b)
	}
	perPathErr := make(map[string]string)
	for _, e := range edits {
		cur := readCurrent(e.Path)
		switch {
		case e.Kind == edit.KindDelete:
			projected[e.Path] = ""
		case e.IsWholeFile():
			projected[e.Path] = *e.Content
		default:
			next, err := outline.ReplaceBlock(e.Path, cur, e.BlockPath, *e.Content)
			if err != nil {
				perPathErr[e.Path] = err.Error()
				next = cur
			}
			projected[e.Path] = next
		}
	}
	var out []preview
	for _, rel := range order {
		out = append(out, preview{
			Path: rel,
			Diff: patch.Diff(original[rel], projected[rel], rel, 3),
			Err:  perPathErr[rel],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"previews": out})
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	if len(b) >= 2 {
		return string(b[1 : len(b)-1])
	}
	return string(b)
}
