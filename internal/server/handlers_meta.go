package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

func (a *API) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	labels, err := a.snaps.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if labels == nil {
		labels = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": labels})
}

func (a *API) handleSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	var req struct {
		Label string `json:"label"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "malformed request body")
		return
	}
	if req.Label == "" {
		req.Label = time.Now().UTC().Format("2006-01-02T15-04-05") + "_manual"
	}
	if strings.ContainsAny(req.Label, "/\\") {
		writeError(w, http.StatusBadRequest, "invalid_request", "label must not contain path separators")
		return
	}
	res, err := a.snaps.Create(req.Label, req.Force)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "snapshot_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSnapshotRestore(w http.ResponseWriter, r *http.Request) {
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
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Label == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "label required")
		return
	}
	if strings.ContainsAny(req.Label, "/\\") {
		writeError(w, http.StatusBadRequest, "invalid_request", "label must not contain path separators")
		return
	}
	if err := a.snaps.Restore(req.Label); err != nil {
		writeError(w, http.StatusInternalServerError, "snapshot_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "label": req.Label})
}

func (a *API) handleConversations(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r) {
		return
	}
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no_store", "chat history store not available")
		return
	}
	switch r.Method {
	case http.MethodGet:
		list, err := a.store.ListConversations()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
	case http.MethodPost:
		var req struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "malformed request body")
			return
		}
		c, err := a.store.CreateConversation(req.Title)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, c)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	}
}

// handleConversation dispatches /conversations/{id} and
// /conversations/{id}/messages.
func (a *API) handleConversation(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r) {
		return
	}
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no_store", "chat history store not available")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/conversations/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "conversation id required")
		return
	}
	id := parts[0]

	if len(parts) == 2 && parts[1] == "messages" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
			return
		}
		var req struct {
			Role        string `json:"role"`
			Content     string `json:"content"`
			FullContent string `json:"fullContent"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "malformed request body")
			return
		}
		if req.Role != "user" && req.Role != "model" {
			writeError(w, http.StatusBadRequest, "invalid_request", "role must be user or model")
			return
		}
		m, err := a.store.AppendMessage(id, req.Role, req.Content, req.FullContent)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, m)
		return
	}

	switch r.Method {
	case http.MethodGet:
		c, ok := a.store.GetConversation(id)
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "unknown conversation")
			return
		}
		msgs, err := a.store.ListMessages(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation": c, "messages": msgs})
	case http.MethodDelete:
		if _, ok := a.store.GetConversation(id); !ok {
			writeError(w, http.StatusNotFound, "not_found", "unknown conversation")
			return
		}
		if err := a.store.DeleteConversation(id); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	}
}
