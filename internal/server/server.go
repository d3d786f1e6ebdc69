package server

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"codeloom/internal/config"
	"codeloom/internal/llm"
	"codeloom/internal/llm/gemini"
	"codeloom/internal/llm/openai"
	mylog "codeloom/internal/log"
	"codeloom/internal/prompt"
	"codeloom/internal/snapshot"
	"codeloom/internal/store"
	"codeloom/internal/watcher"
)

// API serves the workspace to the browser UI and mediates model turns.
type API struct {
	root   string
	cfg    config.Config
	llm    llm.Provider
	store  *store.Store
	snaps  *snapshot.Store
	hub    *watcher.Hub
	lg     *mylog.Logger
	system string
}

func NewAPI(root string, cfg config.Config, provider llm.Provider, st *store.Store, lg *mylog.Logger) *API {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return &API{
		root:   abs,
		cfg:    cfg,
		llm:    provider,
		store:  st,
		snaps:  snapshot.NewStore(abs, lg),
		hub:    watcher.NewHub(lg),
		lg:     lg,
		system: prompt.SystemPrompt(cfg, lg),
	}
}

func (a *API) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/chat", a.handleChat)
	mux.HandleFunc("/apply", a.handleApply)
	mux.HandleFunc("/edits/preview", a.handleEditsPreview)
	mux.HandleFunc("/fs/tree", a.handleFSTree)
	mux.HandleFunc("/fs/read", a.handleFSRead)
	mux.HandleFunc("/fs/write", a.handleFSWrite)
	mux.HandleFunc("/fs/delete", a.handleFSDelete)
	mux.HandleFunc("/snapshots", a.handleSnapshots)
	mux.HandleFunc("/snapshots/create", a.handleSnapshotCreate)
	mux.HandleFunc("/snapshots/restore", a.handleSnapshotRestore)
	mux.HandleFunc("/conversations", a.handleConversations)
	mux.HandleFunc("/conversations/", a.handleConversation)
	mux.HandleFunc("/ws", a.hub.Serve)
	return mux
}

// Run starts the service on addr against the workspace at root. It blocks
// until SIGINT/SIGTERM.
func Run(addr, root, cfgPath string) error {
	lg := mylog.New()
	if cfgPath == "" {
		cfgPath = filepath.Join(root, config.FileName)
	}
	cfg := config.Load(cfgPath, lg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := newProvider(ctx, cfg, lg)
	if err != nil {
		return err
	}

	var st *store.Store
	dbPath := os.Getenv("CODELOOM_SQLITE_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(root, ".codeloom", "history.db")
	}
	if st, err = store.NewSQLite(dbPath); err != nil {
		lg.Warn("store.disabled", "path", dbPath, "error", err.Error())
		st = nil
	}

	api := NewAPI(root, cfg, provider, st, lg)

	interval := 2 * time.Second
	if v := os.Getenv("CODELOOM_WATCH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			interval = d
		}
	}
	go watcher.New(api.root, interval, api.hub, lg).Run(ctx)

	srv := &http.Server{Addr: addr, Handler: logMiddleware(lg, api.mux())}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	lg.Info("server.listening", "addr", addr, "root", api.root, "provider", string(cfg.APIProvider))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newProvider(ctx context.Context, cfg config.Config, lg *mylog.Logger) (llm.Provider, error) {
	switch cfg.APIProvider {
	case config.ProviderOpenAI:
		return openai.New(cfg.OpenAIParameters.BaseURL, lg), nil
	default:
		return gemini.New(ctx, lg)
	}
}

// gatewayRequest binds the per-backend parameters from the config.
func (a *API) gatewayRequest(userPrompt string, hist []llm.Message) llm.Request {
	req := llm.Request{
		System:  a.system,
		History: hist,
		Prompt:  userPrompt,
		Stream:  a.cfg.EnableStreaming,
	}
	switch a.cfg.APIProvider {
	case config.ProviderOpenAI:
		p := a.cfg.OpenAIParameters
		req.Model = p.Model
		req.Temperature = p.Temperature
		req.TopP = p.TopP
	default:
		p := a.cfg.ModelParameters
		req.Model = p.Model
		req.Temperature = p.Temperature
		req.TopP = p.TopP
		req.TopK = p.TopK
	}
	return req
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errStr, message string) {
	writeJSON(w, status, map[string]any{"error": errStr, "message": message})
}

// Authorization: optional token via env CODELOOM_API_TOKEN.
// Accepts Authorization: Bearer <token> or query param ?token=...
func authorize(w http.ResponseWriter, r *http.Request) bool {
	tok := os.Getenv("CODELOOM_API_TOKEN")
	if tok == "" {
		return true
	}
	hdr := r.Header.Get("Authorization")
	if strings.HasPrefix(hdr, "Bearer ") && strings.TrimSpace(hdr[len("Bearer "):]) == tok {
		return true
	}
	if r.URL.Query().Get("token") == tok {
		return true
	}
	writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
	return false
}

func isReadOnly() bool { return os.Getenv("CODELOOM_READONLY") == "1" }

// resolvePath joins rel onto the workspace root and rejects escapes.
func (a *API) resolvePath(rel string) (string, bool) {
	full := filepath.Clean(filepath.Join(a.root, filepath.FromSlash(rel)))
	if full != a.root && !strings.HasPrefix(full+string(os.PathSeparator), a.root+string(os.PathSeparator)) {
		return "", false
	}
	if full == a.root {
		return "", false
	}
	return full, true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if fl, ok := sr.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

func newRequestID() string {
	b := make([]byte, 8)
	if _, err := crand.Read(b); err != nil {
		return "req-unknown"
	}
	return hex.EncodeToString(b)
}

func logMiddleware(lg *mylog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(sr, r)
		lg.Info("http.request",
			"id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.status,
			"durMs", time.Since(startedAt).Milliseconds())
	})
}
