package edit

import (
	"os"
	"path/filepath"
	"time"

	"codeloom/internal/events"
	mylog "codeloom/internal/log"
	"codeloom/internal/outline"
	"codeloom/internal/snapshot"
)

// Result reports the outcome of one edit. Per-file failures do not stop
// sibling edits; partial progress is preserved and reported.
type Result struct {
	Path      string `json:"path"`
	BlockPath string `json:"blockPath,omitempty"`
	Kind      Kind   `json:"kind"`
	Applied   bool   `json:"applied"`
	Err       string `json:"error,omitempty"`
}

// Applier executes a parsed edit batch against the workspace root and
// records a forced snapshot after any successful change.
type Applier struct {
	root  string
	snaps *snapshot.Store
	lg    *mylog.Logger
}

func NewApplier(root string, snaps *snapshot.Store, lg *mylog.Logger) *Applier {
	return &Applier{root: root, snaps: snaps, lg: lg}
}

// SnapshotLabel names the post-apply snapshot.
func SnapshotLabel(now time.Time) string {
	return now.UTC().Format("2006-01-02T15-04-05") + "_ai_change"
}

// Apply executes edits in given order. File content is cached within the
// batch so multiple edits on one file compose. Returns the per-edit results
// and the label of the snapshot taken, if any.
func (a *Applier) Apply(edits []FileEdit, sink events.Sink) ([]Result, string) {
	results := make([]Result, 0, len(edits))
	cache := make(map[string]string)
	applied := 0

	for _, e := range edits {
		res := Result{Path: e.Path, BlockPath: e.BlockPath, Kind: e.Kind}
		if err := a.applyOne(e, cache); err != nil {
			res.Err = err.Error()
			a.lg.Warn("apply.edit", "path", e.Path, "blockPath", e.BlockPath, "error", err.Error())
		} else {
			res.Applied = true
			applied++
		}
		results = append(results, res)
	}

	label := ""
	if applied > 0 {
		label = SnapshotLabel(time.Now())
		if _, err := a.snaps.Create(label, true); err != nil {
			// the apply itself succeeded; snapshot failure is reported separately
			a.lg.Error("apply.snapshot", "label", label, "error", err.Error())
			label = ""
		} else if sink != nil {
			sink.Emit(events.Event{Kind: events.KindSnapshotCreated, SnapshotLabel: label})
		}
	}
	return results, label
}

func (a *Applier) applyOne(e FileEdit, cache map[string]string) error {
	full := filepath.Join(a.root, filepath.FromSlash(e.Path))

	switch e.Kind {
	case KindDelete:
		if _, err := os.Stat(full); err != nil {
			return os.ErrNotExist
		}
		if err := os.Remove(full); err != nil {
			return err
		}
		delete(cache, e.Path)
		return nil

	case KindUpdate:
		if e.IsWholeFile() {
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(full, []byte(*e.Content), 0o644); err != nil {
				return err
			}
			cache[e.Path] = *e.Content
			return nil
		}
		text, ok := cache[e.Path]
		if !ok {
			b, err := os.ReadFile(full)
			if err != nil {
				return err
			}
			text = string(b)
		}
		rewritten, err := outline.ReplaceBlock(e.Path, text, e.BlockPath, *e.Content)
		if err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(rewritten), 0o644); err != nil {
			return err
		}
		cache[e.Path] = rewritten
		return nil
	}
	return nil
}
