package snapshot

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	mylog "codeloom/internal/log"
	"codeloom/internal/workspace"
)

// Store keeps labeled byte-for-byte copies of the workspace in a "backups"
// directory that is a sibling of the workspace root. Each snapshot is a
// subdirectory named by its label; the directory itself is the record.
type Store struct {
	root string
	dir  string
	lg   *mylog.Logger
}

// Result reports whether a snapshot was actually recorded.
type Result struct {
	Created bool   `json:"created"`
	Label   string `json:"label"`
}

func NewStore(root string, lg *mylog.Logger) *Store {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return &Store{
		root: abs,
		dir:  filepath.Join(filepath.Dir(abs), "backups"),
		lg:   lg,
	}
}

// Dir returns the backups directory path.
func (s *Store) Dir() string { return s.dir }

// List returns snapshot labels in ascending order. Labels are
// timestamp-prefixed, so lexical order is creation order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var labels []string
	for _, e := range entries {
		if e.IsDir() {
			labels = append(labels, e.Name())
		}
	}
	sort.Strings(labels)
	return labels, nil
}

// Create records a snapshot of the tracked workspace files under label.
// Unless force is set, a snapshot identical to the latest one is elided and
// Result.Created is false.
func (s *Store) Create(label string, force bool) (Result, error) {
	d := workspace.Read(s.root, s.lg)
	if !force {
		if latest, ok := s.latest(); ok {
			same, err := s.equalsSnapshot(latest, d)
			if err != nil {
				s.lg.Warn("snapshot.compare", "label", latest, "error", err.Error())
			} else if same {
				return Result{Created: false, Label: latest}, nil
			}
		}
	}
	target := filepath.Join(s.dir, label)
	for _, f := range d.Files {
		dst := filepath.Join(target, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return Result{}, fmt.Errorf("snapshot %s: %w", label, err)
		}
		if err := os.WriteFile(dst, []byte(f.Text), 0o644); err != nil {
			return Result{}, fmt.Errorf("snapshot %s: %w", label, err)
		}
	}
	if len(d.Files) == 0 {
		// an empty workspace still records the label directory
		if err := os.MkdirAll(target, 0o755); err != nil {
			return Result{}, fmt.Errorf("snapshot %s: %w", label, err)
		}
	}
	s.lg.Info("snapshot.created", "label", label, "files", len(d.Files))
	return Result{Created: true, Label: label}, nil
}

// Restore removes every currently-tracked workspace file, then copies every
// file from the snapshot back. There is no transaction across the two
// phases; an I/O error may leave the workspace partially restored and is
// reported as such.
func (s *Store) Restore(label string) error {
	src := filepath.Join(s.dir, label)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("snapshot %s: %w", label, err)
	}
	d := workspace.Read(s.root, s.lg)
	for _, f := range d.Files {
		if err := os.Remove(filepath.Join(s.root, filepath.FromSlash(f.Path))); err != nil {
			return fmt.Errorf("restore %s: clear %s: %w", label, f.Path, err)
		}
	}
	files, err := snapshotFiles(src)
	if err != nil {
		return fmt.Errorf("restore %s: %w", label, err)
	}
	for _, rel := range files {
		b, err := os.ReadFile(filepath.Join(src, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("restore %s: read %s: %w", label, rel, err)
		}
		dst := filepath.Join(s.root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("restore %s: %w", label, err)
		}
		if err := os.WriteFile(dst, b, 0o644); err != nil {
			return fmt.Errorf("restore %s: write %s: %w", label, rel, err)
		}
	}
	s.lg.Info("snapshot.restored", "label", label, "files", len(files))
	return nil
}

func (s *Store) latest() (string, bool) {
	labels, err := s.List()
	if err != nil || len(labels) == 0 {
		return "", false
	}
	return labels[len(labels)-1], true
}

// equalsSnapshot compares the digest against a stored snapshot: first the
// sorted file lists, then content byte-for-byte.
func (s *Store) equalsSnapshot(label string, d workspace.Digest) (bool, error) {
	src := filepath.Join(s.dir, label)
	stored, err := snapshotFiles(src)
	if err != nil {
		return false, err
	}
	current := make([]string, len(d.Included))
	copy(current, d.Included)
	sort.Strings(current)
	sort.Strings(stored)
	if len(current) != len(stored) {
		return false, nil
	}
	for i := range current {
		if current[i] != stored[i] {
			return false, nil
		}
	}
	for _, f := range d.Files {
		b, err := os.ReadFile(filepath.Join(src, filepath.FromSlash(f.Path)))
		if err != nil {
			return false, err
		}
		if !bytes.Equal(b, []byte(f.Text)) {
			return false, nil
		}
	}
	return true, nil
}

func snapshotFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	return out, err
}
