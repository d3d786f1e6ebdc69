package workspace

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"codeloom/internal/ignore"
	mylog "codeloom/internal/log"
)

// SummaryPreamble introduces the concatenated workspace digest in prompts.
// The wording is part of the prompt contract.
const SummaryPreamble = "These are the existing files in the app:"

// File is one workspace file as seen by the reader.
type File struct {
	Path string `json:"path"`
	Text string `json:"text"`
}

// Digest is the ordered per-turn view of the workspace text.
type Digest struct {
	Files    []File
	Included []string
}

// FileHeader renders the per-file marker line used in the digest.
func FileHeader(path string) string {
	return "--- START OF FILE " + path + " ---"
}

// Read walks the workspace honoring ignore rules and returns the digest.
// Failure to read the root yields an empty digest; failures on individual
// files skip that file but not the walk.
func Read(root string, lg *mylog.Logger) Digest {
	matcher := ignore.NewMatcher(ignore.LoadWorkspaceRules(root))
	var d Digest

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			lg.Warn("workspace.walk", "path", path, "error", err.Error())
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if matcher.Match(rel, entry.IsDir()) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		b, readErr := os.ReadFile(path)
		if readErr != nil {
			lg.Warn("workspace.read", "path", rel, "error", readErr.Error())
			return nil
		}
		d.Files = append(d.Files, File{Path: rel, Text: string(b)})
		d.Included = append(d.Included, rel)
		return nil
	})
	if err != nil {
		lg.Error("workspace.root", "root", root, "error", err.Error())
		return Digest{}
	}
	return d
}

// Text returns the digest text for path.
func (d Digest) Text(path string) (string, bool) {
	for _, f := range d.Files {
		if f.Path == path {
			return f.Text, true
		}
	}
	return "", false
}

// Map returns path -> text for the whole digest.
func (d Digest) Map() map[string]string {
	m := make(map[string]string, len(d.Files))
	for _, f := range d.Files {
		m[f.Path] = f.Text
	}
	return m
}

// Summary concatenates every file as a marked block, prefixed with the
// digest preamble. Blocks are separated by one blank line.
func (d Digest) Summary() string {
	blocks := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		blocks = append(blocks, FileHeader(f.Path)+"\n"+f.Text)
	}
	return SummaryPreamble + "\n" + strings.Join(blocks, "\n\n")
}
