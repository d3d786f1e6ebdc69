package edit

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	mylog "codeloom/internal/log"
	"codeloom/internal/outline"
)

type Kind string

const (
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// FileEdit is the unit produced by the parser and consumed by the applier.
// A delete carries no content and no block path. An update with an absent
// or $fullfile block path is a whole-file write; any other block path
// triggers AST-directed replacement.
type FileEdit struct {
	Kind        Kind    `json:"kind"`
	Path        string  `json:"path"`
	Description string  `json:"description,omitempty"`
	BlockPath   string  `json:"blockPath,omitempty"`
	Content     *string `json:"content,omitempty"`
}

// ErrNoEnvelope reports that the text carries no <changes> region at all.
var ErrNoEnvelope = errors.New("edit: no <changes> envelope found")

// envelope accepts both record shapes; unknown elements and attributes are
// ignored by the decoder. Content payloads are opaque CDATA.
type envelope struct {
	XMLName xml.Name        `xml:"changes"`
	Changes []changeRec     `xml:"change"`
	Updates []fileUpdateRec `xml:"file_update"`
}

type changeRec struct {
	Type        string  `xml:"type,attr"`
	File        string  `xml:"file"`
	Description string  `xml:"description"`
	Content     *string `xml:"content"`
}

type fileUpdateRec struct {
	File        string `xml:"file"`
	Description string `xml:"description"`
	Operations  struct {
		Blocks []blockRec `xml:"block"`
	} `xml:"operations"`
}

type blockRec struct {
	Name    string  `xml:"name,attr"`
	Path    *string `xml:"path"`
	Content *string `xml:"content"`
	Body    string  `xml:",chardata"`
}

// ParseEnvelope scans text for the <changes> region (optionally inside a
// fenced code block), parses it, and yields the flat edit list. A malformed
// envelope is a fatal error: the caller must not apply anything.
func ParseEnvelope(text string, lg *mylog.Logger) ([]FileEdit, error) {
	region, err := locateEnvelope(text)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := xml.Unmarshal([]byte(region), &env); err != nil {
		return nil, fmt.Errorf("edit: envelope parse: %w", err)
	}

	var edits []FileEdit
	for _, c := range env.Changes {
		e, ok := fromChange(c, lg)
		if ok {
			edits = append(edits, e)
		}
	}
	for _, u := range env.Updates {
		edits = append(edits, fromFileUpdate(u, lg)...)
	}
	return edits, nil
}

// EnvelopeSpan returns the byte span of the raw <changes>…</changes>
// region inside text, found by substring search. ok is false when text
// carries no <changes> opening at all.
func EnvelopeSpan(text string) (start, end int, ok bool) {
	start = strings.Index(text, "<changes")
	if start < 0 {
		return 0, 0, false
	}
	if close := strings.LastIndex(text, "</changes>"); close >= start {
		return start, close + len("</changes>"), true
	}
	// a well-formed but empty <changes/> has no closing tag
	if close := strings.Index(text[start:], "/>"); close >= 0 {
		head := text[start : start+close]
		if !strings.Contains(head, ">") {
			return start, start + close + 2, true
		}
	}
	return start, len(text), true
}

// locateEnvelope extracts the envelope region for parsing. The surrounding
// markdown is never parsed; malformed XML inside the span is left for the
// decoder to reject loudly.
func locateEnvelope(text string) (string, error) {
	start, end, ok := EnvelopeSpan(text)
	if !ok {
		return "", ErrNoEnvelope
	}
	region := text[start:end]
	if !strings.HasSuffix(region, "</changes>") && !strings.HasSuffix(region, "/>") {
		return "", fmt.Errorf("edit: envelope parse: <changes> is not terminated")
	}
	return region, nil
}

func fromChange(c changeRec, lg *mylog.Logger) (FileEdit, bool) {
	path, ok := cleanPath(c.File)
	if !ok {
		lg.Warn("edit.skip_record", "reason", "missing or invalid <file>", "file", c.File)
		return FileEdit{}, false
	}
	kind := Kind(strings.ToLower(strings.TrimSpace(c.Type)))
	if kind == "" {
		kind = KindUpdate
	}
	switch kind {
	case KindDelete:
		if c.Content != nil {
			lg.Warn("edit.skip_record", "reason", "delete carries content", "file", path)
			return FileEdit{}, false
		}
		return FileEdit{Kind: KindDelete, Path: path, Description: c.Description}, true
	case KindUpdate:
		if c.Content == nil {
			lg.Warn("edit.skip_record", "reason", "update without <content>", "file", path)
			return FileEdit{}, false
		}
		return FileEdit{Kind: KindUpdate, Path: path, Description: c.Description, Content: c.Content}, true
	default:
		lg.Warn("edit.skip_record", "reason", "unknown change type", "type", string(kind), "file", path)
		return FileEdit{}, false
	}
}

func fromFileUpdate(u fileUpdateRec, lg *mylog.Logger) []FileEdit {
	path, ok := cleanPath(u.File)
	if !ok {
		lg.Warn("edit.skip_record", "reason", "missing or invalid <file>", "file", u.File)
		return nil
	}
	var out []FileEdit
	for _, b := range u.Operations.Blocks {
		blockPath := ""
		var content *string
		switch {
		case b.Path != nil:
			blockPath = strings.TrimSpace(*b.Path)
			content = b.Content
		case b.Name != "":
			blockPath = strings.TrimSpace(b.Name)
			body := strings.TrimSpace(b.Body)
			content = &body
		}
		if blockPath == "" {
			lg.Warn("edit.skip_block", "reason", "block without path", "file", path)
			continue
		}
		if content == nil {
			lg.Warn("edit.skip_block", "reason", "block without content", "file", path, "blockPath", blockPath)
			continue
		}
		out = append(out, FileEdit{
			Kind:        KindUpdate,
			Path:        path,
			Description: u.Description,
			BlockPath:   blockPath,
			Content:     content,
		})
	}
	return out
}

// cleanPath validates a workspace-relative path: forward slashes, no
// leading slash, no parent traversal.
func cleanPath(p string) (string, bool) {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "" {
			return "", false
		}
	}
	return p, true
}

// IsWholeFile reports whether the edit is a whole-file write.
func (e FileEdit) IsWholeFile() bool {
	return e.BlockPath == "" || e.BlockPath == outline.PathFullFile
}
