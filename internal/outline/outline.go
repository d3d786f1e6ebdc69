package outline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Sentinel navigational paths. PathFullFile is never resolved here; it tells
// the applier to do a whole-file write.
const (
	PathImports  = "$imports"
	PathFullFile = "$fullfile"

	linePrefix = "$line:"
)

var (
	ErrParse         = errors.New("outline: source parse failed")
	ErrBlockNotFound = errors.New("outline: block path not found")
	ErrBlockMismatch = errors.New("outline: line path content mismatch")
)

var parsableExts = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".mjs": true, ".cjs": true,
}

// Parsable reports whether the structural index can address this file by
// extension. Non-parsable files are addressed as $fullfile only.
func Parsable(path string) bool {
	return parsableExts[strings.ToLower(filepath.Ext(path))]
}

func languageFor(path string) *sitter.Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts":
		return typescript.GetLanguage()
	case ".tsx", ".jsx":
		return tsx.GetLanguage()
	default:
		return javascript.GetLanguage()
	}
}

// block is one addressable top-level region. start/end are byte offsets of
// the statement itself; fullStart additionally covers an attached leading
// comment run and is what named replacement cuts.
type block struct {
	path      string
	start     uint32
	fullStart uint32
	end       uint32
	startLine int
	firstLine string
}

type index struct {
	src    []byte
	blocks []block
	dups   []string
}

// pathCache memoizes path lists by content hash; outlines are recomputed on
// every turn for every file, and files rarely change between turns.
var pathCache, _ = lru.New[string, []string](512)

// Paths parses the source and returns one navigational path per top-level
// statement, in source order: a collapsed $imports for the import preamble,
// the first declared identifier for function/class/variable declarations
// (including named exports), and a $line fallback for everything else.
func Paths(path, src string) ([]string, error) {
	key := cacheKey(path, src)
	if v, ok := pathCache.Get(key); ok {
		return v, nil
	}
	idx, err := parse(path, src)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(idx.blocks))
	for _, b := range idx.blocks {
		out = append(out, b.path)
	}
	pathCache.Add(key, out)
	return out, nil
}

// Duplicates returns the duplicate top-level identifiers found in src, if
// any. The path list keeps only the first occurrence.
func Duplicates(path, src string) ([]string, error) {
	idx, err := parse(path, src)
	if err != nil {
		return nil, err
	}
	return idx.dups, nil
}

// BlockSource returns the current source text addressed by blockPath.
func BlockSource(path, src, blockPath string) (string, error) {
	idx, err := parse(path, src)
	if err != nil {
		return "", err
	}
	b, err := idx.resolve(blockPath)
	if err != nil {
		return "", err
	}
	return string(idx.src[b.fullStart:b.end]), nil
}

// ReplaceBlock cuts the region addressed by blockPath and splices in
// newText, normalizing the seams to one blank line. A $line path whose
// content suffix no longer matches the live file returns ErrBlockMismatch
// and the source is returned unchanged.
func ReplaceBlock(path, src, blockPath, newText string) (string, error) {
	idx, err := parse(path, src)
	if err != nil {
		return src, err
	}
	b, err := idx.resolve(blockPath)
	if err != nil {
		return src, err
	}
	return splice(src, b.fullStart, b.end, newText), nil
}

func (idx *index) resolve(blockPath string) (block, error) {
	switch {
	case blockPath == PathFullFile:
		return block{}, fmt.Errorf("%w: %s is a whole-file marker", ErrBlockNotFound, PathFullFile)
	case strings.HasPrefix(blockPath, linePrefix):
		return idx.resolveLine(blockPath)
	default:
		for _, b := range idx.blocks {
			if b.path == blockPath {
				return b, nil
			}
		}
		return block{}, fmt.Errorf("%w: %q", ErrBlockNotFound, blockPath)
	}
}

// resolveLine locates the first top-level node starting on the given line
// and re-verifies the content suffix against the live source. Line numbers
// drift across edits; the suffix is what makes the path self-validating.
func (idx *index) resolveLine(blockPath string) (block, error) {
	rest := strings.TrimPrefix(blockPath, linePrefix)
	sep := strings.Index(rest, ":")
	if sep <= 0 {
		return block{}, fmt.Errorf("%w: malformed %q", ErrBlockNotFound, blockPath)
	}
	line, err := strconv.Atoi(rest[:sep])
	if err != nil {
		return block{}, fmt.Errorf("%w: malformed %q", ErrBlockNotFound, blockPath)
	}
	want := rest[sep+1:]
	for _, b := range idx.blocks {
		if b.startLine != line {
			continue
		}
		if b.firstLine != want {
			return block{}, fmt.Errorf("%w: line %d is %q, path says %q", ErrBlockMismatch, line, b.firstLine, want)
		}
		// line paths cut the statement only, not leading comments
		b.fullStart = b.start
		return b, nil
	}
	return block{}, fmt.Errorf("%w: no statement starts on line %d", ErrBlockNotFound, line)
}

func parse(path string, src string) (*index, error) {
	p := sitter.NewParser()
	p.SetLanguage(languageFor(path))
	tree, err := p.ParseCtx(context.Background(), nil, []byte(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	defer tree.Close()
	root := tree.RootNode()
	if root.HasError() {
		return nil, fmt.Errorf("%w: syntax error in %s", ErrParse, path)
	}

	idx := &index{src: []byte(src)}
	seen := make(map[string]bool)

	var comments []*sitter.Node
	importIdx := -1

	n := int(root.NamedChildCount())
	for i := 0; i < n; i++ {
		child := root.NamedChild(i)
		typ := child.Type()
		if typ == "comment" {
			comments = append(comments, child)
			continue
		}

		if typ == "import_statement" {
			if importIdx < 0 {
				importIdx = len(idx.blocks)
				idx.blocks = append(idx.blocks, block{
					path:      PathImports,
					start:     child.StartByte(),
					fullStart: child.StartByte(),
					end:       child.EndByte(),
					startLine: int(child.StartPoint().Row) + 1,
					firstLine: firstLine(child, idx.src),
				})
			} else {
				// all top-level imports collapse into the one $imports span
				idx.blocks[importIdx].end = child.EndByte()
			}
			comments = nil
			continue
		}

		name := declaredName(child, idx.src)
		if name != "" {
			if seen[name] {
				idx.dups = append(idx.dups, name)
				comments = nil
				continue
			}
			seen[name] = true
			idx.blocks = append(idx.blocks, block{
				path:      name,
				start:     child.StartByte(),
				fullStart: attachedCommentStart(child, comments),
				end:       child.EndByte(),
				startLine: int(child.StartPoint().Row) + 1,
				firstLine: firstLine(child, idx.src),
			})
			comments = nil
			continue
		}

		line := int(child.StartPoint().Row) + 1
		fl := firstLine(child, idx.src)
		idx.blocks = append(idx.blocks, block{
			path:      linePrefix + strconv.Itoa(line) + ":" + fl,
			start:     child.StartByte(),
			fullStart: child.StartByte(),
			end:       child.EndByte(),
			startLine: line,
			firstLine: fl,
		})
		comments = nil
	}
	return idx, nil
}

// declaredName returns the first declared identifier of a top-level
// function/class/variable declaration, unwrapping a named export. Empty for
// anything else.
func declaredName(node *sitter.Node, src []byte) string {
	switch node.Type() {
	case "export_statement":
		decl := node.ChildByFieldName("declaration")
		if decl == nil {
			return ""
		}
		return declaredName(decl, src)
	case "function_declaration", "generator_function_declaration",
		"class_declaration", "abstract_class_declaration":
		name := node.ChildByFieldName("name")
		if name == nil {
			return ""
		}
		return name.Content(src)
	case "lexical_declaration", "variable_declaration":
		for i := 0; i < int(node.NamedChildCount()); i++ {
			d := node.NamedChild(i)
			if d.Type() != "variable_declarator" {
				continue
			}
			name := d.ChildByFieldName("name")
			if name == nil || name.Type() != "identifier" {
				return ""
			}
			return name.Content(src)
		}
	}
	return ""
}

// attachedCommentStart extends a declaration's span backwards over the run
// of comments that sits directly above it with no blank line in between.
func attachedCommentStart(node *sitter.Node, comments []*sitter.Node) uint32 {
	start := node.StartByte()
	nextLine := int(node.StartPoint().Row)
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		if int(c.EndPoint().Row)+1 < nextLine {
			break
		}
		start = c.StartByte()
		nextLine = int(c.StartPoint().Row)
	}
	return start
}

func firstLine(node *sitter.Node, src []byte) string {
	text := node.Content(src)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// splice replaces src[start:end] with newText, trimming the surrounding
// whitespace and rejoining with one blank line on each seam.
func splice(src string, start, end uint32, newText string) string {
	prefix := strings.TrimRight(src[:start], " \t\r\n")
	suffix := strings.TrimLeft(src[end:], " \t\r\n")
	body := strings.TrimSpace(newText)

	parts := make([]string, 0, 3)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	if body != "" {
		parts = append(parts, body)
	}
	if suffix != "" {
		parts = append(parts, suffix)
	}
	out := strings.Join(parts, "\n\n")
	if strings.HasSuffix(src, "\n") && out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out
}

func cacheKey(path, src string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(filepath.Ext(path))))
	h.Write([]byte{0})
	h.Write([]byte(src))
	return hex.EncodeToString(h.Sum(nil))[:24]
}
