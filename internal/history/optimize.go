package history

import (
	"sort"
	"strings"

	"codeloom/internal/config"
	"codeloom/internal/edit"
	"codeloom/internal/llm"
	mylog "codeloom/internal/log"
	"codeloom/internal/outline"
	"codeloom/internal/prompt"
	"codeloom/internal/workspace"
)

// Placeholders are load-bearing signals to the model: they tell it the
// referenced bytes are unchanged from the live context. Do not reword them.
const (
	PlaceholderCode     = "[code is identical to current context]"
	PlaceholderEnvelope = "<changes>\n<!-- change set already applied; the current context reflects it -->\n</changes>"
)

// Optimize rewrites prior turns whose embedded file snapshots still match
// the current workspace, replacing the heavy bytes with placeholders. It
// walks strictly newest-to-oldest and stops at the first turn that saw
// different code; anything earlier is kept verbatim, because an earlier
// placeholder would be a lie.
func Optimize(msgs []llm.Message, current map[string]string, strategy config.Strategy, lg *mylog.Logger) []llm.Message {
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)

	var currentPaths map[string]string
	if strategy == config.StrategyBlock {
		currentPaths = make(map[string]string, len(current))
		for p, text := range current {
			currentPaths[p] = strings.Join(prompt.PathsFor(p, text, lg), "\n")
		}
	}

	for i := len(out) - 1; i >= 0; i-- {
		m := out[i]
		if m.Role == llm.RoleModel {
			rewritten, matched, present := rewriteModel(m.Text, current, lg)
			if !present {
				continue
			}
			if !matched {
				break
			}
			out[i].Text = rewritten
			continue
		}

		body := m.PromptText()
		parsed, ok := parseEmbedded(body)
		if !ok {
			continue
		}
		rewritten, matched := rewriteUser(parsed, current, currentPaths, strategy)
		if !matched {
			break
		}
		if m.FullText != "" {
			out[i].FullText = rewritten
		} else {
			out[i].Text = rewritten
		}
	}
	return out
}

// Window trims the history to the last maxUserTurns user turns (with their
// model replies). -1 keeps everything; 0 keeps nothing.
func Window(msgs []llm.Message, maxUserTurns int) []llm.Message {
	if maxUserTurns < 0 {
		return msgs
	}
	if maxUserTurns == 0 {
		return nil
	}
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			seen++
			if seen == maxUserTurns {
				return msgs[i:]
			}
		}
	}
	return msgs
}

// rewriteModel checks a model message's envelope against the current
// workspace. present is false when the message has no envelope; matched is
// false when any recorded edit no longer reflects the live files.
func rewriteModel(text string, current map[string]string, lg *mylog.Logger) (rewritten string, matched, present bool) {
	start, end, ok := edit.EnvelopeSpan(text)
	if !ok {
		return "", false, false
	}
	edits, err := edit.ParseEnvelope(text, lg)
	if err != nil {
		// an unverifiable envelope ends the walk
		return "", false, true
	}
	for _, e := range edits {
		switch e.Kind {
		case edit.KindDelete:
			if _, exists := current[e.Path]; exists {
				return "", false, true
			}
		case edit.KindUpdate:
			live, exists := current[e.Path]
			if !exists {
				return "", false, true
			}
			if e.IsWholeFile() {
				if normalize(*e.Content) != normalize(live) {
					return "", false, true
				}
				continue
			}
			src, err := outline.BlockSource(e.Path, live, e.BlockPath)
			if err != nil || normalize(*e.Content) != normalize(src) {
				return "", false, true
			}
		}
	}
	return text[:start] + PlaceholderEnvelope + text[end:], true, true
}

// embedded is a user prompt decomposed back into its sections.
type embedded struct {
	files       []workspace.File
	paths       map[string]string
	instruction string
}

// parseEmbedded splits a composed user prompt back into per-file sections.
// ok is false for plain messages with no embedded digest.
func parseEmbedded(body string) (embedded, bool) {
	lines := strings.Split(body, "\n")
	e := embedded{paths: make(map[string]string)}

	type section struct {
		kind string // "file" | "paths" | "instruction"
		path string
		from int
	}
	var sections []section
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "--- START OF FILE ") && strings.HasSuffix(line, " ---"):
			p := strings.TrimSuffix(strings.TrimPrefix(line, "--- START OF FILE "), " ---")
			sections = append(sections, section{kind: "file", path: p, from: i + 1})
		case strings.HasPrefix(line, prompt.PathsHeaderPrefix) && strings.HasSuffix(line, prompt.PathsHeaderSuffix):
			p := strings.TrimSuffix(strings.TrimPrefix(line, prompt.PathsHeaderPrefix), prompt.PathsHeaderSuffix)
			sections = append(sections, section{kind: "paths", path: p, from: i + 1})
		case line == prompt.InstructionHeader:
			sections = append(sections, section{kind: "instruction", from: i + 1})
		}
	}
	if len(sections) == 0 {
		return embedded{}, false
	}
	hasFile := false
	for si, s := range sections {
		to := len(lines)
		if si+1 < len(sections) {
			to = sections[si+1].from - 1
		}
		text := strings.Join(lines[s.from:to], "\n")
		switch s.kind {
		case "file":
			hasFile = true
			e.files = append(e.files, workspace.File{Path: s.path, Text: text})
		case "paths":
			e.paths[s.path] = text
		case "instruction":
			e.instruction = text
		}
	}
	if !hasFile {
		return embedded{}, false
	}
	return e, true
}

// rewriteUser replaces each embedded file body (and paths list) with the
// placeholder when the whole embedded view still equals the current
// workspace. matched is false on the first drift.
func rewriteUser(e embedded, current map[string]string, currentPaths map[string]string, strategy config.Strategy) (string, bool) {
	if len(e.files) != len(current) {
		return "", false
	}
	for _, f := range e.files {
		live, exists := current[f.Path]
		if !exists {
			return "", false
		}
		body := normalize(f.Text)
		if body != PlaceholderCode && body != normalize(live) {
			return "", false
		}
	}
	if strategy == config.StrategyBlock {
		for p, listed := range e.paths {
			want, exists := currentPaths[p]
			if !exists {
				return "", false
			}
			got := normalize(listed)
			if got != PlaceholderCode && got != normalize(want) {
				return "", false
			}
		}
	}

	var b strings.Builder
	b.WriteString(workspace.SummaryPreamble)
	for _, f := range e.files {
		b.WriteString("\n")
		b.WriteString(workspace.FileHeader(f.Path))
		b.WriteString("\n")
		b.WriteString(PlaceholderCode)
		b.WriteString("\n")
	}
	if strategy == config.StrategyBlock && len(e.paths) > 0 {
		keys := make([]string, 0, len(e.paths))
		for p := range e.paths {
			keys = append(keys, p)
		}
		sort.Strings(keys)
		for _, p := range keys {
			b.WriteString("\n")
			b.WriteString(prompt.PathsHeader(p))
			b.WriteString("\n")
			b.WriteString(PlaceholderCode)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
	b.WriteString(prompt.InstructionHeader)
	b.WriteString("\n")
	b.WriteString(e.instruction)
	return b.String(), true
}

// normalize levels line endings and surrounding whitespace before equality
// checks.
func normalize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}
