package prompt

import (
	"os"
	"strings"

	"codeloom/internal/config"
	mylog "codeloom/internal/log"
	"codeloom/internal/outline"
	"codeloom/internal/workspace"
)

// Markers of the composed prompt. The history optimizer parses these back
// out of prior turns, so the wording is part of the prompt contract.
const (
	InstructionHeader = "---User Instruction---"
	PathsHeaderPrefix = "--- AVAILABLE CODE BLOCK PATHS for "
	PathsHeaderSuffix = " ---"
)

func PathsHeader(path string) string {
	return PathsHeaderPrefix + path + PathsHeaderSuffix
}

// Compose builds the single user-prompt string for one turn: the workspace
// digest, per-file block paths when the block strategy is active, and the
// user instruction.
func Compose(d workspace.Digest, strategy config.Strategy, userText string, lg *mylog.Logger) string {
	var b strings.Builder
	b.WriteString(d.Summary())
	if strategy == config.StrategyBlock {
		for _, f := range d.Files {
			b.WriteString("\n\n")
			b.WriteString(PathsHeader(f.Path))
			b.WriteString("\n")
			b.WriteString(strings.Join(PathsFor(f.Path, f.Text, lg), "\n"))
		}
	}
	b.WriteString("\n\n")
	b.WriteString(InstructionHeader)
	b.WriteString("\n")
	b.WriteString(userText)
	return b.String()
}

// PathsFor returns the navigational paths advertised for one file.
// Unparseable or non-source files are addressable as $fullfile only.
func PathsFor(path, text string, lg *mylog.Logger) []string {
	if !outline.Parsable(path) {
		return []string{outline.PathFullFile}
	}
	paths, err := outline.Paths(path, text)
	if err != nil {
		lg.Warn("prompt.outline", "path", path, "error", err.Error())
		return []string{outline.PathFullFile}
	}
	if dups, _ := outline.Duplicates(path, text); len(dups) > 0 {
		lg.Warn("prompt.duplicate_decls", "path", path, "names", strings.Join(dups, ","))
	}
	return paths
}

// defaultSystemPrompt keeps the service usable when no prompt file is
// configured.
const defaultSystemPrompt = `You are an expert software engineer working on the user's project.
When you propose code changes, wrap them in a <changes> XML envelope using
CDATA for file content, and change nothing outside the envelope.`

// SystemPrompt reads the prompt file selected by (provider, strategy),
// degrading to a built-in default when none is configured or readable.
func SystemPrompt(cfg config.Config, lg *mylog.Logger) string {
	path := cfg.SystemPromptPath()
	if path == "" {
		return defaultSystemPrompt
	}
	b, err := os.ReadFile(path)
	if err != nil {
		lg.Warn("prompt.system", "path", path, "error", err.Error())
		return defaultSystemPrompt
	}
	return string(b)
}
