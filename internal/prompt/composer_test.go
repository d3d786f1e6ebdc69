package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"codeloom/internal/config"
	mylog "codeloom/internal/log"
	"codeloom/internal/workspace"
)

func digest() workspace.Digest {
	return workspace.Digest{
		Files: []workspace.File{
			{Path: "src/a.ts", Text: "export function greet() { return 1; }\n"},
			{Path: "style.css", Text: "body {}\n"},
		},
		Included: []string{"src/a.ts", "style.css"},
	}
}

func TestComposeFullStrategy(t *testing.T) {
	out := Compose(digest(), config.StrategyFull, "make it blue", mylog.New())
	if !strings.HasPrefix(out, workspace.SummaryPreamble) {
		t.Fatal("digest preamble missing")
	}
	if !strings.Contains(out, "--- START OF FILE src/a.ts ---") {
		t.Fatal("file block missing")
	}
	if strings.Contains(out, PathsHeaderPrefix) {
		t.Fatal("full strategy must not advertise block paths")
	}
	if !strings.HasSuffix(out, InstructionHeader+"\nmake it blue") {
		t.Fatalf("instruction tail wrong: %q", out[len(out)-60:])
	}
}

func TestComposeBlockStrategyAdvertisesPaths(t *testing.T) {
	out := Compose(digest(), config.StrategyBlock, "rename greet", mylog.New())
	if !strings.Contains(out, PathsHeader("src/a.ts")+"\ngreet") {
		t.Fatalf("missing paths section: %q", out)
	}
	if !strings.Contains(out, PathsHeader("style.css")+"\n$fullfile") {
		t.Fatal("non-source files should be addressable as $fullfile only")
	}
}

func TestPathsForUnparseableFallsBack(t *testing.T) {
	lg := mylog.New()
	got := PathsFor("broken.ts", "function broken( {\n", lg)
	if len(got) != 1 || got[0] != "$fullfile" {
		t.Fatalf("got=%v", got)
	}
}

func TestSystemPromptFallbacks(t *testing.T) {
	lg := mylog.New()
	cfg := config.Default()
	if SystemPrompt(cfg, lg) == "" {
		t.Fatal("built-in default expected when no prompt file is configured")
	}

	dir := t.TempDir()
	p := filepath.Join(dir, "full.md")
	if err := os.WriteFile(p, []byte("custom prompt"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.ModelParameters.Prompts.Full = p
	if got := SystemPrompt(cfg, lg); got != "custom prompt" {
		t.Fatalf("got=%q", got)
	}

	cfg.ModelParameters.Prompts.Full = filepath.Join(dir, "missing.md")
	if SystemPrompt(cfg, lg) == "" {
		t.Fatal("missing file should degrade to the default")
	}
}
