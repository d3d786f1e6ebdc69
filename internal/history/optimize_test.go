package history

import (
	"strings"
	"testing"

	"codeloom/internal/config"
	"codeloom/internal/llm"
	mylog "codeloom/internal/log"
	"codeloom/internal/prompt"
	"codeloom/internal/workspace"
)

func composedUser(text string, files map[string]string) llm.Message {
	d := workspace.Digest{}
	for _, p := range []string{"src/a.ts"} {
		if body, ok := files[p]; ok {
			d.Files = append(d.Files, workspace.File{Path: p, Text: body})
			d.Included = append(d.Included, p)
		}
	}
	full := prompt.Compose(d, config.StrategyFull, text, mylog.New())
	return llm.Message{Role: llm.RoleUser, Text: text, FullText: full}
}

func TestOptimizeStopsAtFirstDrift(t *testing.T) {
	current := map[string]string{"src/a.ts": "const a = 2;\n"}

	msgs := []llm.Message{
		composedUser("oldest", map[string]string{"src/a.ts": "const a = 1;\n"}),
		composedUser("middle", current),
		composedUser("newest", current),
	}

	out := Optimize(msgs, current, config.StrategyFull, mylog.New())

	if !strings.Contains(out[2].FullText, PlaceholderCode) {
		t.Fatal("newest turn should be rewritten")
	}
	if !strings.Contains(out[1].FullText, PlaceholderCode) {
		t.Fatal("middle turn should be rewritten")
	}
	if out[0].FullText != msgs[0].FullText {
		t.Fatal("the drifted turn must be kept verbatim")
	}
	if strings.Contains(out[2].FullText, "const a = 2;") {
		t.Fatal("file bytes should be gone from the rewritten turn")
	}
}

func TestOptimizeIdempotent(t *testing.T) {
	current := map[string]string{"src/a.ts": "const a = 2;\n"}
	msgs := []llm.Message{
		composedUser("turn one", current),
		{Role: llm.RoleModel, Text: "Done.\n<changes>\n<change type=\"update\"><file>src/a.ts</file><content><![CDATA[const a = 2;\n]]></content></change>\n</changes>"},
	}
	once := Optimize(msgs, current, config.StrategyFull, mylog.New())
	twice := Optimize(once, current, config.StrategyFull, mylog.New())
	for i := range once {
		if once[i] != twice[i] {
			t.Fatalf("not idempotent at %d:\n%q\n!=\n%q", i, once[i], twice[i])
		}
	}
}

func TestOptimizeModelEnvelopeMatch(t *testing.T) {
	current := map[string]string{"src/a.ts": "const a = 2;\n"}
	msgs := []llm.Message{{
		Role: llm.RoleModel,
		Text: "Applied:\n<changes>\n<change type=\"update\"><file>src/a.ts</file><content><![CDATA[const a = 2;\n]]></content></change>\n</changes>\ntail",
	}}
	out := Optimize(msgs, current, config.StrategyFull, mylog.New())
	if !strings.Contains(out[0].Text, PlaceholderEnvelope) {
		t.Fatalf("envelope should be replaced: %q", out[0].Text)
	}
	if !strings.HasPrefix(out[0].Text, "Applied:") || !strings.HasSuffix(out[0].Text, "tail") {
		t.Fatal("text outside the envelope must be preserved")
	}
}

func TestOptimizeModelEnvelopeMismatchStops(t *testing.T) {
	current := map[string]string{"src/a.ts": "const a = 2;\n"}
	stale := "<changes><change type=\"update\"><file>src/a.ts</file><content><![CDATA[const a = 999;\n]]></content></change></changes>"
	msgs := []llm.Message{
		composedUser("older matching turn", current),
		{Role: llm.RoleModel, Text: stale},
	}
	out := Optimize(msgs, current, config.StrategyFull, mylog.New())
	if out[1].Text != stale {
		t.Fatal("mismatched envelope must stay verbatim")
	}
	if out[0].FullText != msgs[0].FullText {
		t.Fatal("turns older than the drift point must stay verbatim")
	}
}

func TestOptimizePlainMessagesUntouched(t *testing.T) {
	current := map[string]string{"src/a.ts": "const a = 2;\n"}
	msgs := []llm.Message{
		{Role: llm.RoleUser, Text: "just a question"},
		{Role: llm.RoleModel, Text: "just an answer"},
	}
	out := Optimize(msgs, current, config.StrategyFull, mylog.New())
	for i := range msgs {
		if out[i] != msgs[i] {
			t.Fatalf("plain message %d changed", i)
		}
	}
}

func TestOptimizeFileSetMismatchStops(t *testing.T) {
	current := map[string]string{
		"src/a.ts": "const a = 2;\n",
		"src/b.ts": "const b = 3;\n",
	}
	// the embedded view only has a.ts; the workspace grew since
	msgs := []llm.Message{composedUser("turn", map[string]string{"src/a.ts": "const a = 2;\n"})}
	out := Optimize(msgs, current, config.StrategyFull, mylog.New())
	if out[0].FullText != msgs[0].FullText {
		t.Fatal("a different file set means the turn saw different code")
	}
}

func TestWindow(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Text: "u1"},
		{Role: llm.RoleModel, Text: "m1"},
		{Role: llm.RoleUser, Text: "u2"},
		{Role: llm.RoleModel, Text: "m2"},
		{Role: llm.RoleUser, Text: "u3"},
		{Role: llm.RoleModel, Text: "m3"},
	}
	if got := Window(msgs, -1); len(got) != 6 {
		t.Fatalf("unbounded window trimmed: %d", len(got))
	}
	if got := Window(msgs, 0); len(got) != 0 {
		t.Fatalf("zero window kept messages: %d", len(got))
	}
	got := Window(msgs, 2)
	if len(got) != 4 || got[0].Text != "u2" {
		t.Fatalf("window=%+v", got)
	}
	if got := Window(msgs, 10); len(got) != 6 {
		t.Fatalf("oversized window trimmed: %d", len(got))
	}
}
