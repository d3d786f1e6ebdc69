package patch

import (
	"strings"
	"testing"
)

func TestDiffNoChanges(t *testing.T) {
	if d := Diff("a\nb\n", "a\nb\n", "x.txt", 3); d != "" {
		t.Fatalf("diff=%q", d)
	}
}

func TestDiffSingleLineChange(t *testing.T) {
	d := Diff("a\nb\nc\n", "a\nB\nc\n", "x.txt", 3)
	if !strings.HasPrefix(d, "--- a/x.txt\n+++ b/x.txt\n") {
		t.Fatalf("header wrong: %q", d)
	}
	if !strings.Contains(d, "-b\n") || !strings.Contains(d, "+B\n") {
		t.Fatalf("diff=%q", d)
	}
}

func TestDiffAddition(t *testing.T) {
	d := Diff("", "hello\n", "new.txt", 3)
	if !strings.Contains(d, "+hello\n") {
		t.Fatalf("diff=%q", d)
	}
}

func TestDiffDeletion(t *testing.T) {
	d := Diff("gone\n", "", "old.txt", 3)
	if !strings.Contains(d, "-gone\n") {
		t.Fatalf("diff=%q", d)
	}
}

func TestDiffContextBounds(t *testing.T) {
	oldText := "1\n2\n3\n4\n5\n6\n7\n8\n9\n"
	newText := "1\n2\n3\n4\nX\n6\n7\n8\n9\n"
	d := Diff(oldText, newText, "n.txt", 1)
	if strings.Contains(d, " 1\n") || strings.Contains(d, " 9\n") {
		t.Fatalf("context too wide: %q", d)
	}
	if !strings.Contains(d, " 4\n-5\n+X\n 6\n") {
		t.Fatalf("diff=%q", d)
	}
}
