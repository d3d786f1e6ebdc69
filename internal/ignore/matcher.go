package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// RuleFiles are the optional ignore files read from the workspace root.
var RuleFiles = []string{".codeloomignore", ".aiexclude"}

// defaultRules are always active and keep tool-internal state out of the
// workspace digest.
var defaultRules = []string{
	".git/",
	".codeloom/",
}

type rule struct {
	pattern  string
	negated  bool
	dirOnly  bool
	anchored bool
}

// Matcher applies gitignore-like rules with "last rule wins" behavior.
type Matcher struct {
	rules []rule
}

// NewMatcher builds a matcher from ignore-file lines. Default excludes are
// prepended and can be overridden by user negation rules.
func NewMatcher(userRules []string) *Matcher {
	all := make([]string, 0, len(defaultRules)+len(userRules))
	all = append(all, defaultRules...)
	all = append(all, userRules...)

	rules := make([]rule, 0, len(all))
	for _, line := range all {
		if parsed, ok := parseRule(line); ok {
			rules = append(rules, parsed)
		}
	}
	return &Matcher{rules: rules}
}

// LoadWorkspaceRules reads the union of rules from the optional ignore files
// at the workspace root. Missing files contribute nothing.
func LoadWorkspaceRules(root string) []string {
	var out []string
	for _, name := range RuleFiles {
		f, err := os.Open(filepath.Join(root, name))
		if err != nil {
			continue
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			out = append(out, sc.Text())
		}
		f.Close()
	}
	return out
}

// Match reports whether relPath should be excluded. A matched directory is
// expected to prune its subtree at the call site.
func (m *Matcher) Match(relPath string, isDir bool) bool {
	relPath = normalizePath(relPath)
	ignored := false
	for _, r := range m.rules {
		if ruleMatches(r, relPath, isDir) {
			ignored = !r.negated
		}
	}
	return ignored
}

func parseRule(line string) (rule, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return rule{}, false
	}

	parsed := rule{}
	if strings.HasPrefix(line, "!") {
		parsed.negated = true
		line = strings.TrimPrefix(line, "!")
	}
	if strings.HasPrefix(line, "/") {
		parsed.anchored = true
		line = strings.TrimPrefix(line, "/")
	}
	if strings.HasSuffix(line, "/") {
		parsed.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}

	line = normalizePath(line)
	if line == "" {
		return rule{}, false
	}
	parsed.pattern = line
	return parsed, true
}

func ruleMatches(r rule, relPath string, isDir bool) bool {
	if r.dirOnly {
		// "base/" expands to the directory itself and everything under it.
		if matchDirectoryPattern(r, relPath) {
			return true
		}
		if isDir && matchPathPattern(r.pattern, filepath.Base(relPath)) {
			return true
		}
		return false
	}

	if r.anchored {
		return matchPathPattern(r.pattern, relPath)
	}

	// Unanchored patterns match at any depth, as if prefixed with "**/".
	if strings.Contains(r.pattern, "/") {
		if matchPathPattern(r.pattern, relPath) {
			return true
		}
		parts := strings.Split(relPath, "/")
		for i := 1; i < len(parts); i++ {
			if matchPathPattern(r.pattern, strings.Join(parts[i:], "/")) {
				return true
			}
		}
		return false
	}

	if matchPathPattern(r.pattern, filepath.Base(relPath)) {
		return true
	}
	for _, segment := range strings.Split(relPath, "/") {
		if matchPathPattern(r.pattern, segment) {
			return true
		}
	}
	return false
}

func matchDirectoryPattern(r rule, relPath string) bool {
	if r.anchored {
		return relPath == r.pattern || strings.HasPrefix(relPath, r.pattern+"/")
	}
	if relPath == r.pattern || strings.HasPrefix(relPath, r.pattern+"/") {
		return true
	}
	parts := strings.Split(relPath, "/")
	for i := range parts {
		if strings.Join(parts[:i+1], "/") == r.pattern {
			return true
		}
		// a dir-only pattern also matches at any depth
		if parts[i] == r.pattern {
			return true
		}
	}
	return false
}

func matchPathPattern(pattern, value string) bool {
	re := globToRegex(pattern)
	ok, err := regexp.MatchString("^"+re+"$", value)
	return err == nil && ok
}

func globToRegex(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		if ch == '*' {
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(".*")
				i++
				continue
			}
			b.WriteString("[^/]*")
			continue
		}
		if ch == '?' {
			b.WriteString("[^/]")
			continue
		}
		if strings.ContainsRune(`.+()|[]{}^$\`, rune(ch)) {
			b.WriteByte('\\')
		}
		b.WriteByte(ch)
	}
	return b.String()
}

func normalizePath(path string) string {
	path = filepath.ToSlash(path)
	path = strings.TrimPrefix(path, "./")
	path = strings.TrimPrefix(path, "/")
	return path
}
