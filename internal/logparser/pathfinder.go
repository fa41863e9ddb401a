package logparser

import (
	"regexp"
	"strings"
)

var (
	// Test session results, code coverage, and logs:
	//     /Users/master/Library/Developer/Xcode/DerivedData/.../Test-Transient Testing-....xcresult
	xcresultPathPattern = regexp.MustCompile(`(?:^\s*|\s+)(/.+\.xcresult)\s*$`)
	sessionLogPattern   = regexp.MustCompile(`(?:^\s*|\s+)(/.+/Session-[^/]+\.log)\s*$`)
)

// PathFinder collects side-channel file paths announced in the output, in
// first-seen order without duplicates.
type PathFinder struct {
	pattern *regexp.Regexp
	paths   []string
	seen    map[string]struct{}
}

func newPathFinder(pattern *regexp.Regexp) *PathFinder {
	return &PathFinder{pattern: pattern, seen: make(map[string]struct{})}
}

// NewDiagnosticLogsPathFinder matches result bundle (.xcresult) paths.
func NewDiagnosticLogsPathFinder() *PathFinder { return newPathFinder(xcresultPathPattern) }

// NewSessionResultsPathFinder matches test session log paths.
func NewSessionResultsPathFinder() *PathFinder { return newPathFinder(sessionLogPattern) }

func (f *PathFinder) OnLine(line string) error {
	m := f.pattern.FindStringSubmatch(line)
	if len(m) < 2 {
		return nil
	}
	path := strings.TrimSpace(m[1])
	if _, ok := f.seen[path]; ok {
		return nil
	}
	f.seen[path] = struct{}{}
	f.paths = append(f.paths, path)
	return nil
}

func (f *PathFinder) Close() {}

// Paths returns the collected paths.
func (f *PathFinder) Paths() []string {
	out := make([]string, len(f.paths))
	copy(out, f.paths)
	return out
}
