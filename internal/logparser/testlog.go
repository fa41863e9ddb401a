package logparser

import (
	"strings"

	"github.com/httprunner/DevicePool/internal/model"
)

const defaultTestLogLines = 500

// TestLogListener keeps the raw output of the test in progress and a snapshot
// of the last finished one. Only the newest maxLines lines are retained.
type TestLogListener struct {
	maxLines int
	current  []string
	lastLog  string
}

func NewTestLogListener(maxLines int) *TestLogListener {
	if maxLines <= 0 {
		maxLines = defaultTestLogLines
	}
	return &TestLogListener{maxLines: maxLines}
}

func (l *TestLogListener) OnLine(line string) error {
	if len(l.current) == l.maxLines {
		l.current = l.current[1:]
	}
	l.current = append(l.current, line)
	return nil
}

func (l *TestLogListener) Close() {}

func (l *TestLogListener) TestStarted(model.Test) {
	l.current = l.current[:0]
}

func (l *TestLogListener) TestPassed(model.Test, int64, int64) { l.snapshot() }

func (l *TestLogListener) TestFailed(model.Test, int64, int64) { l.snapshot() }

func (l *TestLogListener) BatchFinished() {}

func (l *TestLogListener) snapshot() {
	l.lastLog = strings.Join(l.current, "\n")
	l.current = l.current[:0]
}

// LastLog returns the output of the test in progress, or of the last
// finished test when nothing is buffered.
func (l *TestLogListener) LastLog() string {
	if len(l.current) > 0 {
		return strings.Join(l.current, "\n")
	}
	return l.lastLog
}
