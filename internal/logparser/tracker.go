package logparser

import (
	"github.com/httprunner/DevicePool/internal/agent/lifecycle"
	"github.com/httprunner/DevicePool/internal/model"
	"github.com/httprunner/DevicePool/internal/timer"
	"github.com/rs/zerolog"
)

type inFlight struct {
	test  model.Test
	start int64
}

// testTracker owns the single in-flight test of a progress parser and turns
// start/finish lines into listener events with consistent timestamps.
type testTracker struct {
	timer     timer.Timer
	listeners []TestRunListener
	logger    zerolog.Logger
	current   *inFlight
	finished  bool
}

func newTestTracker(t timer.Timer, logger zerolog.Logger, listeners []TestRunListener) *testTracker {
	if t == nil {
		t = timer.SystemTimer{}
	}
	return &testTracker{timer: t, listeners: listeners, logger: logger}
}

func (t *testTracker) started(test model.Test) {
	now := t.timer.NowMillis()
	if t.current != nil {
		t.logger.Warn().Str("test", t.current.test.ID()).Str("next", test.ID()).
			Msg("test started while another is in flight, forcing failure")
		t.emitFailed(t.current.test, t.current.start, now)
	}
	t.current = &inFlight{test: test, start: now}
	for _, l := range t.listeners {
		lifecycle.Safe(func() { l.TestStarted(test) })
	}
}

// finishedTest reports the outcome of test. reportedMillis is the duration
// printed by the runner, used only when no start line was seen (negative
// when unknown).
func (t *testTracker) finishedTest(test model.Test, passed bool, reportedMillis int64) {
	end := t.timer.NowMillis()
	var start int64
	if t.current != nil && t.current.test.ID() == test.ID() {
		start = t.current.start
		t.current = nil
	} else {
		if t.current != nil {
			t.logger.Warn().Str("test", t.current.test.ID()).Str("finished", test.ID()).
				Msg("unexpected test finished, forcing failure of the in-flight one")
			t.emitFailed(t.current.test, t.current.start, end)
			t.current = nil
		} else {
			t.logger.Warn().Str("test", test.ID()).Msg("test finished without a start line")
		}
		start = end
		if reportedMillis > 0 {
			start = end - reportedMillis
		}
	}
	if start > end {
		start = end
	}
	if passed {
		t.emitPassed(test, start, end)
	} else {
		t.emitFailed(test, start, end)
	}
}

// flush fails the in-flight test with an estimated end of now.
func (t *testTracker) flush() {
	if t.current == nil {
		return
	}
	end := t.timer.NowMillis()
	t.logger.Warn().Str("test", t.current.test.ID()).Msg("output ended with a test in flight, reporting failure")
	cur := t.current
	t.current = nil
	if cur.start > end {
		end = cur.start
	}
	t.emitFailed(cur.test, cur.start, end)
}

// discard forgets the in-flight test so it stays unreported.
func (t *testTracker) discard() {
	if t.current != nil {
		t.logger.Warn().Str("test", t.current.test.ID()).Msg("dropping in-flight test after device failure")
	}
	t.current = nil
}

func (t *testTracker) batchFinished() {
	if t.finished {
		return
	}
	t.finished = true
	for _, l := range t.listeners {
		lifecycle.Safe(l.BatchFinished)
	}
}

func (t *testTracker) emitPassed(test model.Test, start, end int64) {
	for _, l := range t.listeners {
		lifecycle.Safe(func() { l.TestPassed(test, start, end) })
	}
}

func (t *testTracker) emitFailed(test model.Test, start, end int64) {
	for _, l := range t.listeners {
		lifecycle.Safe(func() { l.TestFailed(test, start, end) })
	}
}
