package logparser

import (
	"strings"

	"github.com/httprunner/DevicePool/internal/agent/lifecycle"
	"github.com/httprunner/DevicePool/internal/model"
)

// ProgressReportingListener accumulates the outcomes of one batch, forwards
// progress to the pool reporter and resolves the batch promise when the
// stream finishes. Tests outside the batch are reported but not recorded.
type ProgressReportingListener struct {
	poolID   string
	device   model.DeviceInfo
	batch    *model.TestBatch
	result   *model.BatchPromise
	reporter lifecycle.Reporter
	testLog  *TestLogListener
	finders  []*PathFinder

	byID   map[string]model.Test
	passed []model.TestResult
	failed []model.TestResult
}

func NewProgressReportingListener(poolID string, device model.DeviceInfo, batch *model.TestBatch,
	result *model.BatchPromise, reporter lifecycle.Reporter, testLog *TestLogListener, finders ...*PathFinder,
) *ProgressReportingListener {
	if reporter == nil {
		reporter = lifecycle.Noop{}
	}
	byID := make(map[string]model.Test, batch.Len())
	for _, t := range batch.Tests() {
		byID[t.ID()] = t
	}
	return &ProgressReportingListener{
		poolID:   poolID,
		device:   device,
		batch:    batch,
		result:   result,
		reporter: reporter,
		testLog:  testLog,
		finders:  finders,
		byID:     byID,
	}
}

// batchTest returns the batch's own copy of test so metadata survives.
func (l *ProgressReportingListener) batchTest(test model.Test) (model.Test, bool) {
	t, ok := l.byID[test.ID()]
	if !ok {
		return test, false
	}
	return t, true
}

func (l *ProgressReportingListener) TestStarted(test model.Test) {
	t, _ := l.batchTest(test)
	lifecycle.Safe(func() { l.reporter.TestStarted(l.poolID, l.device, t) })
}

func (l *ProgressReportingListener) TestPassed(test model.Test, startTime, endTime int64) {
	t, ok := l.batchTest(test)
	lifecycle.Safe(func() { l.reporter.TestPassed(l.poolID, l.device, t) })
	if ok {
		l.passed = append(l.passed, l.resultOf(t, model.StatusPassed, startTime, endTime))
	}
}

func (l *ProgressReportingListener) TestFailed(test model.Test, startTime, endTime int64) {
	t, ok := l.batchTest(test)
	lifecycle.Safe(func() { l.reporter.TestFailed(l.poolID, l.device, t) })
	if ok {
		l.failed = append(l.failed, l.resultOf(t, model.StatusFailure, startTime, endTime))
	}
}

// BatchFinished attaches the side-channel paths, known only once the stream
// ends, to every log excerpt and resolves the promise.
func (l *ProgressReportingListener) BatchFinished() {
	var paths []string
	for _, f := range l.finders {
		paths = append(paths, f.Paths()...)
	}
	if len(paths) > 0 {
		suffix := strings.Join(paths, "\n")
		for _, results := range [][]model.TestResult{l.passed, l.failed} {
			for i := range results {
				if results[i].Log == "" {
					results[i].Log = suffix
				} else {
					results[i].Log += "\n" + suffix
				}
			}
		}
	}
	l.result.Complete(model.NewBatchResults(l.device, l.batch, l.passed, l.failed))
}

func (l *ProgressReportingListener) resultOf(test model.Test, status model.TestStatus, start, end int64) model.TestResult {
	return model.TestResult{
		Test:      test,
		Device:    l.device,
		Status:    status,
		StartTime: start,
		EndTime:   end,
		Log:       l.lastLog(),
	}
}

func (l *ProgressReportingListener) lastLog() string {
	if l.testLog == nil {
		return ""
	}
	return l.testLog.LastLog()
}
