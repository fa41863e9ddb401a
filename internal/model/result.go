package model

import (
	"github.com/pkg/errors"
)

// TestStatus is the outcome of one test attempt.
type TestStatus string

const (
	StatusPassed  TestStatus = "PASSED"
	StatusFailure TestStatus = "FAILURE"
)

// TestResult is a single reported outcome. Times are milliseconds since epoch.
type TestResult struct {
	Test      Test
	Device    DeviceInfo
	Status    TestStatus
	StartTime int64
	EndTime   int64
	Log       string
}

// DurationMillis returns EndTime-StartTime.
func (r TestResult) DurationMillis() int64 { return r.EndTime - r.StartTime }

// TestBatchResults partitions a batch attempt into passed, failed and incomplete tests.
type TestBatchResults struct {
	Device     DeviceInfo
	BatchID    string
	Passed     []TestResult
	Failed     []TestResult
	Incomplete []Test
}

// NewBatchResults derives the incomplete partition from what was received so the
// three partitions always cover the batch exactly. A test reported more than
// once keeps its first pass if it has one, else its first failure.
func NewBatchResults(device DeviceInfo, batch *TestBatch, passed, failed []TestResult) *TestBatchResults {
	seen := make(map[string]struct{}, len(passed)+len(failed))
	inBatch := make(map[string]struct{}, batch.Len())
	for _, t := range batch.tests {
		inBatch[t.ID()] = struct{}{}
	}
	keep := func(in []TestResult) []TestResult {
		out := make([]TestResult, 0, len(in))
		for _, r := range in {
			id := r.Test.ID()
			if _, ok := inBatch[id]; !ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, r)
		}
		return out
	}
	res := &TestBatchResults{Device: device, BatchID: batch.ID()}
	res.Passed = keep(passed)
	res.Failed = keep(failed)
	for _, t := range batch.tests {
		if _, ok := seen[t.ID()]; !ok {
			res.Incomplete = append(res.Incomplete, t)
		}
	}
	return res
}

// IncompleteResults reports every test in the batch as incomplete.
func IncompleteResults(device DeviceInfo, batch *TestBatch) *TestBatchResults {
	return NewBatchResults(device, batch, nil, nil)
}

// Validate checks the partition invariant against the batch the results belong to.
func (r *TestBatchResults) Validate(batch *TestBatch) error {
	if r.BatchID != batch.ID() {
		return errors.Errorf("results belong to batch %s, not %s", r.BatchID, batch.ID())
	}
	seen := make(map[string]string, batch.Len())
	mark := func(id, part string) error {
		if prev, ok := seen[id]; ok {
			return errors.Errorf("test %s is both %s and %s", id, prev, part)
		}
		seen[id] = part
		return nil
	}
	for _, p := range r.Passed {
		if p.EndTime < p.StartTime {
			return errors.Errorf("test %s ends before it starts", p.Test.ID())
		}
		if err := mark(p.Test.ID(), "passed"); err != nil {
			return err
		}
	}
	for _, f := range r.Failed {
		if f.EndTime < f.StartTime {
			return errors.Errorf("test %s ends before it starts", f.Test.ID())
		}
		if err := mark(f.Test.ID(), "failed"); err != nil {
			return err
		}
	}
	for _, t := range r.Incomplete {
		if err := mark(t.ID(), "incomplete"); err != nil {
			return err
		}
	}
	if len(seen) != batch.Len() {
		return errors.Errorf("results cover %d tests, batch has %d", len(seen), batch.Len())
	}
	for _, t := range batch.tests {
		if _, ok := seen[t.ID()]; !ok {
			return errors.Errorf("test %s missing from results", t.ID())
		}
	}
	return nil
}
