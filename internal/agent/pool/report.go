package pool

import (
	"sort"

	"github.com/httprunner/DevicePool/internal/model"
)

// Report 汇总一个池的最终结果。
type Report struct {
	PoolID     string
	Passed     []model.TestResult
	Failed     []model.TestResult
	Incomplete []model.Test
	// Exhausted 是重试策略放弃的测试，同时也计入 Incomplete。
	Exhausted []model.Test
	// Attempts 按完成顺序保存每个批次的结果。
	Attempts []*model.TestBatchResults

	Batches         int
	ReturnedBatches int
	LostBatches     int
	Retries         int
	Devices         []string
}

// TestOutcome 是单个测试的最终状态。
type TestOutcome string

const (
	OutcomePassed     TestOutcome = "passed"
	OutcomeFailed     TestOutcome = "failed"
	OutcomeIncomplete TestOutcome = "incomplete"
)

func (r *Report) merge(results *model.TestBatchResults) {
	r.Attempts = append(r.Attempts, results)
	r.Passed = append(r.Passed, results.Passed...)
	r.Failed = append(r.Failed, results.Failed...)
}

// Final 返回每个测试的最终状态，以最后一次尝试为准。
// 最终未完成的测试不会覆盖之前已经得到的通过或失败结果。
func (r *Report) Final() map[string]TestOutcome {
	out := make(map[string]TestOutcome)
	for _, a := range r.Attempts {
		for _, t := range a.Incomplete {
			if _, ok := out[t.ID()]; !ok {
				out[t.ID()] = OutcomeIncomplete
			}
		}
		for _, p := range a.Passed {
			out[p.Test.ID()] = OutcomePassed
		}
		for _, f := range a.Failed {
			out[f.Test.ID()] = OutcomeFailed
		}
	}
	for _, t := range r.Incomplete {
		if _, ok := out[t.ID()]; !ok {
			out[t.ID()] = OutcomeIncomplete
		}
	}
	return out
}

// Success 表示所有测试都通过且没有未完成的测试。
func (r *Report) Success() bool {
	return len(r.Failed) == 0 && len(r.Incomplete) == 0
}

// Total 返回报告中的测试结果数。
func (r *Report) Total() int {
	return len(r.Passed) + len(r.Failed) + len(r.Incomplete)
}

func (r *Report) sortDevices() {
	sort.Strings(r.Devices)
}
