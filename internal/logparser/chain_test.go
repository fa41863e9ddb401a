package logparser

import (
	"sync"
	"testing"

	"github.com/httprunner/DevicePool/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReporter struct {
	mu      sync.Mutex
	started []string
	passed  []string
	failed  []string
}

func (r *countingReporter) TestStarted(_ string, _ model.DeviceInfo, test model.Test) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, test.ID())
}

func (r *countingReporter) TestPassed(_ string, _ model.DeviceInfo, test model.Test) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passed = append(r.passed, test.ID())
}

func (r *countingReporter) TestFailed(_ string, _ model.DeviceInfo, test model.Test) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, test.ID())
}

type panickingReporter struct{}

func (panickingReporter) TestStarted(string, model.DeviceInfo, model.Test) { panic("boom") }
func (panickingReporter) TestPassed(string, model.DeviceInfo, model.Test)  { panic("boom") }
func (panickingReporter) TestFailed(string, model.DeviceInfo, model.Test)  { panic("boom") }

func sampleBatch() *model.TestBatch {
	return model.NewBatch([]model.Test{
		{Pkg: "app", Clazz: "Flow", Method: "testA", Meta: []model.MetaProperty{{Key: MetaTarget, Value: "app"}}},
		{Pkg: "app", Clazz: "Flow", Method: "testB"},
		{Pkg: "app", Clazz: "Flow", Method: "testC"},
	})
}

func TestXcodebuildLogParser_DeviceFailureLeavesRestIncomplete(t *testing.T) {
	batch := sampleBatch()
	promise := model.NewPromise[*model.TestBatchResults]()
	reporter := &countingReporter{}
	device := model.DeviceInfo{SerialNumber: "sim-1"}
	p := NewXcodebuildLogParser(ChainConfig{
		PoolID:   "omni",
		Device:   device,
		Batch:    batch,
		Result:   promise,
		Reporter: reporter,
		Timer:    &sequenceTimer{values: []int64{1, 2, 3, 4}},
		Resolver: IdentityResolver{},
	})

	require.NoError(t, p.OnLine("Test Case '-[app.Flow testA]' started."))
	require.NoError(t, p.OnLine("some output of testA"))
	require.NoError(t, p.OnLine("Test Case '-[app.Flow testA]' passed (0.001 seconds)."))
	require.NoError(t, p.OnLine("Test Case '-[app.Flow testB]' started."))

	err := p.OnLine("Software caused connection abort")
	var failure *DeviceFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ReasonConnectionAbort, failure.Reason)

	later := p.OnLine("Test Case '-[app.Flow testB]' passed (0.001 seconds).")
	assert.Equal(t, err, later)

	p.Close()
	p.Close()

	results, ok := promise.Value()
	require.True(t, ok)
	require.NoError(t, results.Validate(batch))
	require.Len(t, results.Passed, 1)
	assert.Equal(t, "app.Flow#testA", results.Passed[0].Test.ID())
	v, ok := results.Passed[0].Test.MetaValue(MetaTarget)
	assert.True(t, ok)
	assert.Equal(t, "app", v)
	assert.Contains(t, results.Passed[0].Log, "some output of testA")
	assert.Empty(t, results.Failed)
	require.Len(t, results.Incomplete, 2)
	assert.Equal(t, "app.Flow#testB", results.Incomplete[0].ID())
	assert.Equal(t, "app.Flow#testC", results.Incomplete[1].ID())

	assert.Equal(t, []string{"app.Flow#testA", "app.Flow#testB"}, reporter.started)
	assert.Equal(t, []string{"app.Flow#testA"}, reporter.passed)
}

func TestXcodebuildLogParser_ReporterPanicDoesNotBreakChain(t *testing.T) {
	batch := sampleBatch()
	promise := model.NewPromise[*model.TestBatchResults]()
	p := NewXcodebuildLogParser(ChainConfig{
		PoolID:   "omni",
		Batch:    batch,
		Result:   promise,
		Reporter: panickingReporter{},
		Timer:    &sequenceTimer{values: []int64{1, 2, 3, 4, 5, 6}},
	})

	for _, line := range []string{
		"Test Case '-[app.Flow testA]' started.",
		"Test Case '-[app.Flow testA]' passed (0.001 seconds).",
		"Test Case '-[app.Flow testB]' started.",
		"Test Case '-[app.Flow testB]' failed (0.001 seconds).",
		"    /tmp/derived/Logs/Test/Run.xcresult",
	} {
		require.NoError(t, p.OnLine(line))
	}
	p.Close()

	results, ok := promise.Value()
	require.True(t, ok)
	assert.Len(t, results.Passed, 1)
	require.Len(t, results.Failed, 1)
	assert.Len(t, results.Incomplete, 1)
	assert.Equal(t, []string{"/tmp/derived/Logs/Test/Run.xcresult"}, p.DiagnosticLogPaths())
	assert.Empty(t, p.SessionResultPaths())
}

func TestInstrumentationLogParser_RunnerFailure(t *testing.T) {
	batch := model.NewBatch([]model.Test{{Pkg: "com.example", Clazz: "LoginTest", Method: "testLogin"}})
	promise := model.NewPromise[*model.TestBatchResults]()
	p := NewInstrumentationLogParser(ChainConfig{Batch: batch, Result: promise})

	err := p.OnLine("INSTRUMENTATION_FAILED: com.example.test/androidx.test.runner.AndroidJUnitRunner")
	var failure *DeviceFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ReasonFailedRunner, failure.Reason)
	p.Close()

	results, ok := promise.Value()
	require.True(t, ok)
	assert.Len(t, results.Incomplete, 1)
}
