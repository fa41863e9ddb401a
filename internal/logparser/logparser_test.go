package logparser

import (
	"fmt"
	"testing"

	"github.com/httprunner/DevicePool/internal/model"
	"github.com/httprunner/DevicePool/internal/timer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sequenceTimer struct {
	values []int64
	calls  int
}

func (s *sequenceTimer) NowMillis() int64 {
	v := s.values[len(s.values)-1]
	if s.calls < len(s.values) {
		v = s.values[s.calls]
	}
	s.calls++
	return v
}

type event struct {
	kind  string
	test  string
	start int64
	end   int64
}

type recordingListener struct {
	events []event
}

func (r *recordingListener) TestStarted(test model.Test) {
	r.events = append(r.events, event{kind: "started", test: test.ID()})
}

func (r *recordingListener) TestPassed(test model.Test, start, end int64) {
	r.events = append(r.events, event{kind: "passed", test: test.ID(), start: start, end: end})
}

func (r *recordingListener) TestFailed(test model.Test, start, end int64) {
	r.events = append(r.events, event{kind: "failed", test: test.ID(), start: start, end: end})
}

func (r *recordingListener) BatchFinished() {
	r.events = append(r.events, event{kind: "finished"})
}

func newXcodebuildParser(t timer.Timer, l TestRunListener) *XcodebuildProgressParser {
	return NewXcodebuildProgressParser(t, IdentityResolver{}, zerolog.Nop(), l)
}

func TestXcodebuildProgressParser_PassedUsesRecordedStart(t *testing.T) {
	clock := &sequenceTimer{values: []int64{1537187696000, 1537187701315}}
	listener := &recordingListener{}
	p := newXcodebuildParser(clock, listener)

	require.NoError(t, p.OnLine("Test Case '-[sample_appUITests.MoreTests testPresentModal]' started."))
	require.NoError(t, p.OnLine("Test Case '-[sample_appUITests.MoreTests testPresentModal]' passed (5.315 seconds)."))
	p.Close()

	assert.Equal(t, []event{
		{kind: "started", test: "sample_appUITests.MoreTests#testPresentModal"},
		{kind: "passed", test: "sample_appUITests.MoreTests#testPresentModal", start: 1537187696000, end: 1537187701315},
		{kind: "finished"},
	}, listener.events)
}

func TestXcodebuildProgressParser_FailedLine(t *testing.T) {
	clock := &sequenceTimer{values: []int64{100, 250}}
	listener := &recordingListener{}
	p := newXcodebuildParser(clock, listener)

	require.NoError(t, p.OnLine("Test Case '-[app.LoginTests testLogin]' started."))
	require.NoError(t, p.OnLine("Test Case '-[app.LoginTests testLogin]' failed (0.150 seconds)."))

	require.Len(t, listener.events, 2)
	assert.Equal(t, event{kind: "failed", test: "app.LoginTests#testLogin", start: 100, end: 250}, listener.events[1])
}

func TestXcodebuildProgressParser_CrashEstimatedOnClose(t *testing.T) {
	clock := &sequenceTimer{values: []int64{1000, 9000}}
	listener := &recordingListener{}
	p := newXcodebuildParser(clock, listener)

	require.NoError(t, p.OnLine("Test Case '-[sample_appUITests.CrashingTests testButton]' started."))
	require.NoError(t, p.OnLine("Assertion Failure: <unknown>:0: com.example.sample-app crashed in -[ViewController crash]"))
	p.Close()
	p.Close()

	assert.Equal(t, []event{
		{kind: "started", test: "sample_appUITests.CrashingTests#testButton"},
		{kind: "failed", test: "sample_appUITests.CrashingTests#testButton", start: 1000, end: 9000},
		{kind: "finished"},
	}, listener.events)
}

func TestXcodebuildProgressParser_NewStartForcesPreviousFailure(t *testing.T) {
	clock := &sequenceTimer{values: []int64{10, 20, 30}}
	listener := &recordingListener{}
	p := newXcodebuildParser(clock, listener)

	require.NoError(t, p.OnLine("Test Case '-[app.A testOne]' started."))
	require.NoError(t, p.OnLine("Test Case '-[app.A testTwo]' started."))
	require.NoError(t, p.OnLine("Test Case '-[app.A testTwo]' passed (0.010 seconds)."))

	assert.Equal(t, []event{
		{kind: "started", test: "app.A#testOne"},
		{kind: "failed", test: "app.A#testOne", start: 10, end: 20},
		{kind: "started", test: "app.A#testTwo"},
		{kind: "passed", test: "app.A#testTwo", start: 20, end: 30},
	}, listener.events)
}

func TestXcodebuildProgressParser_FinishWithoutStartUsesReportedDuration(t *testing.T) {
	clock := &sequenceTimer{values: []int64{10000}}
	listener := &recordingListener{}
	p := newXcodebuildParser(clock, listener)

	require.NoError(t, p.OnLine("Test Case '-[app.A testOne]' passed (2.500 seconds)."))

	require.Len(t, listener.events, 1)
	assert.Equal(t, event{kind: "passed", test: "app.A#testOne", start: 7500, end: 10000}, listener.events[0])
}

func TestXcodebuildProgressParser_ObjectiveCNameWithoutModule(t *testing.T) {
	clock := &sequenceTimer{values: []int64{1, 2}}
	listener := &recordingListener{}
	p := newXcodebuildParser(clock, listener)

	require.NoError(t, p.OnLine("Test Case '-[LegacyTests testOld]' started."))
	require.NoError(t, p.OnLine("Test Case '-[LegacyTests testOld]' passed (0.001 seconds)."))

	require.Len(t, listener.events, 2)
	assert.Equal(t, "LegacyTests#testOld", listener.events[1].test)
}

func TestXcodebuildProgressParser_ResolvesTarget(t *testing.T) {
	clock := &sequenceTimer{values: []int64{1, 2}}
	listener := &recordingListener{}
	p := NewXcodebuildProgressParser(clock, NewMappingResolver(nil, "_", "-"), zerolog.Nop(), listener)

	require.NoError(t, p.OnLine("Test Case '-[sample_appUITests.MoreTests testPresentModal]' started."))
	assert.Equal(t, "sample-appUITests.MoreTests#testPresentModal", listener.events[0].test)
}

func TestMappingResolverIgnoresUnpairedReplacement(t *testing.T) {
	var r *MappingResolver
	require.NotPanics(t, func() { r = NewMappingResolver(map[string]string{"Legacy": "old"}, "_", "-", "dangling") })
	assert.Equal(t, "old", r.TargetOf("Legacy"))
	assert.Equal(t, "sample-app", r.TargetOf("sample_app"))
	assert.Equal(t, "dangling", r.TargetOf("dangling"))

	r = NewMappingResolver(nil, "only")
	assert.Nil(t, r.Replacer)
	assert.Equal(t, "sample_app", r.TargetOf("sample_app"))
}

func TestDeviceFailureParser(t *testing.T) {
	cases := []struct {
		line   string
		crash  bool
		reason DeviceFailureReason
	}{
		{"Failed to install or launch the test runner", false, ReasonFailedRunner},
		{"xcodebuild: error: Software caused connection abort", false, ReasonConnectionAbort},
		{"Unable to find a destination matching the provided destination specifier:", false, ReasonInvalidSimulatorIdentifier},
		{"Timed out waiting for automation session", false, ReasonUnknown},
		{"SpringBoard crashed in libsystem", true, ReasonSpringboardCrash},
		{"backboardd crashed in libsystem", true, ReasonBackboarddCrash},
	}
	for _, c := range cases {
		p := NewDeviceFailureParser(XcodebuildFailurePatterns(c.crash))
		err := p.OnLine(c.line)
		var failure *DeviceFailureError
		require.ErrorAs(t, err, &failure, c.line)
		assert.Equal(t, c.reason, failure.Reason, c.line)
	}

	p := NewDeviceFailureParser(XcodebuildFailurePatterns(false))
	assert.NoError(t, p.OnLine("SpringBoard crashed in libsystem"))
	assert.NoError(t, p.OnLine("Test Case '-[app.A testOne]' started."))
}

func TestPathFinders(t *testing.T) {
	diagnostics := NewDiagnosticLogsPathFinder()
	sessions := NewSessionResultsPathFinder()
	lines := []string{
		"Test session results, code coverage, and logs:",
		"    /Users/master/Library/Developer/Xcode/DerivedData/sample-app/Logs/Test/Test-Transient.xcresult",
		"    /Users/master/Library/Developer/Xcode/DerivedData/sample-app/Logs/Test/Test-Transient.xcresult  ",
		"/tmp/derived/Logs/Test/Session-sample-appUITests-2018-09-17_165441-6aXNQm.log",
		"no path here.xcresult is not absolute",
	}
	for _, line := range lines {
		require.NoError(t, diagnostics.OnLine(line))
		require.NoError(t, sessions.OnLine(line))
	}
	assert.Equal(t, []string{"/Users/master/Library/Developer/Xcode/DerivedData/sample-app/Logs/Test/Test-Transient.xcresult"}, diagnostics.Paths())
	assert.Equal(t, []string{"/tmp/derived/Logs/Test/Session-sample-appUITests-2018-09-17_165441-6aXNQm.log"}, sessions.Paths())
}

func TestTestLogListener_BoundedBuffer(t *testing.T) {
	l := NewTestLogListener(2)
	test := model.Test{Pkg: "app", Clazz: "A", Method: "testOne"}
	l.TestStarted(test)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.OnLine(fmt.Sprintf("line %d", i)))
	}
	assert.Equal(t, "line 3\nline 4", l.LastLog())
	l.TestPassed(test, 0, 1)
	assert.Equal(t, "line 3\nline 4", l.LastLog())
}

func TestInstrumentationProgressParser(t *testing.T) {
	clock := &sequenceTimer{values: []int64{100, 200, 300, 400, 500}}
	listener := &recordingListener{}
	p := NewInstrumentationProgressParser(clock, zerolog.Nop(), listener)

	lines := []string{
		"INSTRUMENTATION_STATUS: class=com.example.LoginTest",
		"INSTRUMENTATION_STATUS: test=testLogin",
		"INSTRUMENTATION_STATUS_CODE: 1",
		"INSTRUMENTATION_STATUS: class=com.example.LoginTest",
		"INSTRUMENTATION_STATUS: test=testLogin",
		"INSTRUMENTATION_STATUS_CODE: 0",
		"INSTRUMENTATION_STATUS: class=com.example.LoginTest",
		"INSTRUMENTATION_STATUS: test=testLogout",
		"INSTRUMENTATION_STATUS_CODE: 1",
		"INSTRUMENTATION_STATUS: class=com.example.LoginTest",
		"INSTRUMENTATION_STATUS: test=testLogout",
		"INSTRUMENTATION_STATUS: stack=java.lang.AssertionError",
		"INSTRUMENTATION_STATUS_CODE: -2",
		"INSTRUMENTATION_CODE: -1",
	}
	for _, line := range lines {
		require.NoError(t, p.OnLine(line))
	}
	p.Close()

	assert.Equal(t, []event{
		{kind: "started", test: "com.example.LoginTest#testLogin"},
		{kind: "passed", test: "com.example.LoginTest#testLogin", start: 100, end: 200},
		{kind: "started", test: "com.example.LoginTest#testLogout"},
		{kind: "failed", test: "com.example.LoginTest#testLogout", start: 300, end: 400},
		{kind: "finished"},
	}, listener.events)
}
