package logparser

import (
	"regexp"
	"strconv"

	"github.com/httprunner/DevicePool/internal/model"
	"github.com/httprunner/DevicePool/internal/timer"
	"github.com/rs/zerolog"
)

var (
	// Test Case '-[sample_appUITests.MoreTests testPresentModal]' started.
	xcStartedPattern = regexp.MustCompile(`Test Case '-\[(?:([^\s.\]]+)\.)?([^\s.\]]+) ([^\s\]]+)\]' started\.`)
	// Test Case '-[sample_appUITests.MoreTests testPresentModal]' passed (5.315 seconds).
	xcFinishedPattern = regexp.MustCompile(`Test Case '-\[(?:([^\s.\]]+)\.)?([^\s.\]]+) ([^\s\]]+)\]' (passed|failed|skipped) \((\d+(?:\.\d+)?) seconds\)`)
	xcCrashPatterns   = []*regexp.Regexp{
		regexp.MustCompile(`Assertion Failure: <unknown>:0: \S+ crashed in `),
		regexp.MustCompile(`Restarting after unexpected exit, crash, or test timeout`),
	}
)

// XcodebuildProgressParser recovers test events from xcodebuild output.
// Skipped tests are reported as passed.
type XcodebuildProgressParser struct {
	resolver TargetResolver
	tracker  *testTracker
	logger   zerolog.Logger
	closed   bool
}

func NewXcodebuildProgressParser(t timer.Timer, resolver TargetResolver, logger zerolog.Logger, listeners ...TestRunListener) *XcodebuildProgressParser {
	return &XcodebuildProgressParser{
		resolver: resolver,
		tracker:  newTestTracker(t, logger, listeners),
		logger:   logger,
	}
}

func (p *XcodebuildProgressParser) OnLine(line string) error {
	if p.closed {
		return nil
	}
	if m := xcStartedPattern.FindStringSubmatch(line); m != nil {
		p.tracker.started(p.test(m[1], m[2], m[3]))
		return nil
	}
	if m := xcFinishedPattern.FindStringSubmatch(line); m != nil {
		seconds, err := strconv.ParseFloat(m[5], 64)
		reported := int64(-1)
		if err == nil {
			reported = int64(seconds * 1000)
		}
		p.tracker.finishedTest(p.test(m[1], m[2], m[3]), m[4] != "failed", reported)
		return nil
	}
	for _, crash := range xcCrashPatterns {
		if crash.MatchString(line) {
			// the in-flight test is resolved by Close unless a later line finishes it
			p.logger.Warn().Str("line", line).Msg("test runner crash detected")
			return nil
		}
	}
	return nil
}

func (p *XcodebuildProgressParser) test(module, clazz, method string) model.Test {
	return model.Test{Pkg: resolveTarget(p.resolver, module), Clazz: clazz, Method: method}
}

// Abort drops the in-flight test without reporting it.
func (p *XcodebuildProgressParser) Abort() {
	p.tracker.discard()
}

func (p *XcodebuildProgressParser) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.tracker.flush()
	p.tracker.batchFinished()
}
