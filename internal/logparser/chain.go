package logparser

import (
	"github.com/httprunner/DevicePool/internal/agent/lifecycle"
	"github.com/httprunner/DevicePool/internal/model"
	"github.com/httprunner/DevicePool/internal/timer"
	"github.com/rs/zerolog/log"
)

// ChainConfig describes one batch attempt on one device.
type ChainConfig struct {
	PoolID   string
	Device   model.DeviceInfo
	Batch    *model.TestBatch
	Result   *model.BatchPromise
	Reporter lifecycle.Reporter
	Timer    timer.Timer
	Resolver TargetResolver

	HideRunnerOutput           bool
	DetectSystemProcessCrashes bool
	MaxLogLines                int
}

// DeviceLogParser is the assembled parser chain for one batch attempt.
type DeviceLogParser struct {
	*Composite
	testLog     *TestLogListener
	diagnostics *PathFinder
	sessions    *PathFinder
}

// NewXcodebuildLogParser assembles, in order: test log buffer, device
// failure detection, result bundle and session log path finders, progress
// parsing and debug echo.
func NewXcodebuildLogParser(cfg ChainConfig) *DeviceLogParser {
	logger := log.With().Str("serial", cfg.Device.SerialNumber).Str("batch", cfg.Batch.ID()).Logger()
	testLog := NewTestLogListener(cfg.MaxLogLines)
	diagnostics := NewDiagnosticLogsPathFinder()
	sessions := NewSessionResultsPathFinder()
	reporting := NewProgressReportingListener(cfg.PoolID, cfg.Device, cfg.Batch, cfg.Result, cfg.Reporter,
		testLog, diagnostics, sessions)
	progress := NewXcodebuildProgressParser(cfg.Timer, cfg.Resolver, logger, reporting, testLog)

	return &DeviceLogParser{
		Composite: NewComposite(
			testLog,
			NewDeviceFailureParser(XcodebuildFailurePatterns(cfg.DetectSystemProcessCrashes)),
			diagnostics,
			sessions,
			progress,
			NewDebugLogPrinter(logger, cfg.HideRunnerOutput),
		),
		testLog:     testLog,
		diagnostics: diagnostics,
		sessions:    sessions,
	}
}

// NewInstrumentationLogParser assembles the chain for `am instrument -r` output.
func NewInstrumentationLogParser(cfg ChainConfig) *DeviceLogParser {
	logger := log.With().Str("serial", cfg.Device.SerialNumber).Str("batch", cfg.Batch.ID()).Logger()
	testLog := NewTestLogListener(cfg.MaxLogLines)
	reporting := NewProgressReportingListener(cfg.PoolID, cfg.Device, cfg.Batch, cfg.Result, cfg.Reporter, testLog)
	progress := NewInstrumentationProgressParser(cfg.Timer, logger, reporting, testLog)

	return &DeviceLogParser{
		Composite: NewComposite(
			testLog,
			NewDeviceFailureParser(InstrumentationFailurePatterns()),
			progress,
			NewDebugLogPrinter(logger, cfg.HideRunnerOutput),
		),
		testLog: testLog,
	}
}

// DiagnosticLogPaths returns the result bundle paths seen so far.
func (p *DeviceLogParser) DiagnosticLogPaths() []string {
	if p.diagnostics == nil {
		return nil
	}
	return p.diagnostics.Paths()
}

// SessionResultPaths returns the session log paths seen so far.
func (p *DeviceLogParser) SessionResultPaths() []string {
	if p.sessions == nil {
		return nil
	}
	return p.sessions.Paths()
}

// LastLog returns the buffered output of the current or last test.
func (p *DeviceLogParser) LastLog() string { return p.testLog.LastLog() }
