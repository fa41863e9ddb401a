package logparser

import (
	"strconv"
	"strings"

	"github.com/httprunner/DevicePool/internal/model"
	"github.com/httprunner/DevicePool/internal/timer"
	"github.com/rs/zerolog"
)

// am instrument -r status codes
const (
	statusStart           = 1
	statusInProgress      = 2
	statusOK              = 0
	statusError           = -1
	statusFailure         = -2
	statusIgnored         = -3
	statusAssumptionFails = -4
)

const (
	instrumentationStatus     = "INSTRUMENTATION_STATUS: "
	instrumentationStatusCode = "INSTRUMENTATION_STATUS_CODE: "
	instrumentationResult     = "INSTRUMENTATION_RESULT: "
	instrumentationCode       = "INSTRUMENTATION_CODE: "
)

// InstrumentationProgressParser recovers test events from the raw output of
// `am instrument -r`. Ignored tests and failed assumptions count as passed.
type InstrumentationProgressParser struct {
	tracker *testTracker
	logger  zerolog.Logger
	status  map[string]string
	closed  bool
}

func NewInstrumentationProgressParser(t timer.Timer, logger zerolog.Logger, listeners ...TestRunListener) *InstrumentationProgressParser {
	return &InstrumentationProgressParser{
		tracker: newTestTracker(t, logger, listeners),
		logger:  logger,
		status:  make(map[string]string),
	}
}

func (p *InstrumentationProgressParser) OnLine(line string) error {
	if p.closed {
		return nil
	}
	line = strings.TrimRight(line, "\r")
	switch {
	case strings.HasPrefix(line, instrumentationStatusCode):
		code, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, instrumentationStatusCode)))
		if err != nil {
			p.logger.Warn().Str("line", line).Msg("malformed instrumentation status code")
			p.status = make(map[string]string)
			return nil
		}
		p.onStatus(code)
		p.status = make(map[string]string)
	case strings.HasPrefix(line, instrumentationStatus):
		kv := strings.TrimPrefix(line, instrumentationStatus)
		if idx := strings.Index(kv, "="); idx > 0 {
			p.status[kv[:idx]] = kv[idx+1:]
		}
	case strings.HasPrefix(line, instrumentationResult):
		if strings.Contains(line, "shortMsg=Process crashed") {
			p.logger.Warn().Str("line", line).Msg("instrumentation process crashed")
		}
	case strings.HasPrefix(line, instrumentationCode):
		p.tracker.flush()
	}
	return nil
}

func (p *InstrumentationProgressParser) onStatus(code int) {
	class, method := p.status["class"], p.status["test"]
	if class == "" || method == "" {
		return
	}
	test := model.Test{Clazz: class, Method: method}
	if dot := strings.LastIndex(class, "."); dot >= 0 {
		test.Pkg, test.Clazz = class[:dot], class[dot+1:]
	}
	switch code {
	case statusStart:
		p.tracker.started(test)
	case statusOK, statusIgnored, statusAssumptionFails:
		p.tracker.finishedTest(test, true, -1)
	case statusFailure, statusError:
		p.tracker.finishedTest(test, false, -1)
	case statusInProgress:
	default:
		p.logger.Warn().Int("code", code).Str("test", test.ID()).Msg("unknown instrumentation status code")
	}
}

// Abort drops the in-flight test without reporting it.
func (p *InstrumentationProgressParser) Abort() {
	p.tracker.discard()
}

func (p *InstrumentationProgressParser) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.tracker.flush()
	p.tracker.batchFinished()
}
