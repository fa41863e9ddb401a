package logparser

import (
	"github.com/httprunner/DevicePool/internal/model"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// StreamingLogParser consumes device output one line at a time.
// OnLine may return a *DeviceFailureError, which ends processing of the stream.
// Close flushes pending state and must be idempotent.
type StreamingLogParser interface {
	OnLine(line string) error
	Close()
}

// TestRunListener receives the test events recovered from the stream.
// Times are milliseconds since epoch.
type TestRunListener interface {
	TestStarted(test model.Test)
	TestPassed(test model.Test, startTime, endTime int64)
	TestFailed(test model.Test, startTime, endTime int64)
	BatchFinished()
}

// aborter is implemented by parsers that must drop in-flight state when the
// stream is cut by a device failure instead of finishing it normally.
type aborter interface {
	Abort()
}

// Composite dispatches every line to its members in order. A device failure
// raised by a member skips the remaining members for that line, aborts the
// members holding in-flight state and is returned for every later line too.
type Composite struct {
	parsers []StreamingLogParser
	failure error
	closed  bool
}

// NewComposite keeps the given order; it is part of the contract.
func NewComposite(parsers ...StreamingLogParser) *Composite {
	return &Composite{parsers: parsers}
}

func (c *Composite) OnLine(line string) error {
	if c.failure != nil {
		return c.failure
	}
	for _, p := range c.parsers {
		err := p.OnLine(line)
		if err == nil {
			continue
		}
		var failure *DeviceFailureError
		if errors.As(err, &failure) {
			c.failure = err
			for _, member := range c.parsers {
				if a, ok := member.(aborter); ok {
					a.Abort()
				}
			}
			return err
		}
		log.Warn().Err(err).Str("line", line).Msg("log parser anomaly ignored")
	}
	return nil
}

// Failure returns the device failure that terminated the stream, if any.
func (c *Composite) Failure() error { return c.failure }

func (c *Composite) Close() {
	if c.closed {
		return
	}
	c.closed = true
	for _, p := range c.parsers {
		p.Close()
	}
}
