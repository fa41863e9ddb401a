package logparser

import (
	"fmt"
	"strings"
)

// DeviceFailureReason categorizes fatal device conditions found in the output.
type DeviceFailureReason string

const (
	ReasonFailedRunner               DeviceFailureReason = "FailedRunner"
	ReasonConnectionAbort            DeviceFailureReason = "ConnectionAbort"
	ReasonInvalidSimulatorIdentifier DeviceFailureReason = "InvalidSimulatorIdentifier"
	ReasonSpringboardCrash           DeviceFailureReason = "SpringboardCrash"
	ReasonBackboarddCrash            DeviceFailureReason = "BackboarddCrash"
	ReasonUnreachableHost            DeviceFailureReason = "UnreachableHost"
	ReasonUnknown                    DeviceFailureReason = "Unknown"
)

// DeviceFailureError signals that the device can no longer be used.
type DeviceFailureError struct {
	Reason  DeviceFailureReason
	Pattern string
	Line    string
}

func (e *DeviceFailureError) Error() string {
	if e.Pattern == "" {
		return fmt.Sprintf("device failure: %s", e.Reason)
	}
	return fmt.Sprintf("device failure: %s (%s)", e.Reason, e.Pattern)
}

// FailurePattern maps a fatal substring to its reason.
type FailurePattern struct {
	Substring string
	Reason    DeviceFailureReason
}

// XcodebuildFailurePatterns lists the fatal simulator/xcodebuild messages.
// System process crashes are fatal only when detectSystemCrashes is set.
func XcodebuildFailurePatterns(detectSystemCrashes bool) []FailurePattern {
	patterns := []FailurePattern{
		{"Failed to install or launch the test runner", ReasonFailedRunner},
		{"Software caused connection abort", ReasonConnectionAbort},
		{"Unable to find a destination matching the provided destination specifier", ReasonInvalidSimulatorIdentifier},
		{"Terminating since there is no system app", ReasonUnknown},
		{"Exiting because the workspace server has disconnected", ReasonUnknown},
		{"Not authorized for performing UI testing PropertyActions", ReasonUnknown},
		{"Timed out waiting for automation session", ReasonUnknown},
		{"Failed to terminate", ReasonUnknown},
		{"Failed to launch app with identifier", ReasonUnknown},
		{"Test runner exited before starting test execution", ReasonUnknown},
		{"Early unexpected exit, operation never finished bootstrapping", ReasonUnknown},
		{"Connection peer refused channel request", ReasonUnknown},
		// simctl output
		{"CoreSimulatorService connection became invalid", ReasonUnknown},
		{"Simulator services will no longer be available", ReasonUnknown},
		{"Unable to locate device set", ReasonUnknown},
	}
	if detectSystemCrashes {
		patterns = append(patterns,
			FailurePattern{"SpringBoard crashed in", ReasonSpringboardCrash},
			FailurePattern{"backboardd crashed in", ReasonBackboarddCrash},
		)
	}
	return patterns
}

// InstrumentationFailurePatterns lists the fatal adb / instrumentation messages.
func InstrumentationFailurePatterns() []FailurePattern {
	return []FailurePattern{
		{"INSTRUMENTATION_FAILED:", ReasonFailedRunner},
		{"error: device offline", ReasonConnectionAbort},
		{"error: device not found", ReasonConnectionAbort},
		{"error: closed", ReasonConnectionAbort},
		{"Can't find service: activity", ReasonUnknown},
	}
}

// DeviceFailureParser raises a DeviceFailureError for the first matching pattern.
type DeviceFailureParser struct {
	patterns []FailurePattern
}

func NewDeviceFailureParser(patterns []FailurePattern) *DeviceFailureParser {
	return &DeviceFailureParser{patterns: patterns}
}

func (p *DeviceFailureParser) OnLine(line string) error {
	for _, pattern := range p.patterns {
		if strings.Contains(line, pattern.Substring) {
			return &DeviceFailureError{Reason: pattern.Reason, Pattern: pattern.Substring, Line: line}
		}
	}
	return nil
}

func (p *DeviceFailureParser) Close() {}
