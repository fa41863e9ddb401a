package timer

import "time"

// Timer supplies the current wall-clock time in milliseconds since epoch.
type Timer interface {
	NowMillis() int64
}

// SystemTimer reads the system clock.
type SystemTimer struct{}

func (SystemTimer) NowMillis() int64 { return time.Now().UnixMilli() }

// Func adapts a function to Timer.
type Func func() int64

func (f Func) NowMillis() int64 { return f() }
