package lifecycle

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/httprunner/DevicePool/internal/model"
	"github.com/rs/zerolog/log"
)

// Reporter 接收池级别的测试进度通知，调用方不等待也不关心其错误。
type Reporter interface {
	TestStarted(poolID string, device model.DeviceInfo, test model.Test)
	TestPassed(poolID string, device model.DeviceInfo, test model.Test)
	TestFailed(poolID string, device model.DeviceInfo, test model.Test)
}

// Noop 丢弃所有通知。
type Noop struct{}

func (Noop) TestStarted(string, model.DeviceInfo, model.Test) {}
func (Noop) TestPassed(string, model.DeviceInfo, model.Test)  {}
func (Noop) TestFailed(string, model.DeviceInfo, model.Test)  {}

// LogReporter 将进度输出为结构化日志。
type LogReporter struct{}

func (LogReporter) TestStarted(poolID string, device model.DeviceInfo, test model.Test) {
	log.Info().Str("pool", poolID).Str("serial", device.SerialNumber).Str("test", test.ID()).Msg("test started")
}

func (LogReporter) TestPassed(poolID string, device model.DeviceInfo, test model.Test) {
	log.Info().Str("pool", poolID).Str("serial", device.SerialNumber).Str("test", test.ID()).Msg("test passed")
}

func (LogReporter) TestFailed(poolID string, device model.DeviceInfo, test model.Test) {
	log.Warn().Str("pool", poolID).Str("serial", device.SerialNumber).Str("test", test.ID()).Msg("test failed")
}

// Multi 依次转发给多个 Reporter；单个 Reporter panic 不影响其他 Reporter 与调用方。
type Multi []Reporter

func (m Multi) TestStarted(poolID string, device model.DeviceInfo, test model.Test) {
	for _, r := range m {
		Safe(func() { r.TestStarted(poolID, device, test) })
	}
}

func (m Multi) TestPassed(poolID string, device model.DeviceInfo, test model.Test) {
	for _, r := range m {
		Safe(func() { r.TestPassed(poolID, device, test) })
	}
}

func (m Multi) TestFailed(poolID string, device model.DeviceInfo, test model.Test) {
	for _, r := range m {
		Safe(func() { r.TestFailed(poolID, device, test) })
	}
}

// Safe 执行 fn 并吞掉 panic。
// 这里不使用结构化日志：panic 可能正是日志组件引起的，直接写 stderr 最稳妥。
func Safe(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			_, _ = fmt.Fprintf(os.Stderr, "WARN: progress reporter panicked: %v\n%s\n", r, debug.Stack())
		}
	}()
	fn()
}
