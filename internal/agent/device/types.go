package device

import (
	"context"
	"time"

	"github.com/httprunner/DevicePool/internal/agent/lifecycle"
	"github.com/httprunner/DevicePool/internal/model"
	"github.com/pkg/errors"
)

var (
	// ErrDeviceLost 表示设备已不可用（连接断开、shell 无响应、致命日志等），Actor 将终止。
	ErrDeviceLost = errors.New("device lost")
	// ErrBatchFailed 表示本批次无法执行，但设备仍然可用，批次会退回给池。
	ErrBatchFailed = errors.New("batch execution failed")
)

type wrapped struct {
	kind  error
	cause error
}

func (w *wrapped) Error() string {
	if w.cause == nil {
		return w.kind.Error()
	}
	return w.kind.Error() + ": " + w.cause.Error()
}

func (w *wrapped) Is(target error) bool { return target == w.kind }
func (w *wrapped) Unwrap() error        { return w.cause }
func (w *wrapped) Cause() error         { return w.cause }

// Lost 将 cause 标记为设备丢失。
func Lost(cause error) error { return &wrapped{kind: ErrDeviceLost, cause: cause} }

// BatchFailed 将 cause 标记为批次执行失败。
func BatchFailed(cause error) error { return &wrapped{kind: ErrBatchFailed, cause: cause} }

// ExecuteRequest 描述一次批次执行。
type ExecuteRequest struct {
	PoolID   string
	Batch    *model.TestBatch
	Result   *model.BatchPromise
	Reporter lifecycle.Reporter
}

// Driver 是具体设备的驱动（adb、模拟器等）。
// Execute 应在返回前尽量 resolve Result；返回 ErrDeviceLost / ErrBatchFailed 区分失败类型。
type Driver interface {
	Info() model.DeviceInfo
	Prepare(ctx context.Context) error
	Execute(ctx context.Context, req ExecuteRequest) error
	Dispose()
}

// Provider 返回当前可用设备的驱动。
type Provider interface {
	Name() string
	Devices(ctx context.Context) ([]Driver, error)
}

// Recorder 负责将设备信息同步到外部存储（Feishu/SQLite）。
type Recorder interface {
	UpsertDevices(ctx context.Context, devices []InfoUpdate) error
}

// InfoUpdate 描述需要上报的设备状态。
type InfoUpdate struct {
	DeviceSerial string
	PoolID       string
	Host         string
	Status       string
	OSType       string
	Model        string
	Healthy      bool
	ProviderUUID string
	AgentVersion string
	LastError    string
	LastSeenAt   time.Time
	RunningBatch string
	BatchSize    int
}

// Notifier 是 Actor 向池发送通知的出口，实现方不得阻塞。
type Notifier interface {
	Ready(device model.DeviceInfo)
	Completed(device model.DeviceInfo, results *model.TestBatchResults)
	Returned(device model.DeviceInfo, batch *model.TestBatch)
	Terminated(device model.DeviceInfo)
}
