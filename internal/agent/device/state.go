package device

import "github.com/httprunner/DevicePool/internal/model"

// State 是设备 Actor 的生命周期状态。
type State int

const (
	StateConnected State = iota
	StateInitializing
	StateReady
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Event 是投递到 Actor 邮箱的消息。
type Event interface {
	Name() string
}

type (
	Initialize struct{}
	Complete   struct{}
	Terminate  struct{}
	WakeUp     struct{}
	Execute    struct{ Batch *model.TestBatch }
	// GetState 通过 Reply 返回当前状态，Reply 应带缓冲。
	GetState struct{ Reply chan<- State }
)

func (Initialize) Name() string { return "Initialize" }
func (Complete) Name() string   { return "Complete" }
func (Terminate) Name() string  { return "Terminate" }
func (WakeUp) Name() string     { return "WakeUp" }
func (Execute) Name() string    { return "Execute" }
func (GetState) Name() string   { return "GetState" }

// Effect 是状态迁移附带的副作用，由 Actor 负责执行。
type Effect int

const (
	EffectNone Effect = iota
	EffectPrepare
	EffectNotifyReady
	EffectExecute
	EffectDeliverResults
	EffectTerminate
)

// Transition 是一次 (state, event) 计算的结果。
type Transition struct {
	From   State
	To     State
	Effect Effect
	Valid  bool
}

// Next 是纯函数形式的状态迁移表，不执行任何副作用。
// Terminated 吸收所有事件；WakeUp 在任何状态下都是合法的。
func Next(from State, ev Event) Transition {
	stay := Transition{From: from, To: from, Effect: EffectNone, Valid: true}
	if _, ok := ev.(GetState); ok {
		return stay
	}
	if from == StateTerminated {
		return stay
	}
	to := func(s State, effect Effect) Transition {
		return Transition{From: from, To: s, Effect: effect, Valid: true}
	}
	switch ev.(type) {
	case Terminate:
		return to(StateTerminated, EffectTerminate)
	case WakeUp:
		if from == StateReady {
			return to(StateReady, EffectNotifyReady)
		}
		return stay
	}
	switch from {
	case StateConnected:
		if _, ok := ev.(Initialize); ok {
			return to(StateInitializing, EffectPrepare)
		}
	case StateInitializing:
		if _, ok := ev.(Complete); ok {
			return to(StateReady, EffectNotifyReady)
		}
	case StateReady:
		if _, ok := ev.(Execute); ok {
			return to(StateRunning, EffectExecute)
		}
	case StateRunning:
		if _, ok := ev.(Complete); ok {
			return to(StateReady, EffectDeliverResults)
		}
	}
	return Transition{From: from, To: from, Effect: EffectNone, Valid: false}
}
