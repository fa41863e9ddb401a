package device

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/httprunner/DevicePool/internal/agent/lifecycle"
	"github.com/httprunner/DevicePool/internal/mailbox"
	"github.com/httprunner/DevicePool/internal/model"
	"github.com/httprunner/DevicePool/internal/retry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPrepareAttempts  = 30
	DefaultPrepareDelay     = 10 * time.Second
	DefaultTerminateTimeout = 30 * time.Second
)

// Options 控制 Actor 的准备重试与终止等待。
type Options struct {
	PrepareAttempts  int
	PrepareDelay     time.Duration
	TerminateTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PrepareAttempts <= 0 {
		o.PrepareAttempts = DefaultPrepareAttempts
	}
	if o.PrepareDelay < 0 {
		o.PrepareDelay = 0
	} else if o.PrepareDelay == 0 {
		o.PrepareDelay = DefaultPrepareDelay
	}
	if o.TerminateTimeout <= 0 {
		o.TerminateTimeout = DefaultTerminateTimeout
	}
	return o
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Actor 串行处理单个设备的事件：一个 goroutine 消费邮箱，副作用在后台任务中执行，
// 后台任务只通过向邮箱投递 Complete / Terminate 影响状态。
type Actor struct {
	poolID   string
	driver   Driver
	pool     Notifier
	reporter lifecycle.Reporter
	opts     Options
	logger   zerolog.Logger

	mailbox *mailbox.Mailbox[Event]
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool

	mu    sync.Mutex
	state State

	// 以下字段只在 Actor goroutine 内访问（returned 除外）
	batch     *model.TestBatch
	promise   *model.BatchPromise
	delivered bool
	returned  atomic.Bool
	current   *task

	disposeOnce sync.Once
}

// NewActor 创建处于 Connected 状态的 Actor，需调用 Start 才开始处理事件。
func NewActor(poolID string, driver Driver, pool Notifier, reporter lifecycle.Reporter, opts Options) *Actor {
	if reporter == nil {
		reporter = lifecycle.Noop{}
	}
	info := driver.Info()
	return &Actor{
		poolID:   poolID,
		driver:   driver,
		pool:     pool,
		reporter: reporter,
		opts:     opts.withDefaults(),
		logger:   log.With().Str("pool", poolID).Str("serial", info.SerialNumber).Logger(),
		mailbox:  mailbox.New[Event](),
		done:     make(chan struct{}),
		state:    StateConnected,
	}
}

// Start 启动事件循环；ctx 结束等价于收到 Terminate。
func (a *Actor) Start(ctx context.Context) {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	go a.loop()
}

// Send 非阻塞投递事件，邮箱关闭后返回 false。
func (a *Actor) Send(ev Event) bool {
	return a.mailbox.Send(ev)
}

// Info 返回设备信息快照。
func (a *Actor) Info() model.DeviceInfo { return a.driver.Info() }

// Serial 返回设备序列号。
func (a *Actor) Serial() string { return a.driver.Info().SerialNumber }

// Done 在 Actor 完成终止（包括通知池）后关闭。
func (a *Actor) Done() <-chan struct{} { return a.done }

// IsAvailable 是时间点判断：邮箱未关闭且处于 Ready。
func (a *Actor) IsAvailable() bool {
	return !a.mailbox.Closed() && a.snapshot() == StateReady
}

// State 通过 GetState 查询当前状态，不打乱邮箱顺序；邮箱关闭后直接返回 Terminated。
func (a *Actor) State(ctx context.Context) (State, error) {
	reply := make(chan State, 1)
	if !a.mailbox.Send(GetState{Reply: reply}) {
		return StateTerminated, nil
	}
	select {
	case s := <-reply:
		return s, nil
	case <-a.done:
		return StateTerminated, nil
	case <-ctx.Done():
		return a.snapshot(), ctx.Err()
	}
}

func (a *Actor) snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Actor) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Actor) loop() {
	defer close(a.done)
	for {
		ev, ok := a.mailbox.Receive(a.ctx)
		if !ok {
			break
		}
		a.handle(ev)
	}
	a.finish()
}

func (a *Actor) handle(ev Event) {
	from := a.snapshot()
	tr := Next(from, ev)
	if !tr.Valid {
		a.logger.Error().Str("state", from.String()).Str("event", ev.Name()).Msg("invalid device transition")
		if exec, ok := ev.(Execute); ok && exec.Batch != nil {
			a.pool.Returned(a.driver.Info(), exec.Batch)
		}
		return
	}
	if reply, ok := ev.(GetState); ok {
		if reply.Reply != nil {
			select {
			case reply.Reply <- from:
			default:
			}
		}
		return
	}
	if tr.From != tr.To {
		a.logger.Debug().Str("from", tr.From.String()).Str("to", tr.To.String()).Str("event", ev.Name()).Msg("device transition")
	}
	a.setState(tr.To)

	switch tr.Effect {
	case EffectPrepare:
		a.prepare()
	case EffectNotifyReady:
		a.pool.Ready(a.driver.Info())
	case EffectExecute:
		exec := ev.(Execute)
		if exec.Batch == nil {
			a.logger.Error().Msg("execute without batch")
			a.setState(StateReady)
			return
		}
		a.execute(exec.Batch)
	case EffectDeliverResults:
		a.deliver()
		a.clearBatch()
		a.pool.Ready(a.driver.Info())
	case EffectTerminate:
		a.mailbox.Close()
		if a.current != nil {
			a.current.cancel()
		}
	}
}

func (a *Actor) prepare() {
	a.runTask(func(ctx context.Context) error {
		return retry.Do(ctx, a.opts.PrepareAttempts, a.opts.PrepareDelay, func(ctx context.Context, attempt int) error {
			err := a.driver.Prepare(ctx)
			if err != nil {
				a.logger.Warn().Err(err).Int("attempt", attempt).Msg("device prepare failed")
			}
			return err
		})
	}, func(err error) {
		if err == nil {
			a.mailbox.Send(Complete{})
			return
		}
		a.logger.Error().Err(err).Msg("device prepare exhausted, terminating")
		a.mailbox.Send(Terminate{})
	})
}

func (a *Actor) execute(batch *model.TestBatch) {
	promise := model.NewPromise[*model.TestBatchResults]()
	a.batch, a.promise, a.delivered = batch, promise, false
	a.returned.Store(false)
	info := a.driver.Info()
	a.logger.Info().Str("batch", batch.ID()).Int("tests", batch.Len()).Msg("executing batch")

	a.runTask(func(ctx context.Context) error {
		return a.driver.Execute(ctx, ExecuteRequest{
			PoolID:   a.poolID,
			Batch:    batch,
			Result:   promise,
			Reporter: a.reporter,
		})
	}, func(err error) {
		switch {
		case err == nil:
			if promise.Complete(model.IncompleteResults(a.driver.Info(), batch)) {
				a.logger.Warn().Str("batch", batch.ID()).Msg("driver finished without results, batch is incomplete")
			}
			a.mailbox.Send(Complete{})
		case errors.Is(err, ErrBatchFailed):
			a.logger.Warn().Err(err).Str("batch", batch.ID()).Msg("batch failed, returning it to the pool")
			a.returned.Store(true)
			a.pool.Returned(info, batch)
			a.mailbox.Send(Complete{})
		case errors.Is(err, ErrDeviceLost):
			a.logger.Error().Err(err).Str("batch", batch.ID()).Msg("device lost during batch")
			a.mailbox.Send(Terminate{})
		default:
			a.logger.Error().Err(err).Str("batch", batch.ID()).Msg("batch execution crashed, disposing device")
			a.dispose()
			a.mailbox.Send(Terminate{})
		}
	})
}

// runTask 在后台执行 fn；被取消的任务不回调 onDone，避免绕过状态机。
func (a *Actor) runTask(fn func(ctx context.Context) error, onDone func(err error)) {
	ctx, cancel := context.WithCancel(a.ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	a.current = t
	go func() {
		defer close(t.done)
		defer cancel()
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Errorf("device task panicked: %v\n%s", r, debug.Stack())
				}
			}()
			return fn(ctx)
		}()
		if ctx.Err() != nil {
			return
		}
		onDone(err)
	}()
}

// deliver 将已 resolve 的批次结果交给池，最多一次。
func (a *Actor) deliver() {
	if a.batch == nil || a.delivered || a.returned.Load() {
		return
	}
	results, ok := a.promise.Value()
	if !ok {
		results = model.IncompleteResults(a.driver.Info(), a.batch)
	}
	a.delivered = true
	a.pool.Completed(a.driver.Info(), results)
}

func (a *Actor) clearBatch() {
	a.batch, a.promise, a.delivered = nil, nil, false
	a.returned.Store(false)
	a.current = nil
}

func (a *Actor) dispose() {
	a.disposeOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error().Str("panic", fmt.Sprint(r)).Msg("device dispose panicked")
			}
		}()
		a.driver.Dispose()
	})
}

// finish 在邮箱关闭并清空后执行：等待后台任务退出，交付已有的部分结果，释放设备并通知池。
// 未 resolve 的批次由池在 Terminated 通知中按整批未完成处理。
func (a *Actor) finish() {
	a.setState(StateTerminated)
	a.mailbox.Close()
	if t := a.current; t != nil {
		t.cancel()
		timer := time.NewTimer(a.opts.TerminateTimeout)
		select {
		case <-t.done:
			timer.Stop()
		case <-timer.C:
			a.logger.Warn().Dur("timeout", a.opts.TerminateTimeout).Msg("background task did not stop in time")
		}
	}
	if a.promise != nil {
		if _, resolved := a.promise.Value(); resolved {
			a.deliver()
		}
	}
	a.dispose()
	a.cancel()
	a.logger.Info().Msg("device terminated")
	a.pool.Terminated(a.driver.Info())
}
