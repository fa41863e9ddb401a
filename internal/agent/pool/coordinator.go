package pool

import (
	"context"
	"time"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
	"github.com/httprunner/DevicePool/internal/agent/device"
	"github.com/httprunner/DevicePool/internal/agent/lifecycle"
	"github.com/httprunner/DevicePool/internal/mailbox"
	"github.com/httprunner/DevicePool/internal/metrics"
	"github.com/httprunner/DevicePool/internal/model"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxBatchReturns = 3
	DefaultDrainTimeout    = time.Minute
)

// BatchListener 在每个批次结果合并后被同步调用，不得阻塞过久。
type BatchListener interface {
	BatchCompleted(poolID string, results *model.TestBatchResults)
}

// Config 描述一个设备池。
type Config struct {
	PoolID          string
	Batcher         Batcher
	Retry           RetryPolicy
	Reporter        lifecycle.Reporter
	DeviceOptions   device.Options
	MaxBatchReturns int
	DrainTimeout    time.Duration
	Registry        *device.Registry
	Listener        BatchListener
}

// Coordinator 拥有一个池的设备 Actor 与待执行队列。
// 所有池状态只在 run goroutine 中修改，外部调用只向邮箱投递消息。
type Coordinator struct {
	cfg     Config
	mailbox *mailbox.Mailbox[message]
	logger  zerolog.Logger
	done    chan struct{}
	report  *Report

	// run goroutine 私有
	ctx          context.Context
	actors       map[string]*device.Actor
	deviceStates map[string]string
	inFlight     map[string]*model.TestBatch
	pending      *doublylinkedlist.List
	returns      map[string]int
	noMore       bool
	terminating  bool
}

// New 构建协调器，需调用 Start。
func New(cfg Config) *Coordinator {
	if cfg.Batcher == nil {
		cfg.Batcher = FixedSizeBatcher{Size: 1}
	}
	if cfg.Retry == nil {
		cfg.Retry = NewQuotaRetryPolicy(1, 0)
	}
	if cfg.Reporter == nil {
		cfg.Reporter = lifecycle.Noop{}
	}
	if cfg.MaxBatchReturns <= 0 {
		cfg.MaxBatchReturns = DefaultMaxBatchReturns
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &Coordinator{
		cfg:          cfg,
		mailbox:      mailbox.New[message](),
		logger:       log.With().Str("pool", cfg.PoolID).Logger(),
		done:         make(chan struct{}),
		actors:       make(map[string]*device.Actor),
		deviceStates: make(map[string]string),
		inFlight:     make(map[string]*model.TestBatch),
		pending:      doublylinkedlist.New(),
		returns:      make(map[string]int),
	}
}

// Start 启动池的事件循环。ctx 结束时池进入终止流程。
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx = ctx
	go c.run(ctx)
}

// AddDevice 将设备加入池，池会为它创建 Actor 并开始准备。
func (c *Coordinator) AddDevice(driver device.Driver) bool {
	return c.mailbox.Send(deviceConnected{driver: driver})
}

// Submit 通过 Batcher 将测试分批并入队。
func (c *Coordinator) Submit(tests []model.Test) bool {
	return c.SubmitBatches(c.cfg.Batcher.Batches(tests))
}

// SubmitBatches 将批次追加到队尾，并唤醒空闲设备。
func (c *Coordinator) SubmitBatches(batches []*model.TestBatch) bool {
	if len(batches) == 0 {
		return true
	}
	return c.mailbox.Send(addBatches{batches: batches})
}

// NoMoreBatches 声明不会再提交新测试；队列清空后池自动结束。
func (c *Coordinator) NoMoreBatches() bool {
	return c.mailbox.Send(noMoreBatches{})
}

// Terminate 立即终止所有设备，队列中剩余的测试记为未完成。
func (c *Coordinator) Terminate() bool {
	return c.mailbox.Send(terminatePool{})
}

// Done 在池结束且所有 Actor 都已终止后关闭。
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Report 返回最终报告，池结束前返回 nil。
func (c *Coordinator) Report() *Report {
	select {
	case <-c.done:
		return c.report
	default:
		return nil
	}
}

// Wait 阻塞直到池结束。
func (c *Coordinator) Wait(ctx context.Context) (*Report, error) {
	select {
	case <-c.done:
		return c.report, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "wait for pool")
	}
}

// device.Notifier，供 Actor 调用。

func (c *Coordinator) Ready(d model.DeviceInfo) { c.mailbox.Send(isReady{device: d}) }
func (c *Coordinator) Completed(d model.DeviceInfo, r *model.TestBatchResults) {
	c.mailbox.Send(completedBatch{device: d, results: r})
}
func (c *Coordinator) Returned(d model.DeviceInfo, b *model.TestBatch) {
	c.mailbox.Send(returnBatch{device: d, batch: b})
}
func (c *Coordinator) Terminated(d model.DeviceInfo) { c.mailbox.Send(deviceTerminated{device: d}) }

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	report := &Report{PoolID: c.cfg.PoolID}

	recvCtx := ctx
	var cancelDrain context.CancelFunc
	defer func() {
		if cancelDrain != nil {
			cancelDrain()
		}
	}()
	for !(c.terminating && len(c.actors) == 0) {
		msg, ok := c.mailbox.Receive(recvCtx)
		if !ok {
			if cancelDrain == nil && ctx.Err() != nil {
				c.logger.Warn().Err(ctx.Err()).Msg("pool context ended, terminating devices")
				c.beginTerminate()
				recvCtx, cancelDrain = context.WithTimeout(context.Background(), c.cfg.DrainTimeout)
				continue
			}
			c.logger.Error().Int("devices", len(c.actors)).Msg("devices did not terminate in time")
			break
		}
		c.handle(report, msg)
	}
	c.mailbox.Close()
	c.finalize(report)
	c.report = report
}

func (c *Coordinator) handle(report *Report, msg message) {
	c.logger.Debug().Str("message", msg.kind()).Msg("pool message")
	switch m := msg.(type) {
	case deviceConnected:
		c.onDeviceConnected(report, m.driver)
	case isReady:
		c.onReady(m.device)
	case completedBatch:
		c.onCompleted(report, m.device, m.results)
	case returnBatch:
		c.onReturned(report, m.device, m.batch)
	case deviceTerminated:
		c.onTerminated(report, m.device)
	case addBatches:
		for _, b := range m.batches {
			c.pending.Add(b)
		}
		c.updatePending()
		for _, a := range c.actors {
			a.Send(device.WakeUp{})
		}
	case noMoreBatches:
		c.noMore = true
	case terminatePool:
		c.beginTerminate()
	}
	c.maybeFinish()
}

func (c *Coordinator) onDeviceConnected(report *Report, driver device.Driver) {
	info := driver.Info()
	serial := info.SerialNumber
	if c.terminating {
		c.logger.Warn().Str("serial", serial).Msg("pool is terminating, rejecting device")
		driver.Dispose()
		return
	}
	if _, exists := c.actors[serial]; exists {
		c.logger.Warn().Str("serial", serial).Msg("device already in pool")
		return
	}
	actor := device.NewActor(c.cfg.PoolID, driver, c, c.cfg.Reporter, c.cfg.DeviceOptions)
	c.actors[serial] = actor
	report.Devices = append(report.Devices, serial)
	if c.cfg.Registry != nil {
		c.cfg.Registry.Connected(info)
	}
	c.setDeviceState(serial, string(device.StatusInitializing))
	actor.Start(c.ctx)
	actor.Send(device.Initialize{})
}

func (c *Coordinator) onReady(info model.DeviceInfo) {
	serial := info.SerialNumber
	if _, ok := c.actors[serial]; !ok {
		return
	}
	if batch, busy := c.inFlight[serial]; busy {
		c.logger.Debug().Str("serial", serial).Str("batch", batch.ID()).Msg("duplicate readiness ignored")
		return
	}
	c.assign(info)
}

func (c *Coordinator) assign(info model.DeviceInfo) {
	serial := info.SerialNumber
	actor, ok := c.actors[serial]
	if !ok || c.terminating {
		return
	}
	v, found := c.pending.Get(0)
	if !found {
		if c.cfg.Registry != nil {
			c.cfg.Registry.Idle(info)
		}
		c.setDeviceState(serial, string(device.StatusIdle))
		return
	}
	batch := v.(*model.TestBatch)
	c.pending.Remove(0)
	if !actor.Send(device.Execute{Batch: batch}) {
		c.pending.Prepend(batch)
		return
	}
	c.inFlight[serial] = batch
	c.updatePending()
	if c.cfg.Registry != nil {
		c.cfg.Registry.Running(info, batch)
	}
	c.setDeviceState(serial, string(device.StatusRunning))
	c.logger.Info().Str("serial", serial).Str("batch", batch.ID()).Int("tests", batch.Len()).Msg("batch assigned")
}

func (c *Coordinator) onCompleted(report *Report, info model.DeviceInfo, results *model.TestBatchResults) {
	serial := info.SerialNumber
	batch, ok := c.inFlight[serial]
	if !ok || results == nil || batch.ID() != results.BatchID {
		c.logger.Warn().Str("serial", serial).Msg("results for a batch that is not in flight, dropped")
		return
	}
	delete(c.inFlight, serial)
	if err := results.Validate(batch); err != nil {
		c.logger.Error().Err(err).Str("batch", batch.ID()).Msg("invalid batch results, treating batch as incomplete")
		results = model.IncompleteResults(info, batch)
	}
	report.Batches++
	report.merge(results)
	metrics.RecordBatch(c.cfg.PoolID, metrics.OutcomeCompleted)
	metrics.RecordBatchResults(c.cfg.PoolID, results)
	if c.cfg.Listener != nil {
		lifecycle.Safe(func() { c.cfg.Listener.BatchCompleted(c.cfg.PoolID, results) })
	}
	c.logger.Info().Str("serial", serial).Str("batch", batch.ID()).
		Int("passed", len(results.Passed)).Int("failed", len(results.Failed)).
		Int("incomplete", len(results.Incomplete)).Msg("batch completed")

	c.requeue(report, results.Incomplete)
	c.assign(info)
}

func (c *Coordinator) onReturned(report *Report, info model.DeviceInfo, batch *model.TestBatch) {
	serial := info.SerialNumber
	if current, ok := c.inFlight[serial]; ok && current.ID() == batch.ID() {
		delete(c.inFlight, serial)
	}
	report.ReturnedBatches++
	metrics.RecordBatch(c.cfg.PoolID, metrics.OutcomeReturned)
	c.returns[batch.ID()]++
	if c.returns[batch.ID()] > c.cfg.MaxBatchReturns {
		c.logger.Warn().Str("batch", batch.ID()).Int("returns", c.returns[batch.ID()]).
			Msg("batch returned too many times, retrying its tests as new batches")
		delete(c.returns, batch.ID())
		c.requeue(report, batch.Tests())
		return
	}
	c.pending.Prepend(batch)
	c.updatePending()
}

func (c *Coordinator) onTerminated(report *Report, info model.DeviceInfo) {
	serial := info.SerialNumber
	if _, ok := c.actors[serial]; !ok {
		return
	}
	delete(c.actors, serial)
	lastError := ""
	if batch, ok := c.inFlight[serial]; ok {
		delete(c.inFlight, serial)
		lastError = "device lost during batch " + batch.ID()
		report.LostBatches++
		metrics.RecordBatch(c.cfg.PoolID, metrics.OutcomeLost)
		c.logger.Warn().Str("serial", serial).Str("batch", batch.ID()).Msg("device terminated with batch in flight, requeueing all its tests")
		c.requeue(report, batch.Tests())
	}
	if c.cfg.Registry != nil {
		c.cfg.Registry.Offline(info, lastError)
	}
	c.setDeviceState(serial, "")
}

// requeue 通过重试策略决定哪些测试重新分批入队。
func (c *Coordinator) requeue(report *Report, tests []model.Test) {
	if len(tests) == 0 {
		return
	}
	if c.terminating {
		report.Incomplete = append(report.Incomplete, tests...)
		return
	}
	retry, exhausted := c.cfg.Retry.Retry(tests)
	report.Incomplete = append(report.Incomplete, exhausted...)
	report.Exhausted = append(report.Exhausted, exhausted...)
	if len(retry) == 0 {
		return
	}
	report.Retries += len(retry)
	batches := c.cfg.Batcher.Batches(retry)
	for _, b := range batches {
		c.pending.Add(b)
	}
	c.updatePending()
	c.logger.Info().Int("tests", len(retry)).Int("batches", len(batches)).Msg("requeued incomplete tests")
	for serial, a := range c.actors {
		if _, busy := c.inFlight[serial]; !busy {
			a.Send(device.WakeUp{})
		}
	}
}

func (c *Coordinator) maybeFinish() {
	if c.terminating || !c.noMore {
		return
	}
	if c.pending.Empty() && len(c.inFlight) == 0 {
		c.logger.Info().Msg("all batches finished, terminating pool")
		c.beginTerminate()
		return
	}
	if len(c.actors) == 0 {
		c.logger.Warn().Int("pending", c.pending.Size()).Msg("no devices left, terminating pool")
		c.beginTerminate()
	}
}

func (c *Coordinator) beginTerminate() {
	if c.terminating {
		return
	}
	c.terminating = true
	for _, a := range c.actors {
		a.Send(device.Terminate{})
	}
}

func (c *Coordinator) finalize(report *Report) {
	for serial, batch := range c.inFlight {
		c.logger.Warn().Str("serial", serial).Str("batch", batch.ID()).Msg("batch still in flight at shutdown")
		report.Incomplete = append(report.Incomplete, batch.Tests()...)
	}
	for _, v := range c.pending.Values() {
		report.Incomplete = append(report.Incomplete, v.(*model.TestBatch).Tests()...)
	}
	c.pending.Clear()
	c.updatePending()
	c.registrySync()
	report.sortDevices()
	c.logger.Info().Int("passed", len(report.Passed)).Int("failed", len(report.Failed)).
		Int("incomplete", len(report.Incomplete)).Int("retries", report.Retries).Msg("pool finished")
}

func (c *Coordinator) registrySync() {
	if c.cfg.Registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.cfg.Registry.Sync(ctx)
}

func (c *Coordinator) updatePending() {
	metrics.SetPendingBatches(c.cfg.PoolID, c.pending.Size())
}

func (c *Coordinator) setDeviceState(serial, state string) {
	if prev, ok := c.deviceStates[serial]; ok {
		if prev == state {
			return
		}
		metrics.AddDevice(c.cfg.PoolID, prev, -1)
	}
	if state == "" {
		delete(c.deviceStates, serial)
		return
	}
	c.deviceStates[serial] = state
	metrics.AddDevice(c.cfg.PoolID, state, 1)
}
