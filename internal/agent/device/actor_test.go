package device

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/httprunner/DevicePool/internal/model"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type notice struct {
	kind    string
	results *model.TestBatchResults
	batch   *model.TestBatch
}

type recordingPool struct {
	ch chan notice
}

func newRecordingPool() *recordingPool {
	return &recordingPool{ch: make(chan notice, 64)}
}

func (p *recordingPool) Ready(model.DeviceInfo) { p.ch <- notice{kind: "ready"} }
func (p *recordingPool) Completed(_ model.DeviceInfo, r *model.TestBatchResults) {
	p.ch <- notice{kind: "completed", results: r}
}
func (p *recordingPool) Returned(_ model.DeviceInfo, b *model.TestBatch) {
	p.ch <- notice{kind: "returned", batch: b}
}
func (p *recordingPool) Terminated(model.DeviceInfo) { p.ch <- notice{kind: "terminated"} }

func (p *recordingPool) expect(t *testing.T, kind string) notice {
	t.Helper()
	select {
	case n := <-p.ch:
		if n.kind != kind {
			t.Fatalf("expected %s notice, got %s", kind, n.kind)
		}
		return n
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s notice", kind)
	}
	return notice{}
}

func (p *recordingPool) expectNone(t *testing.T) {
	t.Helper()
	select {
	case n := <-p.ch:
		t.Fatalf("unexpected %s notice", n.kind)
	case <-time.After(100 * time.Millisecond):
	}
}

type stubDriver struct {
	mu              sync.Mutex
	info            model.DeviceInfo
	prepareFailures int
	prepareCalls    int
	disposed        int
	execute         func(ctx context.Context, req ExecuteRequest) error
}

func (d *stubDriver) Info() model.DeviceInfo { return d.info }

func (d *stubDriver) Prepare(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prepareCalls++
	if d.prepareCalls <= d.prepareFailures {
		return errors.New("simulator not booted")
	}
	return nil
}

func (d *stubDriver) Execute(ctx context.Context, req ExecuteRequest) error {
	if d.execute == nil {
		return nil
	}
	return d.execute(ctx, req)
}

func (d *stubDriver) Dispose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disposed++
}

func (d *stubDriver) counts() (prepare, disposed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prepareCalls, d.disposed
}

var fastOptions = Options{PrepareAttempts: 30, PrepareDelay: time.Millisecond, TerminateTimeout: time.Second}

func startActor(t *testing.T, driver *stubDriver, pool *recordingPool) *Actor {
	t.Helper()
	if driver.info.SerialNumber == "" {
		driver.info = model.DeviceInfo{SerialNumber: "sim-1", Healthy: true}
	}
	a := NewActor("omni", driver, pool, nil, fastOptions)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a.Start(ctx)
	return a
}

func waitState(t *testing.T, a *Actor, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		got, err := a.State(ctx)
		cancel()
		if err == nil && got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("actor never reached %s", want)
}

func sampleBatch() *model.TestBatch {
	return model.NewBatch([]model.Test{
		{Pkg: "app", Clazz: "Flow", Method: "testA"},
		{Pkg: "app", Clazz: "Flow", Method: "testB"},
		{Pkg: "app", Clazz: "Flow", Method: "testC"},
	})
}

func TestActorPrepareSucceedsOnLastAttempt(t *testing.T) {
	pool := newRecordingPool()
	driver := &stubDriver{prepareFailures: 29}
	a := startActor(t, driver, pool)

	a.Send(Initialize{})
	pool.expect(t, "ready")
	waitState(t, a, StateReady)
	if !a.IsAvailable() {
		t.Fatal("ready actor should be available")
	}
	if calls, _ := driver.counts(); calls != 30 {
		t.Fatalf("expected 30 prepare calls, got %d", calls)
	}
}

func TestActorPrepareExhaustedTerminates(t *testing.T) {
	pool := newRecordingPool()
	driver := &stubDriver{prepareFailures: 30}
	a := startActor(t, driver, pool)

	a.Send(Initialize{})
	pool.expect(t, "terminated")
	<-a.Done()
	if calls, disposed := driver.counts(); calls != 30 || disposed != 1 {
		t.Fatalf("expected 30 prepare calls and 1 dispose, got %d and %d", calls, disposed)
	}
	if a.IsAvailable() {
		t.Fatal("terminated actor must not be available")
	}
	if a.Send(WakeUp{}) {
		t.Fatal("mailbox should be closed after termination")
	}
}

func TestActorWakeUpRenotifiesEveryTime(t *testing.T) {
	pool := newRecordingPool()
	a := startActor(t, &stubDriver{}, pool)

	a.Send(Initialize{})
	pool.expect(t, "ready")
	a.Send(WakeUp{})
	a.Send(WakeUp{})
	pool.expect(t, "ready")
	pool.expect(t, "ready")
	waitState(t, a, StateReady)
}

func TestActorExecuteDeliversResultsThenReady(t *testing.T) {
	pool := newRecordingPool()
	batch := sampleBatch()
	driver := &stubDriver{execute: func(ctx context.Context, req ExecuteRequest) error {
		tests := req.Batch.Tests()
		passed := []model.TestResult{{Test: tests[0], Status: model.StatusPassed, StartTime: 1, EndTime: 2}}
		failed := []model.TestResult{{Test: tests[1], Status: model.StatusFailure, StartTime: 2, EndTime: 3}}
		req.Result.Complete(model.NewBatchResults(model.DeviceInfo{SerialNumber: "sim-1"}, req.Batch, passed, failed))
		return nil
	}}
	a := startActor(t, driver, pool)

	a.Send(Initialize{})
	pool.expect(t, "ready")
	a.Send(Execute{Batch: batch})
	n := pool.expect(t, "completed")
	if len(n.results.Passed) != 1 || len(n.results.Failed) != 1 || len(n.results.Incomplete) != 1 {
		t.Fatalf("unexpected partition: %+v", n.results)
	}
	if err := n.results.Validate(batch); err != nil {
		t.Fatal(err)
	}
	pool.expect(t, "ready")
	waitState(t, a, StateReady)
}

func TestActorExecuteWithoutResultsReportsIncomplete(t *testing.T) {
	pool := newRecordingPool()
	batch := sampleBatch()
	a := startActor(t, &stubDriver{}, pool)

	a.Send(Initialize{})
	pool.expect(t, "ready")
	a.Send(Execute{Batch: batch})
	n := pool.expect(t, "completed")
	if len(n.results.Incomplete) != batch.Len() {
		t.Fatalf("expected whole batch incomplete, got %+v", n.results)
	}
	pool.expect(t, "ready")
}

func TestActorDeviceLostDeliversPartialResults(t *testing.T) {
	pool := newRecordingPool()
	batch := sampleBatch()
	driver := &stubDriver{execute: func(ctx context.Context, req ExecuteRequest) error {
		tests := req.Batch.Tests()
		passed := []model.TestResult{{Test: tests[0], Status: model.StatusPassed, StartTime: 1, EndTime: 2}}
		req.Result.Complete(model.NewBatchResults(model.DeviceInfo{SerialNumber: "sim-1"}, req.Batch, passed, nil))
		return Lost(errors.New("Software caused connection abort"))
	}}
	a := startActor(t, driver, pool)

	a.Send(Initialize{})
	pool.expect(t, "ready")
	a.Send(Execute{Batch: batch})
	n := pool.expect(t, "completed")
	if len(n.results.Incomplete) != 2 {
		t.Fatalf("expected 2 incomplete tests, got %+v", n.results.Incomplete)
	}
	pool.expect(t, "terminated")
	<-a.Done()
	if _, disposed := driver.counts(); disposed != 1 {
		t.Fatalf("expected a single dispose, got %d", disposed)
	}
}

func TestActorBatchFailedReturnsBatch(t *testing.T) {
	pool := newRecordingPool()
	batch := sampleBatch()
	driver := &stubDriver{execute: func(ctx context.Context, req ExecuteRequest) error {
		return BatchFailed(errors.New("xcodebuild exited with status 65"))
	}}
	a := startActor(t, driver, pool)

	a.Send(Initialize{})
	pool.expect(t, "ready")
	a.Send(Execute{Batch: batch})
	n := pool.expect(t, "returned")
	if n.batch.ID() != batch.ID() {
		t.Fatal("returned a different batch")
	}
	pool.expect(t, "ready")
	waitState(t, a, StateReady)
	if _, disposed := driver.counts(); disposed != 0 {
		t.Fatal("batch failure must not dispose the device")
	}
}

func TestActorTerminateWhileRunningCancelsTask(t *testing.T) {
	pool := newRecordingPool()
	started := make(chan struct{})
	driver := &stubDriver{execute: func(ctx context.Context, req ExecuteRequest) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	a := startActor(t, driver, pool)

	a.Send(Initialize{})
	pool.expect(t, "ready")
	a.Send(Execute{Batch: sampleBatch()})
	<-started
	a.Send(Terminate{})
	pool.expect(t, "terminated")
	pool.expectNone(t)
}

func TestActorTerminatedIgnoresWakeUpSilently(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	pool := newRecordingPool()
	a := startActor(t, &stubDriver{}, pool)
	a.Send(Terminate{})
	a.Send(WakeUp{})
	a.Send(WakeUp{})
	pool.expect(t, "terminated")
	<-a.Done()
	pool.expectNone(t)

	if strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("unexpected error log: %s", buf.String())
	}
}

func TestActorInvalidExecuteReturnsBatch(t *testing.T) {
	pool := newRecordingPool()
	a := startActor(t, &stubDriver{}, pool)
	batch := sampleBatch()

	a.Send(Execute{Batch: batch})
	n := pool.expect(t, "returned")
	if n.batch.ID() != batch.ID() {
		t.Fatal("returned a different batch")
	}
	waitState(t, a, StateConnected)
}
