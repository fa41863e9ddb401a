package devicepool

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/httprunner/DevicePool/internal/agent/device"
	"github.com/httprunner/DevicePool/internal/agent/lifecycle"
	"github.com/httprunner/DevicePool/internal/agent/pool"
	"github.com/httprunner/DevicePool/internal/model"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultSinkTimeout = 30 * time.Second

// ResultSink receives the final report of every pool.
type ResultSink interface {
	Name() string
	RecordReport(ctx context.Context, runID string, report *pool.Report) error
}

// BatchListenerFactory builds the per-run listener notified after every batch.
type BatchListenerFactory func(runID string) pool.BatchListener

// RunnerConfig configures every pool of a run.
type RunnerConfig struct {
	BatchSize         int
	MaxRetriesPerTest int
	// RetryQuota caps the total retries of one pool; 0 means unlimited.
	RetryQuota      int
	MaxBatchReturns int
	DrainTimeout    time.Duration
	DeviceOptions   device.Options

	Reporter  lifecycle.Reporter
	Listeners []BatchListenerFactory
	Sinks     []ResultSink
	Recorder  device.Recorder

	AgentVersion string
	HostUUID     string
	SinkTimeout  time.Duration
}

// Summary is the outcome of one Run across all pools.
type Summary struct {
	RunID   string
	Reports map[string]*pool.Report
}

// Pools returns the pool ids in sorted order.
func (s *Summary) Pools() []string {
	ids := make([]string, 0, len(s.Reports))
	for id := range s.Reports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Counts sums the final partitions of every pool.
func (s *Summary) Counts() (passed, failed, incomplete int) {
	for _, r := range s.Reports {
		passed += len(r.Passed)
		failed += len(r.Failed)
		incomplete += len(r.Incomplete)
	}
	return passed, failed, incomplete
}

// Success reports whether every test of every pool passed.
func (s *Summary) Success() bool {
	for _, r := range s.Reports {
		if !r.Success() {
			return false
		}
	}
	return len(s.Reports) > 0
}

// Runner executes the full test list on every pool concurrently.
type Runner struct {
	cfg RunnerConfig
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxRetriesPerTest < 0 {
		cfg.MaxRetriesPerTest = 0
	}
	if cfg.Reporter == nil {
		cfg.Reporter = lifecycle.LogReporter{}
	}
	if cfg.AgentVersion == "" {
		cfg.AgentVersion = Version
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	return &Runner{cfg: cfg}
}

// Run starts one coordinator per pool and blocks until all of them finish.
// Cancelling ctx terminates every pool; the partial reports are still returned.
func (r *Runner) Run(ctx context.Context, tests []model.Test, pools map[string][]device.Driver) (*Summary, error) {
	if len(tests) == 0 {
		return nil, errors.New("no tests to run")
	}
	if len(pools) == 0 {
		return nil, errors.New("no device pools")
	}
	runID := uuid.NewString()
	summary := &Summary{RunID: runID, Reports: make(map[string]*pool.Report, len(pools))}
	reports := make(chan *pool.Report, len(pools))

	log.Info().Str("run", runID).Int("tests", len(tests)).Int("pools", len(pools)).Msg("run started")
	group, gctx := errgroup.WithContext(ctx)
	for poolID, drivers := range pools {
		groupGoSafe(gctx, group, "pool "+poolID, func(ctx context.Context) error {
			report, err := r.runPool(ctx, runID, poolID, tests, drivers)
			if report != nil {
				reports <- report
			}
			return err
		})
	}
	err := group.Wait()
	if err == nil && ctx.Err() != nil {
		err = errors.Wrap(ctx.Err(), "run interrupted")
	}
	close(reports)
	for report := range reports {
		summary.Reports[report.PoolID] = report
		r.publish(runID, report)
	}

	passed, failed, incomplete := summary.Counts()
	log.Info().Str("run", runID).Int("passed", passed).Int("failed", failed).
		Int("incomplete", incomplete).Bool("success", summary.Success()).Msg("run finished")
	return summary, err
}

func (r *Runner) runPool(ctx context.Context, runID, poolID string, tests []model.Test, drivers []device.Driver) (*pool.Report, error) {
	if len(drivers) == 0 {
		log.Warn().Str("pool", poolID).Msg("pool has no devices, all tests will be incomplete")
	}
	var listener pool.BatchListener
	if len(r.cfg.Listeners) > 0 {
		fan := make(fanoutListener, 0, len(r.cfg.Listeners))
		for _, build := range r.cfg.Listeners {
			if l := build(runID); l != nil {
				fan = append(fan, l)
			}
		}
		listener = fan
	}
	var registry *device.Registry
	if r.cfg.Recorder != nil {
		registry = device.NewRegistry(r.cfg.Recorder, poolID, r.cfg.AgentVersion, r.cfg.HostUUID)
	}
	c := pool.New(pool.Config{
		PoolID:          poolID,
		Batcher:         pool.FixedSizeBatcher{Size: r.cfg.BatchSize},
		Retry:           pool.NewQuotaRetryPolicy(r.cfg.MaxRetriesPerTest, r.cfg.RetryQuota),
		Reporter:        r.cfg.Reporter,
		DeviceOptions:   r.cfg.DeviceOptions,
		MaxBatchReturns: r.cfg.MaxBatchReturns,
		DrainTimeout:    r.cfg.DrainTimeout,
		Registry:        registry,
		Listener:        listener,
	})
	c.Start(ctx)
	for _, d := range drivers {
		c.AddDevice(d)
	}
	c.Submit(tests)
	c.NoMoreBatches()

	// The coordinator drains on its own once ctx ends, bounded by DrainTimeout.
	<-c.Done()
	report := c.Report()
	if report == nil {
		return nil, errors.Errorf("pool %s finished without a report", poolID)
	}
	return report, nil
}

func (r *Runner) publish(runID string, report *pool.Report) {
	for _, sink := range r.cfg.Sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SinkTimeout)
		err := sink.RecordReport(ctx, runID, report)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("sink", sink.Name()).Str("pool", report.PoolID).Msg("record report failed")
		}
	}
}

type fanoutListener []pool.BatchListener

func (f fanoutListener) BatchCompleted(poolID string, results *model.TestBatchResults) {
	for _, l := range f {
		lifecycle.Safe(func() { l.BatchCompleted(poolID, results) })
	}
}
