package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/httprunner/DevicePool/internal/model"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const MetricsNamespace = "devicepool"

// batch outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeReturned  = "returned"
	OutcomeLost      = "lost"
)

var (
	testEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "test_events_total",
		Help:      "Count of live test progress events",
	}, []string{
		"pool",
		"event",
	})

	testsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tests_total",
		Help:      "Count of test outcomes merged into the pool report",
	}, []string{
		"pool",
		"status",
	})

	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "batches_total",
		Help:      "Count of batch attempts by outcome",
	}, []string{
		"pool",
		"outcome",
	})

	devices = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "devices",
		Help:      "Number of devices per state",
	}, []string{
		"pool",
		"state",
	})

	pendingBatches = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "pending_batches",
		Help:      "Number of batches waiting for a device",
	}, []string{
		"pool",
	})

	testDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "test_duration_seconds",
		Help:      "Duration of reported tests",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{
		"pool",
		"status",
	})
)

// RecordBatchResults counts the outcomes of one delivered batch.
func RecordBatchResults(pool string, results *model.TestBatchResults) {
	if results == nil {
		return
	}
	for _, r := range results.Passed {
		testsTotal.WithLabelValues(pool, string(model.StatusPassed)).Inc()
		testDuration.WithLabelValues(pool, string(model.StatusPassed)).Observe(float64(r.DurationMillis()) / 1000)
	}
	for _, r := range results.Failed {
		testsTotal.WithLabelValues(pool, string(model.StatusFailure)).Inc()
		testDuration.WithLabelValues(pool, string(model.StatusFailure)).Observe(float64(r.DurationMillis()) / 1000)
	}
	testsTotal.WithLabelValues(pool, "INCOMPLETE").Add(float64(len(results.Incomplete)))
}

func RecordBatch(pool, outcome string) {
	batchesTotal.WithLabelValues(pool, outcome).Inc()
}

func AddDevice(pool, state string, delta float64) {
	devices.WithLabelValues(pool, state).Add(delta)
}

func SetPendingBatches(pool string, n int) {
	pendingBatches.WithLabelValues(pool).Set(float64(n))
}

// Reporter counts live progress events; it never blocks.
type Reporter struct{}

func (Reporter) TestStarted(poolID string, _ model.DeviceInfo, _ model.Test) {
	testEventsTotal.WithLabelValues(poolID, "started").Inc()
}

func (Reporter) TestPassed(poolID string, _ model.DeviceInfo, _ model.Test) {
	testEventsTotal.WithLabelValues(poolID, "passed").Inc()
}

func (Reporter) TestFailed(poolID string, _ model.DeviceInfo, _ model.Test) {
	testEventsTotal.WithLabelValues(poolID, "failed").Inc()
}

// Serve exposes /metrics on addr until ctx ends.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "metrics server failed")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown metrics server")
		}
		return nil
	}
}
