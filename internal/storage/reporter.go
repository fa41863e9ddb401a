package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Publisher 将结果行推送到外部系统（如飞书多维表格）。
type Publisher interface {
	Name() string
	PublishResults(ctx context.Context, rows []ResultRow) error
}

// ReporterOptions 控制上报节奏。
type ReporterOptions struct {
	PollInterval time.Duration
	BatchSize    int
	Timeout      time.Duration
}

func (o ReporterOptions) withDefaults() ReporterOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 30
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// Reporter 周期性地把未上报（或上报失败）的结果行推送给 Publisher。
// reported 列：0 未上报，1 成功，-1 失败待重试。
type Reporter struct {
	store     *Store
	publisher Publisher
	opts      ReporterOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReporter 构建上报器，需调用 Start。
func NewReporter(store *Store, publisher Publisher, opts ReporterOptions) *Reporter {
	r := &Reporter{store: store, publisher: publisher, opts: opts.withDefaults()}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Start 启动后台轮询。
func (r *Reporter) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Reporter) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Flush(r.ctx); err != nil && r.ctx.Err() == nil {
				log.Error().Err(err).Str("publisher", r.publisher.Name()).Msg("result reporter flush failed")
			}
		}
	}
}

// Flush 推送所有待上报行，返回成功推送的行数。
func (r *Reporter) Flush(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sent := 0
	// 每行最多尝试一次，避免持续失败时死循环。
	attempted := make(map[int64]struct{})
	for {
		rows, err := r.store.PendingResults(ctx, r.opts.BatchSize, attempted)
		if err != nil {
			return sent, err
		}
		if len(rows) == 0 {
			return sent, nil
		}
		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
			attempted[row.ID] = struct{}{}
		}
		pubCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		pubErr := r.publisher.PublishResults(pubCtx, rows)
		cancel()
		if pubErr != nil {
			log.Warn().Err(pubErr).Int("rows", len(rows)).Str("publisher", r.publisher.Name()).Msg("publish results failed")
			if err := r.store.MarkReportFailure(ctx, ids, pubErr); err != nil {
				return sent, err
			}
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			continue
		}
		if err := r.store.MarkReported(ctx, ids); err != nil {
			return sent, err
		}
		sent += len(rows)
	}
}

// Close 停止轮询并做最后一次推送。
func (r *Reporter) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.cancel()
	r.wg.Wait()
	n, err := r.Flush(ctx)
	log.Info().Int("rows", n).Str("publisher", r.publisher.Name()).Msg("result reporter closed")
	return errors.Wrap(err, "final result flush failed")
}
