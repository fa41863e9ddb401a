package pool

import (
	"sync"

	"github.com/httprunner/DevicePool/internal/model"
)

// Batcher 将待执行测试分组为批次，返回顺序即调度顺序。
type Batcher interface {
	Batches(tests []model.Test) []*model.TestBatch
}

// RetryPolicy 决定未完成的测试是否重新排队。
type RetryPolicy interface {
	Retry(tests []model.Test) (retry, exhausted []model.Test)
}

// FixedSizeBatcher 按原顺序每 Size 个测试一批。
type FixedSizeBatcher struct {
	Size int
}

func (b FixedSizeBatcher) Batches(tests []model.Test) []*model.TestBatch {
	size := b.Size
	if size <= 0 {
		size = 1
	}
	batches := make([]*model.TestBatch, 0, (len(tests)+size-1)/size)
	for start := 0; start < len(tests); start += size {
		end := start + size
		if end > len(tests) {
			end = len(tests)
		}
		batches = append(batches, model.NewBatch(tests[start:end]))
	}
	return batches
}

// QuotaRetryPolicy 限制单个测试的重试次数以及整个池的重试总量。
// TotalQuota <= 0 表示不限总量。
type QuotaRetryPolicy struct {
	MaxRetriesPerTest int
	TotalQuota        int

	mu       sync.Mutex
	attempts map[string]int
	used     int
}

func NewQuotaRetryPolicy(maxRetriesPerTest, totalQuota int) *QuotaRetryPolicy {
	return &QuotaRetryPolicy{MaxRetriesPerTest: maxRetriesPerTest, TotalQuota: totalQuota}
}

func (p *QuotaRetryPolicy) Retry(tests []model.Test) (retry, exhausted []model.Test) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attempts == nil {
		p.attempts = make(map[string]int)
	}
	for _, t := range tests {
		id := t.ID()
		if p.attempts[id] >= p.MaxRetriesPerTest || (p.TotalQuota > 0 && p.used >= p.TotalQuota) {
			exhausted = append(exhausted, t)
			continue
		}
		p.attempts[id]++
		p.used++
		retry = append(retry, t)
	}
	return retry, exhausted
}

// Used 返回已消耗的重试次数。
func (p *QuotaRetryPolicy) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}
