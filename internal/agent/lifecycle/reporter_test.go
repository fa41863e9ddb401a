package lifecycle

import (
	"sync"
	"testing"

	"github.com/httprunner/DevicePool/internal/model"
)

type countingReporter struct {
	mu      sync.Mutex
	started int
	passed  int
	failed  int
}

func (c *countingReporter) TestStarted(string, model.DeviceInfo, model.Test) {
	c.mu.Lock()
	c.started++
	c.mu.Unlock()
}

func (c *countingReporter) TestPassed(string, model.DeviceInfo, model.Test) {
	c.mu.Lock()
	c.passed++
	c.mu.Unlock()
}

func (c *countingReporter) TestFailed(string, model.DeviceInfo, model.Test) {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
}

type panickingReporter struct{}

func (panickingReporter) TestStarted(string, model.DeviceInfo, model.Test) { panic("boom") }
func (panickingReporter) TestPassed(string, model.DeviceInfo, model.Test)  { panic("boom") }
func (panickingReporter) TestFailed(string, model.DeviceInfo, model.Test)  { panic("boom") }

func TestMultiIsolatesPanics(t *testing.T) {
	counter := &countingReporter{}
	multi := Multi{panickingReporter{}, counter, Noop{}}
	test := model.Test{Clazz: "A", Method: "b"}

	multi.TestStarted("pool", model.DeviceInfo{}, test)
	multi.TestPassed("pool", model.DeviceInfo{}, test)
	multi.TestFailed("pool", model.DeviceInfo{}, test)

	if counter.started != 1 || counter.passed != 1 || counter.failed != 1 {
		t.Fatalf("unexpected counts: %+v", counter)
	}
}
