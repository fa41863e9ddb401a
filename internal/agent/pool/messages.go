package pool

import (
	"github.com/httprunner/DevicePool/internal/agent/device"
	"github.com/httprunner/DevicePool/internal/model"
)

type message interface {
	kind() string
}

type (
	deviceConnected struct{ driver device.Driver }
	isReady         struct{ device model.DeviceInfo }
	completedBatch  struct {
		device  model.DeviceInfo
		results *model.TestBatchResults
	}
	returnBatch struct {
		device model.DeviceInfo
		batch  *model.TestBatch
	}
	deviceTerminated struct{ device model.DeviceInfo }
	addBatches       struct{ batches []*model.TestBatch }
	noMoreBatches    struct{}
	terminatePool    struct{}
)

func (deviceConnected) kind() string  { return "DeviceConnected" }
func (isReady) kind() string          { return "IsReady" }
func (completedBatch) kind() string   { return "CompletedBatch" }
func (returnBatch) kind() string      { return "ReturnBatch" }
func (deviceTerminated) kind() string { return "DeviceTerminated" }
func (addBatches) kind() string       { return "AddBatches" }
func (noMoreBatches) kind() string    { return "NoMoreBatches" }
func (terminatePool) kind() string    { return "TerminatePool" }
