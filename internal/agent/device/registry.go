package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/httprunner/DevicePool/internal/model"
	"github.com/rs/zerolog/log"
)

// Status 描述设备在调度中的状态，用于上报。
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusIdle         Status = "idle"
	StatusRunning      Status = "running"
	StatusOffline      Status = "offline"
)

// Registry 维护池内设备的上报状态，并与 recorder 同步。
// 它不参与调度决策，只反映协调器已经做出的决定。
type Registry struct {
	recorder     Recorder
	poolID       string
	agentVersion string
	hostUUID     string

	mu      sync.Mutex
	devices map[string]*entry
}

type entry struct {
	info      model.DeviceInfo
	status    Status
	lastSeen  time.Time
	lastError string
	batchID   string
	batchSize int
}

// NewRegistry 构建设备状态登记表，recorder 可为 nil。
func NewRegistry(recorder Recorder, poolID, agentVersion, hostUUID string) *Registry {
	return &Registry{
		recorder:     recorder,
		poolID:       poolID,
		agentVersion: agentVersion,
		hostUUID:     hostUUID,
		devices:      make(map[string]*entry),
	}
}

// Connected 登记新设备。
func (r *Registry) Connected(info model.DeviceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[info.SerialNumber] = &entry{info: info, status: StatusInitializing, lastSeen: time.Now()}
	log.Info().Str("pool", r.poolID).Str("serial", info.SerialNumber).Msg("device connected")
}

// Idle 标记设备空闲。
func (r *Registry) Idle(info model.DeviceInfo) {
	r.update(info, func(e *entry) {
		e.status = StatusIdle
		e.batchID, e.batchSize = "", 0
	})
}

// Running 标记设备正在执行 batch。
func (r *Registry) Running(info model.DeviceInfo, batch *model.TestBatch) {
	r.update(info, func(e *entry) {
		e.status = StatusRunning
		e.batchID, e.batchSize = batch.ID(), batch.Len()
	})
}

// Offline 标记设备已终止，lastError 为空表示正常下线。
func (r *Registry) Offline(info model.DeviceInfo, lastError string) {
	r.update(info, func(e *entry) {
		e.status = StatusOffline
		e.lastError = lastError
		e.batchID, e.batchSize = "", 0
	})
	log.Info().Str("pool", r.poolID).Str("serial", info.SerialNumber).Msg("device removed from pool")
}

func (r *Registry) update(info model.DeviceInfo, fn func(e *entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[info.SerialNumber]
	if !ok {
		e = &entry{}
		r.devices[info.SerialNumber] = e
	}
	e.info = info
	e.lastSeen = time.Now()
	fn(e)
}

// Status 返回设备当前登记的状态。
func (r *Registry) Status(serial string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[serial]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Snapshot 按序列号排序返回所有设备的上报内容。
func (r *Registry) Snapshot() []InfoUpdate {
	r.mu.Lock()
	updates := make([]InfoUpdate, 0, len(r.devices))
	for serial, e := range r.devices {
		updates = append(updates, InfoUpdate{
			DeviceSerial: serial,
			PoolID:       r.poolID,
			Host:         e.info.Host,
			Status:       string(e.status),
			OSType:       e.info.OperatingSystem,
			Model:        e.info.Model,
			Healthy:      e.info.Healthy,
			ProviderUUID: r.hostUUID,
			AgentVersion: r.agentVersion,
			LastError:    e.lastError,
			LastSeenAt:   e.lastSeen,
			RunningBatch: e.batchID,
			BatchSize:    e.batchSize,
		})
	}
	r.mu.Unlock()
	sort.Slice(updates, func(i, j int) bool { return updates[i].DeviceSerial < updates[j].DeviceSerial })
	return updates
}

// Sync 将快照写入 recorder，失败只记录日志。
func (r *Registry) Sync(ctx context.Context) {
	if r == nil || r.recorder == nil {
		return
	}
	updates := r.Snapshot()
	if len(updates) == 0 {
		return
	}
	if err := r.recorder.UpsertDevices(ctx, updates); err != nil {
		log.Error().Err(err).Str("pool", r.poolID).Msg("device recorder upsert failed")
	}
}
