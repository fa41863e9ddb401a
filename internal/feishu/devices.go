package feishu

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/DevicePool/internal/agent/device"
	"github.com/rs/zerolog/log"
)

// DeviceFields lists the column names of the device status table.
type DeviceFields struct {
	Serial       string
	Pool         string
	Host         string
	Status       string
	OSType       string
	Model        string
	Healthy      string
	ProviderUUID string
	AgentVersion string
	LastError    string
	RunningBatch string
	BatchSize    string
	LastSeenAt   string
}

// DefaultDeviceFields matches the device table template.
var DefaultDeviceFields = DeviceFields{
	Serial:       "DeviceSerial",
	Pool:         "Pool",
	Host:         "Host",
	Status:       "Status",
	OSType:       "OSType",
	Model:        "Model",
	Healthy:      "Healthy",
	ProviderUUID: "ProviderUUID",
	AgentVersion: "AgentVersion",
	LastError:    "LastError",
	RunningBatch: "RunningBatch",
	BatchSize:    "BatchSize",
	LastSeenAt:   "LastSeenAt",
}

// DeviceRecorder upserts device status rows keyed by serial, implementing device.Recorder.
type DeviceRecorder struct {
	client *Client
	url    string
	fields DeviceFields

	mu        sync.Mutex
	recordIDs map[string]string
}

// NewDeviceRecorder returns nil when url is empty.
func NewDeviceRecorder(client *Client, rawURL string) (*DeviceRecorder, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" || client == nil {
		return nil, nil
	}
	if _, err := ParseBitableURL(rawURL); err != nil {
		return nil, err
	}
	return &DeviceRecorder{
		client:    client,
		url:       rawURL,
		fields:    DefaultDeviceFields,
		recordIDs: make(map[string]string),
	}, nil
}

// UpsertDevices 逐台写入设备状态，单台失败只记日志，ctx 取消时提前返回。
func (r *DeviceRecorder) UpsertDevices(ctx context.Context, devices []device.InfoUpdate) error {
	if len(devices) == 0 {
		return nil
	}
	table, err := r.client.OpenTable(ctx, r.url)
	if err != nil {
		return err
	}
	for _, d := range devices {
		serial := strings.TrimSpace(d.DeviceSerial)
		if serial == "" {
			log.Warn().Str("status", d.Status).Msg("feishu recorder: skip device without serial")
			continue
		}
		if err := r.upsert(ctx, table, serial, r.payload(d)); err != nil {
			log.Error().Err(err).Str("serial", serial).Str("status", d.Status).Msg("feishu recorder: upsert device failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// upsert 优先使用缓存的 record id，其次按序列号查找，都没有时新建一行。
func (r *DeviceRecorder) upsert(ctx context.Context, table *Table, serial string, fields map[string]any) error {
	r.mu.Lock()
	recordID := r.recordIDs[serial]
	r.mu.Unlock()

	if recordID == "" {
		id, found, err := table.FindByField(ctx, r.fields.Serial, serial)
		if err != nil {
			return err
		}
		if found {
			recordID = id
		}
	}
	if recordID == "" {
		id, err := table.Insert(ctx, fields)
		if err != nil {
			return err
		}
		recordID = id
	} else if err := table.Patch(ctx, recordID, fields); err != nil {
		return err
	}

	r.mu.Lock()
	r.recordIDs[serial] = recordID
	r.mu.Unlock()
	return nil
}

func (r *DeviceRecorder) payload(d device.InfoUpdate) map[string]any {
	f := r.fields
	seen := d.LastSeenAt
	if seen.IsZero() {
		seen = time.Now()
	}
	out := map[string]any{
		f.Serial:       d.DeviceSerial,
		f.Status:       d.Status,
		f.Healthy:      d.Healthy,
		f.LastSeenAt:   seen.UnixMilli(),
		f.LastError:    d.LastError,
		f.RunningBatch: d.RunningBatch,
		f.BatchSize:    d.BatchSize,
	}
	addOptional(out, f.Pool, d.PoolID)
	addOptional(out, f.Host, d.Host)
	addOptional(out, f.OSType, d.OSType)
	addOptional(out, f.Model, d.Model)
	addOptional(out, f.ProviderUUID, d.ProviderUUID)
	addOptional(out, f.AgentVersion, d.AgentVersion)
	return out
}
