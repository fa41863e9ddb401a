package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/httprunner/DevicePool/internal/agent/device"
	"github.com/pkg/errors"
)

// UpsertDevices 以序列号为主键写入设备状态，实现 device.Recorder。
func (s *Store) UpsertDevices(ctx context.Context, devices []device.InfoUpdate) error {
	stmt := `INSERT INTO ` + quoteIdent(devicesTable) + ` (
		serial, pool_id, host, status, os_type, model, healthy, provider_uuid, agent_version,
		last_error, running_batch, batch_size, last_seen_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(serial) DO UPDATE SET
		pool_id=excluded.pool_id,
		host=excluded.host,
		status=excluded.status,
		os_type=excluded.os_type,
		model=excluded.model,
		healthy=excluded.healthy,
		provider_uuid=excluded.provider_uuid,
		agent_version=excluded.agent_version,
		last_error=excluded.last_error,
		running_batch=excluded.running_batch,
		batch_size=excluded.batch_size,
		last_seen_at=excluded.last_seen_at`
	for _, d := range devices {
		if d.DeviceSerial == "" {
			continue
		}
		seen := d.LastSeenAt
		if seen.IsZero() {
			seen = time.Now()
		}
		if err := s.exec(ctx, stmt,
			d.DeviceSerial, d.PoolID, d.Host, d.Status, d.OSType, d.Model, boolInt(d.Healthy), d.ProviderUUID,
			d.AgentVersion, d.LastError, d.RunningBatch, d.BatchSize, seen.UnixMilli(),
		); err != nil {
			return errors.Wrapf(err, "storage: upsert device %s failed", d.DeviceSerial)
		}
	}
	return nil
}

// Device 读取单个设备的最新状态。
func (s *Store) Device(ctx context.Context, serial string) (device.InfoUpdate, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT serial, pool_id, host, status, os_type, model, healthy,
		provider_uuid, agent_version, last_error, running_batch, batch_size, last_seen_at
		FROM `+quoteIdent(devicesTable)+` WHERE serial = ?`, serial)
	var (
		d                                 device.InfoUpdate
		pool, host, status, osType, model sql.NullString
		provider, version, lastErr, batch sql.NullString
		healthy, batchSize, lastSeen      sql.NullInt64
	)
	err := row.Scan(&d.DeviceSerial, &pool, &host, &status, &osType, &model, &healthy,
		&provider, &version, &lastErr, &batch, &batchSize, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return device.InfoUpdate{}, false, nil
	}
	if err != nil {
		return device.InfoUpdate{}, false, errors.Wrap(err, "storage: query device failed")
	}
	d.PoolID = pool.String
	d.Host = host.String
	d.Status = status.String
	d.OSType = osType.String
	d.Model = model.String
	d.Healthy = healthy.Int64 == 1
	d.ProviderUUID = provider.String
	d.AgentVersion = version.String
	d.LastError = lastErr.String
	d.RunningBatch = batch.String
	d.BatchSize = int(batchSize.Int64)
	if lastSeen.Valid {
		d.LastSeenAt = time.UnixMilli(lastSeen.Int64)
	}
	return d, true, nil
}
