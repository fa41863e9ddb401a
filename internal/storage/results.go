package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/httprunner/DevicePool/internal/agent/pool"
	"github.com/httprunner/DevicePool/internal/logparser"
	"github.com/httprunner/DevicePool/internal/model"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const writeTimeout = 10 * time.Second

// ResultRow 是 test_results 表中的一次测试尝试。
type ResultRow struct {
	ID             int64
	RunID          string
	PoolID         string
	BatchID        string
	DeviceSerial   string
	DeviceHost     string
	TestID         string
	Target         string
	Class          string
	Method         string
	Status         string
	StartMillis    int64
	EndMillis      int64
	DurationMillis int64
	Log            string
	CreatedAt      int64
}

// BatchWriter 将每个完成的批次写入 test_results，实现 pool.BatchListener。
type BatchWriter struct {
	store *Store
	runID string
}

// Batches 返回绑定 runID 的批次写入器。
func (s *Store) Batches(runID string) *BatchWriter {
	return &BatchWriter{store: s, runID: runID}
}

// BatchCompleted 在池的事件循环中同步调用，写入失败只记录日志。
func (w *BatchWriter) BatchCompleted(poolID string, results *model.TestBatchResults) {
	if w == nil || w.store == nil || results == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	rows := rowsFromBatch(w.runID, poolID, results, time.Now().UnixMilli())
	if err := w.store.InsertResults(ctx, rows); err != nil {
		log.Error().Err(err).Str("pool", poolID).Str("batch", results.BatchID).Msg("storage: write batch results failed")
	}
}

func rowsFromBatch(runID, poolID string, results *model.TestBatchResults, now int64) []ResultRow {
	rows := make([]ResultRow, 0, len(results.Passed)+len(results.Failed)+len(results.Incomplete))
	base := ResultRow{
		RunID:        runID,
		PoolID:       poolID,
		BatchID:      results.BatchID,
		DeviceSerial: results.Device.SerialNumber,
		DeviceHost:   results.Device.Host,
		CreatedAt:    now,
	}
	add := func(t model.Test, status string, r *model.TestResult) {
		row := base
		row.TestID = t.ID()
		row.Target = testTarget(t)
		row.Class = t.Clazz
		row.Method = t.Method
		row.Status = status
		if r != nil {
			row.StartMillis = r.StartTime
			row.EndMillis = r.EndTime
			row.DurationMillis = r.DurationMillis()
			row.Log = r.Log
			if r.Device.SerialNumber != "" {
				row.DeviceSerial = r.Device.SerialNumber
			}
		}
		rows = append(rows, row)
	}
	for i := range results.Passed {
		add(results.Passed[i].Test, string(pool.OutcomePassed), &results.Passed[i])
	}
	for i := range results.Failed {
		add(results.Failed[i].Test, string(pool.OutcomeFailed), &results.Failed[i])
	}
	for _, t := range results.Incomplete {
		add(t, string(pool.OutcomeIncomplete), nil)
	}
	return rows
}

func testTarget(t model.Test) string {
	if v, ok := t.MetaValue(logparser.MetaTarget); ok && v != "" {
		return v
	}
	return t.Pkg
}

// InsertResults 在一个事务中写入多行结果。
func (s *Store) InsertResults(ctx context.Context, rows []ResultRow) (err error) {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "storage: begin results tx failed")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+quoteIdent(resultsTable)+` (
		run_id, pool_id, batch_id, device_serial, device_host, test_id, target, class, method,
		status, start_ms, end_ms, duration_ms, log, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "storage: prepare results insert failed")
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err = stmt.ExecContext(ctx,
			r.RunID, r.PoolID, r.BatchID, r.DeviceSerial, r.DeviceHost, r.TestID, r.Target, r.Class, r.Method,
			r.Status, nullableMillis(r.StartMillis), nullableMillis(r.EndMillis), r.DurationMillis, r.Log, r.CreatedAt,
		); err != nil {
			return errors.Wrapf(err, "storage: insert result %s failed", r.TestID)
		}
	}
	return errors.Wrap(tx.Commit(), "storage: commit results failed")
}

// Results 按写入顺序返回某次运行的所有结果。
func (s *Store) Results(ctx context.Context, runID string) ([]ResultRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+resultColumns+` FROM `+quoteIdent(resultsTable)+
		` WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query results failed")
	}
	defer rows.Close()
	return scanResults(rows)
}

const resultColumns = `id, run_id, pool_id, batch_id, device_serial, device_host, test_id, target, class, method,
	status, start_ms, end_ms, duration_ms, log, created_at`

func scanResults(rows *sql.Rows) ([]ResultRow, error) {
	var out []ResultRow
	for rows.Next() {
		var (
			r                                 ResultRow
			serial, host, target, class, meth sql.NullString
			logText                           sql.NullString
			start, end, duration              sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.PoolID, &r.BatchID, &serial, &host, &r.TestID, &target, &class, &meth,
			&r.Status, &start, &end, &duration, &logText, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "storage: scan result row failed")
		}
		r.DeviceSerial = strings.TrimSpace(serial.String)
		r.DeviceHost = host.String
		r.Target = target.String
		r.Class = class.String
		r.Method = meth.String
		r.StartMillis = start.Int64
		r.EndMillis = end.Int64
		r.DurationMillis = duration.Int64
		r.Log = logText.String
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "storage: iterate result rows failed")
}

func nullableMillis(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// RecordReport 写入池的最终汇总，实现结果 sink。
func (s *Store) RecordReport(ctx context.Context, runID string, report *pool.Report) error {
	if report == nil {
		return nil
	}
	stmt := `INSERT INTO ` + quoteIdent(runsTable) + ` (
		run_id, pool_id, passed, failed, incomplete, exhausted, batches, returned_batches, lost_batches,
		retries, devices, success, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	err := s.exec(ctx, stmt,
		runID, report.PoolID, len(report.Passed), len(report.Failed), len(report.Incomplete), len(report.Exhausted),
		report.Batches, report.ReturnedBatches, report.LostBatches, report.Retries,
		strings.Join(report.Devices, ","), boolInt(report.Success()), time.Now().UnixMilli())
	return errors.Wrapf(err, "storage: record report for pool %s failed", report.PoolID)
}

// RunSummary 是 pool_runs 表中的一行。
type RunSummary struct {
	RunID      string
	PoolID     string
	Passed     int
	Failed     int
	Incomplete int
	Exhausted  int
	Retries    int
	Devices    []string
	Success    bool
}

// Runs 返回某次运行记录的池汇总。
func (s *Store) Runs(ctx context.Context, runID string) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, pool_id, passed, failed, incomplete, exhausted, retries, devices, success
		FROM `+quoteIdent(runsTable)+` WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query runs failed")
	}
	defer rows.Close()
	var out []RunSummary
	for rows.Next() {
		var (
			r       RunSummary
			devices sql.NullString
			success int
		)
		if err := rows.Scan(&r.RunID, &r.PoolID, &r.Passed, &r.Failed, &r.Incomplete, &r.Exhausted, &r.Retries, &devices, &success); err != nil {
			return nil, errors.Wrap(err, "storage: scan run row failed")
		}
		if devices.String != "" {
			r.Devices = strings.Split(devices.String, ",")
		}
		r.Success = success == 1
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "storage: iterate run rows failed")
}
