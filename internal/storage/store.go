package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/httprunner/DevicePool/internal/config"
	"github.com/httprunner/DevicePool/internal/retry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	resultsTable = "test_results"
	devicesTable = "devices"
	runsTable    = "pool_runs"

	reportedColumn    = "reported"
	reportedAtColumn  = "reported_at"
	reportErrorColumn = "report_error"

	busyAttempts = 3
	busyDelay    = 200 * time.Millisecond
)

// pragmas are applied through the DSN so every pooled connection gets them.
// busy_timeout is long because the reporter and the batch writer share the file.
var pragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"busy_timeout(60000)",
}

// Store 持久化测试结果、设备状态与池的汇总。
type Store struct {
	db   *sql.DB
	path string
}

// Open 打开（或创建）sqlite 数据库并迁移到最新 schema。
// path 为空时使用 ResolveDatabasePath；"file:" 开头的 URI 原样交给驱动。
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	switch {
	case path == "":
		resolved, err := ResolveDatabasePath()
		if err != nil {
			return nil, err
		}
		path = resolved
	case !strings.HasPrefix(path, "file:"):
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "storage: create database dir")
		}
	}
	db, err := sql.Open("sqlite", withPragmas(path))
	if err != nil {
		return nil, errors.Wrap(err, "storage: open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("storage: sqlite ready")
	return &Store{db: db, path: path}, nil
}

func withPragmas(path string) string {
	var b strings.Builder
	b.WriteString(path)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// Name 返回数据库路径。
func (s *Store) Name() string {
	if s == nil || s.path == "" {
		return "sqlite"
	}
	return s.path
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return errors.Wrap(s.db.Close(), "storage: close sqlite")
}

// ResolveDatabasePath 返回 DEVICEPOOL_DB_PATH，未设置时为 ~/.devicepool/results.sqlite，
// 并确保父目录存在。
func ResolveDatabasePath() (string, error) {
	path := config.String(config.EnvDBPath, "")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "storage: locate home dir")
		}
		path = filepath.Join(home, ".devicepool", "results.sqlite")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "storage: create database dir")
	}
	return path, nil
}

// migrations[i] upgrades the schema from user_version i to i+1.
var migrations = []string{
	`CREATE TABLE test_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		pool_id TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		device_serial TEXT,
		device_host TEXT,
		test_id TEXT NOT NULL,
		target TEXT,
		class TEXT,
		method TEXT,
		status TEXT NOT NULL,
		start_ms INTEGER,
		end_ms INTEGER,
		duration_ms INTEGER,
		log TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX idx_test_results_run ON test_results (run_id, pool_id);
	CREATE TABLE devices (
		serial TEXT PRIMARY KEY,
		pool_id TEXT,
		host TEXT,
		status TEXT,
		os_type TEXT,
		model TEXT,
		healthy INTEGER,
		provider_uuid TEXT,
		agent_version TEXT,
		last_error TEXT,
		running_batch TEXT,
		batch_size INTEGER,
		last_seen_at INTEGER
	);
	CREATE TABLE pool_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		pool_id TEXT NOT NULL,
		passed INTEGER,
		failed INTEGER,
		incomplete INTEGER,
		exhausted INTEGER,
		batches INTEGER,
		returned_batches INTEGER,
		lost_batches INTEGER,
		retries INTEGER,
		devices TEXT,
		success INTEGER,
		finished_at INTEGER NOT NULL
	);`,
	// reported: 0 pending, 1 published, -1 failed and waiting for another attempt.
	`ALTER TABLE test_results ADD COLUMN reported INTEGER NOT NULL DEFAULT 0;
	ALTER TABLE test_results ADD COLUMN reported_at INTEGER;
	ALTER TABLE test_results ADD COLUMN report_error TEXT;
	CREATE INDEX idx_test_results_reported ON test_results (reported, id);`,
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return errors.Wrap(err, "storage: read schema version")
	}
	if version > len(migrations) {
		return errors.Errorf("storage: schema version %d is newer than this binary (%d)", version, len(migrations))
	}
	for v := version; v < len(migrations); v++ {
		tx, err := db.Begin()
		if err != nil {
			return errors.Wrap(err, "storage: begin migration")
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "storage: migrate schema to v%d", v+1)
		}
		// PRAGMA does not accept bind parameters.
		if _, err := tx.Exec(`PRAGMA user_version = ` + strconv.Itoa(v+1)); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "storage: bump schema version")
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "storage: commit migration v%d", v+1)
		}
		log.Debug().Int("version", v+1).Msg("storage: schema migrated")
	}
	return nil
}

// exec retries statements that hit SQLITE_BUSY despite busy_timeout.
func (s *Store) exec(ctx context.Context, stmt string, args ...any) error {
	return retry.Do(ctx, busyAttempts, busyDelay, func(ctx context.Context, _ int) error {
		_, err := s.db.ExecContext(ctx, stmt, args...)
		if err != nil && !isSQLiteBusy(err) {
			return retry.Stop(err)
		}
		return err
	})
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
