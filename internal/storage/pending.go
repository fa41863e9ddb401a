package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// PendingResults 返回 reported 为 0 或 -1 的行，跳过 exclude 中的 id。
func (s *Store) PendingResults(ctx context.Context, limit int, exclude map[int64]struct{}) ([]ResultRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s IN (0, -1)`, resultColumns, quoteIdent(resultsTable), quoteIdent(reportedColumn))
	args := make([]any, 0, len(exclude)+1)
	if len(exclude) > 0 {
		marks := make([]string, 0, len(exclude))
		for id := range exclude {
			marks = append(marks, "?")
			args = append(args, id)
		}
		query += " AND id NOT IN (" + strings.Join(marks, ",") + ")"
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query pending results failed")
	}
	defer rows.Close()
	return scanResults(rows)
}

// MarkReported 标记行已成功上报。
func (s *Store) MarkReported(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`UPDATE %s SET %s=1, %s=?, %s=NULL WHERE id IN (%s)`,
		quoteIdent(resultsTable), quoteIdent(reportedColumn), quoteIdent(reportedAtColumn), quoteIdent(reportErrorColumn), placeholders(len(ids)))
	args := append([]any{time.Now().UnixMilli()}, idArgs(ids)...)
	return errors.Wrap(s.exec(ctx, stmt, args...), "storage: mark results reported")
}

// MarkReportFailure 标记行上报失败，下次轮询重试。
func (s *Store) MarkReportFailure(ctx context.Context, ids []int64, cause error) error {
	if len(ids) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`UPDATE %s SET %s=-1, %s=?, %s=? WHERE id IN (%s)`,
		quoteIdent(resultsTable), quoteIdent(reportedColumn), quoteIdent(reportedAtColumn), quoteIdent(reportErrorColumn), placeholders(len(ids)))
	args := append([]any{time.Now().UnixMilli(), truncateError(cause)}, idArgs(ids)...)
	return errors.Wrap(s.exec(ctx, stmt, args...), "storage: mark results failed")
}

// ReportState 返回某行的 reported 值与错误信息。
func (s *Store) ReportState(ctx context.Context, id int64) (int, string, error) {
	var (
		state  int
		reason *string
	)
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s, %s FROM %s WHERE id = ?`,
		quoteIdent(reportedColumn), quoteIdent(reportErrorColumn), quoteIdent(resultsTable)), id).Scan(&state, &reason)
	if err != nil {
		return 0, "", errors.Wrap(err, "storage: query report state failed")
	}
	if reason == nil {
		return state, "", nil
	}
	return state, *reason, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []int64) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= 512 {
		return msg
	}
	return msg[:512]
}
