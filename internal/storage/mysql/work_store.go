package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"OpenLLM-Orchestra/internal/dispatch"
	xerrors "OpenLLM-Orchestra/internal/errors"
)

// WorkStore 把执行单元状态落到 MySQL。
type WorkStore struct {
	db *sql.DB
}

const workColumns = `id, service, correlation_id, payload, metadata, backend, priority, run_after,
        status, attempts, max_retries, last_error, error_code, result, created_at, updated_at`

// Create 实现 dispatch.Store。
func (s *WorkStore) Create(ctx context.Context, work *dispatch.Work) error {
	if work == nil || work.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行单元 ID 不能为空")
	}
	now := time.Now().Unix()
	if work.CreatedAt == 0 {
		work.CreatedAt = now
	}
	work.UpdatedAt = now

	metadata, err := encodeJSON(work.Metadata)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO work (` + workColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		work.ID, work.Service, work.CorrelationID,
		nullableRaw(work.Payload), metadata,
		work.Backend, work.Priority, work.RunAfter,
		string(work.Status), work.Attempts, work.MaxRetries,
		work.LastError, work.ErrorCode, nullableRaw(work.Result),
		work.CreatedAt, work.UpdatedAt,
	); err != nil {
		if isDuplicateKey(err) {
			return dispatch.ErrWorkConflict
		}
		return fmt.Errorf("写入执行单元失败: %w", err)
	}
	return nil
}

// Get 返回执行单元。
func (s *WorkStore) Get(ctx context.Context, id string) (*dispatch.Work, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workColumns+` FROM work WHERE id = ?`, id)
	work, err := scanWork(row)
	if err == sql.ErrNoRows {
		return nil, dispatch.ErrWorkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询执行单元失败: %w", err)
	}
	return work, nil
}

// Claim 在一个事务内锁行并推进状态，避免并发工作协程重复执行。
func (s *WorkStore) Claim(ctx context.Context, id string) (*dispatch.Work, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开启认领事务失败: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+workColumns+` FROM work WHERE id = ? FOR UPDATE`, id)
	work, err := scanWork(row)
	if err == sql.ErrNoRows {
		return nil, dispatch.ErrWorkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询执行单元失败: %w", err)
	}

	switch work.Status {
	case dispatch.StatusSucceeded:
		return work, dispatch.ErrWorkCompleted
	case dispatch.StatusRunning:
		return work, dispatch.ErrWorkConflict
	}
	if work.Attempts >= work.MaxRetries {
		return work, dispatch.ErrWorkExhausted
	}

	work.Status = dispatch.StatusRunning
	work.Attempts++
	work.LastError = ""
	work.ErrorCode = ""
	work.UpdatedAt = time.Now().Unix()
	if _, err := tx.ExecContext(ctx,
		`UPDATE work SET status = ?, attempts = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`,
		string(work.Status), work.Attempts, work.UpdatedAt, id,
	); err != nil {
		return nil, fmt.Errorf("认领执行单元失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交认领事务失败: %w", err)
	}
	return work, nil
}

// MarkSucceeded 记录成功结果。
func (s *WorkStore) MarkSucceeded(ctx context.Context, id string, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work SET status = ?, result = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`,
		string(dispatch.StatusSucceeded), nullableRaw(result), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("标记执行单元成功失败: %w", err)
	}
	return requireRow(res)
}

// MarkFailed 标记执行单元失败。terminal 为假时状态回到 planned 等待重试。
func (s *WorkStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := dispatch.StatusPlanned
	if terminal {
		status = dispatch.StatusFailed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE work SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, string(code), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("标记执行单元失败状态失败: %w", err)
	}
	return requireRow(res)
}

// List 返回符合过滤条件的执行单元。
func (s *WorkStore) List(ctx context.Context, opts dispatch.ListOptions) ([]*dispatch.Work, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	where, args := buildWorkFilters(opts)
	order := "DESC"
	if opts.Order == dispatch.SortByUpdatedAsc {
		order = "ASC"
	}
	query := `SELECT ` + workColumns + ` FROM work` + where +
		` ORDER BY updated_at ` + order + `, created_at ` + order + `, id ASC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询执行单元列表失败: %w", err)
	}
	defer rows.Close()

	var works []*dispatch.Work
	for rows.Next() {
		work, err := scanWork(rows)
		if err != nil {
			return nil, fmt.Errorf("解析执行单元失败: %w", err)
		}
		works = append(works, work)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历执行单元失败: %w", err)
	}
	return works, nil
}

// Stats 统计符合过滤条件的执行单元。
func (s *WorkStore) Stats(ctx context.Context, opts dispatch.ListOptions) (dispatch.WorkStats, error) {
	where, args := buildWorkFilters(opts)
	query := `SELECT status, COUNT(*), COALESCE(MIN(updated_at), 0), COALESCE(MAX(updated_at), 0)
        FROM work` + where + ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return dispatch.WorkStats{}, fmt.Errorf("统计执行单元失败: %w", err)
	}
	defer rows.Close()

	stats := dispatch.WorkStats{}
	for rows.Next() {
		var status string
		var count int
		var oldest, newest int64
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return dispatch.WorkStats{}, fmt.Errorf("解析统计结果失败: %w", err)
		}
		stats.Total += count
		switch dispatch.Status(status) {
		case dispatch.StatusPlanned:
			stats.Planned = count
		case dispatch.StatusEnqueued:
			stats.Enqueued = count
		case dispatch.StatusRunning:
			stats.Running = count
		case dispatch.StatusSucceeded:
			stats.Succeeded = count
		case dispatch.StatusFailed:
			stats.Failed = count
		}
		if newest > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest
		}
		if stats.OldestUpdatedAt == 0 || (oldest != 0 && oldest < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = oldest
		}
	}
	if err := rows.Err(); err != nil {
		return dispatch.WorkStats{}, fmt.Errorf("遍历统计结果失败: %w", err)
	}
	return stats, nil
}

// Close 由 Stores 统一管理连接池，这里无需操作。
func (s *WorkStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWork(row rowScanner) (*dispatch.Work, error) {
	var work dispatch.Work
	var payload, metadata, result sql.NullString
	var status string
	if err := row.Scan(
		&work.ID, &work.Service, &work.CorrelationID,
		&payload, &metadata,
		&work.Backend, &work.Priority, &work.RunAfter,
		&status, &work.Attempts, &work.MaxRetries,
		&work.LastError, &work.ErrorCode, &result,
		&work.CreatedAt, &work.UpdatedAt,
	); err != nil {
		return nil, err
	}
	work.Status = dispatch.Status(status)
	if payload.Valid {
		work.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		work.Result = json.RawMessage(result.String)
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &work.Metadata)
	}
	return &work, nil
}

func buildWorkFilters(opts dispatch.ListOptions) (string, []any) {
	var clauses []string
	var args []any
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(opts.Services) > 0 {
		placeholders := make([]string, len(opts.Services))
		for i, service := range opts.Services {
			placeholders[i] = "?"
			args = append(args, service)
		}
		clauses = append(clauses, "service IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			clauses = append(clauses, "result IS NOT NULL")
		} else {
			clauses = append(clauses, "result IS NULL")
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func encodeJSON(value map[string]any) (any, error) {
	if value == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("序列化 JSON 字段失败: %w", err)
	}
	return string(encoded), nil
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func isDuplicateKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Duplicate entry")
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if affected == 0 {
		return dispatch.ErrWorkNotFound
	}
	return nil
}

var _ dispatch.Store = (*WorkStore)(nil)
