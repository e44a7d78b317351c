package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/notify"
	"OpenLLM-Orchestra/internal/outbox"
)

// OutboxStore 把发件箱条目落到 MySQL。
type OutboxStore struct {
	db *sql.DB
}

const outboxColumns = `id, event_type, service, correlation_id, work_id, payload,
        status, attempts, max_attempts, next_attempt_at, last_error, dispatched_at, created_at`

// Append 实现 outbox.Store。
func (s *OutboxStore) Append(ctx context.Context, entry *outbox.Entry) error {
	if entry == nil || entry.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "发件箱条目缺少 ID")
	}
	const stmt = `INSERT INTO outbox (` + outboxColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		entry.ID, string(entry.EventType), entry.Service, entry.CorrelationID, entry.WorkID,
		nullableRaw(entry.Payload),
		string(entry.Status), entry.Attempts, entry.MaxAttempts, entry.NextAttemptAt,
		entry.LastError, entry.DispatchedAt, entry.CreatedAt,
	); err != nil {
		if isDuplicateKey(err) {
			return xerrors.New(xerrors.CodeConflict, "发件箱条目已存在")
		}
		return fmt.Errorf("写入发件箱失败: %w", err)
	}
	return nil
}

// ClaimDue 在一个事务内锁定到期条目并递增尝试计数，
// 避免并发中继重复投递同一条目。
func (s *OutboxStore) ClaimDue(ctx context.Context, now int64, limit int) ([]*outbox.Entry, error) {
	if limit <= 0 {
		limit = 32
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开启发件箱事务失败: %w", err)
	}
	defer tx.Rollback()

	const query = `SELECT ` + outboxColumns + ` FROM outbox
        WHERE status = ? AND next_attempt_at <= ?
        ORDER BY next_attempt_at ASC, id ASC LIMIT ? FOR UPDATE`
	rows, err := tx.QueryContext(ctx, query, string(outbox.StatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("查询到期发件箱条目失败: %w", err)
	}
	claimed, err := collectOutboxEntries(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	lease := now + int64((5 * time.Minute).Seconds())
	for _, entry := range claimed {
		entry.Attempts++
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET attempts = ?, next_attempt_at = ? WHERE id = ?`,
			entry.Attempts, lease, entry.ID,
		); err != nil {
			return nil, fmt.Errorf("认领发件箱条目失败: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交发件箱事务失败: %w", err)
	}
	return claimed, nil
}

// MarkDispatched 标记条目已投递。
func (s *OutboxStore) MarkDispatched(ctx context.Context, id string, at int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, dispatched_at = ?, last_error = '' WHERE id = ?`,
		string(outbox.StatusDispatched), at, id,
	)
	if err != nil {
		return fmt.Errorf("标记发件箱条目已投递失败: %w", err)
	}
	return requireOutboxRow(res)
}

// MarkFailed 记录一次投递失败并安排下一次尝试；dead 为真时进入死信。
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastError string, nextAttemptAt int64, dead bool) error {
	status := outbox.StatusPending
	if dead {
		status = outbox.StatusDead
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, last_error = ?, next_attempt_at = ? WHERE id = ?`,
		string(status), lastError, nextAttemptAt, id,
	)
	if err != nil {
		return fmt.Errorf("标记发件箱条目失败状态失败: %w", err)
	}
	return requireOutboxRow(res)
}

// Reset 把条目拉回待投递状态并清零尝试计数。
func (s *OutboxStore) Reset(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, attempts = 0, last_error = '', next_attempt_at = ? WHERE id = ?`,
		string(outbox.StatusPending), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("重置发件箱条目失败: %w", err)
	}
	return requireOutboxRow(res)
}

// Get 返回发件箱条目。
func (s *OutboxStore) Get(ctx context.Context, id string) (*outbox.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("查询发件箱条目失败: %w", err)
	}
	defer rows.Close()
	entries, err := collectOutboxEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, xerrors.New(xerrors.CodeNotFound, "发件箱条目不存在")
	}
	return entries[0], nil
}

// List 返回指定状态的条目，旧的在前。status 为空时返回全部。
func (s *OutboxStore) List(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Entry, error) {
	if limit <= 0 {
		limit = 32
	}
	query := `SELECT ` + outboxColumns + ` FROM outbox`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询发件箱列表失败: %w", err)
	}
	defer rows.Close()
	return collectOutboxEntries(rows)
}

// Close 由 Stores 统一管理连接池，这里无需操作。
func (s *OutboxStore) Close() error { return nil }

func collectOutboxEntries(rows *sql.Rows) ([]*outbox.Entry, error) {
	var entries []*outbox.Entry
	for rows.Next() {
		var entry outbox.Entry
		var eventType, status string
		var payload, lastError sql.NullString
		if err := rows.Scan(
			&entry.ID, &eventType, &entry.Service, &entry.CorrelationID, &entry.WorkID,
			&payload,
			&status, &entry.Attempts, &entry.MaxAttempts, &entry.NextAttemptAt,
			&lastError, &entry.DispatchedAt, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("解析发件箱条目失败: %w", err)
		}
		entry.EventType = notify.EventType(eventType)
		entry.Status = outbox.Status(status)
		if payload.Valid {
			entry.Payload = json.RawMessage(payload.String)
		}
		if lastError.Valid {
			entry.LastError = lastError.String
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历发件箱条目失败: %w", err)
	}
	return entries, nil
}

func requireOutboxRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if affected == 0 {
		return xerrors.New(xerrors.CodeNotFound, "发件箱条目不存在")
	}
	return nil
}

var _ outbox.Store = (*OutboxStore)(nil)
