package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"OpenLLM-Orchestra/internal/audit"
)

// AuditStore 把审计记录落到 MySQL。
type AuditStore struct {
	db *sql.DB
}

const auditColumns = `id, kind, service, target, correlation_id, text, payload, created_at`

// Append 实现 audit.Store。
func (s *AuditStore) Append(ctx context.Context, entry *audit.Entry) error {
	const stmt = `INSERT INTO audit_entries (` + auditColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		entry.ID, string(entry.Kind), entry.Service, entry.Target,
		entry.CorrelationID, entry.Text, nullableRaw(entry.Payload), entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入审计记录失败: %w", err)
	}
	return nil
}

// RecentByTarget 返回某个目标最近的条目，新的在前。
func (s *AuditStore) RecentByTarget(ctx context.Context, target string, kind audit.Kind, limit int) ([]*audit.Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	const query = `SELECT ` + auditColumns + ` FROM audit_entries
        WHERE target = ? AND kind = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, target, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("查询审计记录失败: %w", err)
	}
	defer rows.Close()
	return collectAuditEntries(rows)
}

// ByCorrelation 返回一次调用链路的全部条目，按时间升序。
func (s *AuditStore) ByCorrelation(ctx context.Context, correlationID string) ([]*audit.Entry, error) {
	const query = `SELECT ` + auditColumns + ` FROM audit_entries
        WHERE correlation_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("查询审计链路失败: %w", err)
	}
	defer rows.Close()
	return collectAuditEntries(rows)
}

// Close 由 Stores 统一管理连接池，这里无需操作。
func (s *AuditStore) Close() error { return nil }

func collectAuditEntries(rows *sql.Rows) ([]*audit.Entry, error) {
	var entries []*audit.Entry
	for rows.Next() {
		var entry audit.Entry
		var kind string
		var text, payload sql.NullString
		if err := rows.Scan(
			&entry.ID, &kind, &entry.Service, &entry.Target,
			&entry.CorrelationID, &text, &payload, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("解析审计记录失败: %w", err)
		}
		entry.Kind = audit.Kind(kind)
		if text.Valid {
			entry.Text = text.String
		}
		if payload.Valid {
			entry.Payload = json.RawMessage(payload.String)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历审计记录失败: %w", err)
	}
	return entries, nil
}

var _ audit.Store = (*AuditStore)(nil)
