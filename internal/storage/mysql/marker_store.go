package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"OpenLLM-Orchestra/internal/codec"
)

// MarkerStore 把编解码幂等标记落到 MySQL。
type MarkerStore struct {
	db *sql.DB
}

// Seen 实现 codec.MarkerStore。
func (s *MarkerStore) Seen(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM codec_markers WHERE marker = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("查询幂等标记失败: %w", err)
	}
	return true, nil
}

// Mark 写入幂等标记，重复写入视为成功。
func (s *MarkerStore) Mark(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT IGNORE INTO codec_markers (marker, created_at) VALUES (?, ?)`,
		key, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("写入幂等标记失败: %w", err)
	}
	return nil
}

var _ codec.MarkerStore = (*MarkerStore)(nil)
