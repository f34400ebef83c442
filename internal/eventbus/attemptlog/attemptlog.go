// Package attemptlog persists consumer handling attempts in the consuming
// service's SQLite database. The owning service's migrations create the
// consumer_attempts table.
package attemptlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/platform/storage/sqlitestore"
)

// Record is one stored attempt.
type Record struct {
	ID int64
	eventbus.Attempt
}

// Log records attempts into consumer_attempts.
type Log struct {
	sqlDB *sql.DB
}

// New wraps an open database handle.
func New(sqlDB *sql.DB) *Log {
	return &Log{sqlDB: sqlDB}
}

// RecordAttempt persists one handling attempt.
func (l *Log) RecordAttempt(ctx context.Context, attempt eventbus.Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l == nil || l.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	attempt.Topic = strings.TrimSpace(attempt.Topic)
	attempt.Group = strings.TrimSpace(attempt.Group)
	attempt.Outcome = strings.TrimSpace(attempt.Outcome)
	attempt.Error = strings.TrimSpace(attempt.Error)
	if attempt.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if attempt.Group == "" {
		return fmt.Errorf("consumer group is required")
	}
	if attempt.Outcome == "" {
		return fmt.Errorf("outcome is required")
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	_, err := l.sqlDB.ExecContext(ctx, `
INSERT INTO consumer_attempts (
	topic,
	consumer_group,
	partition_id,
	message_offset,
	event_id,
	event_type,
	outcome,
	last_error,
	duration_ms,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		attempt.Topic,
		attempt.Group,
		attempt.Partition,
		attempt.Offset,
		attempt.EventID,
		attempt.EventType,
		attempt.Outcome,
		attempt.Error,
		attempt.Duration.Milliseconds(),
		sqlitestore.ToMillis(attempt.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// ListAttempts lists newest-first attempt records.
func (l *Log) ListAttempts(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l == nil || l.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := l.sqlDB.QueryContext(ctx, `
SELECT
	id,
	topic,
	consumer_group,
	partition_id,
	message_offset,
	event_id,
	event_type,
	outcome,
	last_error,
	duration_ms,
	created_at
FROM consumer_attempts
ORDER BY created_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var record Record
		var durationMillis, createdAt int64
		if err := rows.Scan(
			&record.ID,
			&record.Topic,
			&record.Group,
			&record.Partition,
			&record.Offset,
			&record.EventID,
			&record.EventType,
			&record.Outcome,
			&record.Error,
			&durationMillis,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		record.Duration = time.Duration(durationMillis) * time.Millisecond
		record.CreatedAt = sqlitestore.FromMillis(createdAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return records, nil
}

var _ eventbus.AttemptRecorder = (*Log)(nil)
