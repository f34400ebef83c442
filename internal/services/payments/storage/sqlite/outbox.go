package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/donations/internal/platform/storage/sqlitestore"
	"github.com/louisbranch/donations/internal/services/payments/storage"
)

const outboxColumns = `
	id,
	topic,
	message_key,
	event_type,
	payload_json,
	status,
	attempt_count,
	next_attempt_at,
	lease_owner,
	lease_expires_at,
	last_error,
	published_at,
	created_at,
	updated_at`

func enqueueOutboxEvent(ctx context.Context, tx *sql.Tx, event storage.OutboxEvent) error {
	event.ID = strings.TrimSpace(event.ID)
	event.Topic = strings.TrimSpace(event.Topic)
	event.EventType = strings.TrimSpace(event.EventType)
	if event.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if event.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if event.EventType == "" {
		return fmt.Errorf("event type is required")
	}
	if len(event.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.NextAttemptAt.IsZero() {
		event.NextAttemptAt = event.CreatedAt
	}

	_, err := tx.ExecContext(ctx, `
INSERT INTO payment_outbox (
	id,
	topic,
	message_key,
	event_type,
	payload_json,
	status,
	attempt_count,
	next_attempt_at,
	lease_owner,
	lease_expires_at,
	last_error,
	published_at,
	created_at,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, 0, ?, '', NULL, '', NULL, ?, ?)
`,
		event.ID,
		event.Topic,
		event.Key,
		event.EventType,
		event.Payload,
		storage.OutboxStatusPending,
		sqlitestore.ToMillis(event.NextAttemptAt),
		sqlitestore.ToMillis(event.CreatedAt),
		sqlitestore.ToMillis(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox event %s: %w", event.ID, err)
	}
	return nil
}

// GetOutboxEvent returns one outbox event by id.
func (s *Store) GetOutboxEvent(ctx context.Context, id string) (storage.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return storage.OutboxEvent{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.OutboxEvent{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.OutboxEvent{}, fmt.Errorf("event id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, "SELECT"+outboxColumns+"\nFROM payment_outbox\nWHERE id = ?", id)
	event, err := scanOutboxEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.OutboxEvent{}, storage.ErrNotFound
		}
		return storage.OutboxEvent{}, fmt.Errorf("get outbox event: %w", err)
	}
	return event, nil
}

// LeaseOutboxEvents leases due events for owner, oldest first. Events whose
// lease expired are due again.
func (s *Store) LeaseOutboxEvents(ctx context.Context, owner string, limit int, now time.Time, leaseTTL time.Duration) ([]storage.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("lease owner is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if leaseTTL <= 0 {
		return nil, fmt.Errorf("lease ttl must be greater than zero")
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	nowMillis := sqlitestore.ToMillis(now)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("start lease transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT id
FROM payment_outbox
WHERE (
	(status = ? AND next_attempt_at <= ?)
	OR
	(status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
)
ORDER BY seq ASC
LIMIT ?
`,
		storage.OutboxStatusPending,
		nowMillis,
		storage.OutboxStatusLeased,
		nowMillis,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select lease candidates: %w", err)
	}
	candidateIDs := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan lease candidate: %w", scanErr)
		}
		candidateIDs = append(candidateIDs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate lease candidates: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close lease candidates: %w", err)
	}

	leased := make([]storage.OutboxEvent, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		result, updateErr := tx.ExecContext(ctx, `
UPDATE payment_outbox
SET
	status = ?,
	lease_owner = ?,
	lease_expires_at = ?,
	updated_at = ?
WHERE id = ?
AND (
	(status = ? AND next_attempt_at <= ?)
	OR
	(status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
)
`,
			storage.OutboxStatusLeased,
			owner,
			sqlitestore.ToMillis(now.Add(leaseTTL)),
			nowMillis,
			id,
			storage.OutboxStatusPending,
			nowMillis,
			storage.OutboxStatusLeased,
			nowMillis,
		)
		if updateErr != nil {
			return nil, fmt.Errorf("lease outbox event %s: %w", id, updateErr)
		}
		rowsAffected, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return nil, fmt.Errorf("lease rows affected for %s: %w", id, rowsErr)
		}
		if rowsAffected == 0 {
			continue
		}

		row := tx.QueryRowContext(ctx, "SELECT"+outboxColumns+"\nFROM payment_outbox\nWHERE id = ?", id)
		event, scanErr := scanOutboxEvent(row.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan leased outbox event %s: %w", id, scanErr)
		}
		leased = append(leased, event)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease transaction: %w", err)
	}
	return leased, nil
}

// MarkOutboxPublished marks one leased event as published.
func (s *Store) MarkOutboxPublished(ctx context.Context, id, owner string, publishedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	owner = strings.TrimSpace(owner)
	if id == "" {
		return fmt.Errorf("event id is required")
	}
	if owner == "" {
		return fmt.Errorf("lease owner is required")
	}
	if publishedAt.IsZero() {
		publishedAt = time.Now()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE payment_outbox
SET
	status = ?,
	attempt_count = attempt_count + 1,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = '',
	published_at = ?,
	updated_at = ?
WHERE id = ?
AND status = ?
AND lease_owner = ?
`,
		storage.OutboxStatusPublished,
		sqlitestore.ToMillis(publishedAt),
		sqlitestore.ToMillis(publishedAt),
		id,
		storage.OutboxStatusLeased,
		owner,
	)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox published rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkOutboxRetry returns one leased event to pending at nextAttemptAt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id, owner string, nextAttemptAt time.Time, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	owner = strings.TrimSpace(owner)
	lastError = strings.TrimSpace(lastError)
	if id == "" {
		return fmt.Errorf("event id is required")
	}
	if owner == "" {
		return fmt.Errorf("lease owner is required")
	}
	if nextAttemptAt.IsZero() {
		return fmt.Errorf("next attempt at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE payment_outbox
SET
	status = ?,
	attempt_count = attempt_count + 1,
	next_attempt_at = ?,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = ?,
	updated_at = ?
WHERE id = ?
AND status = ?
AND lease_owner = ?
`,
		storage.OutboxStatusPending,
		sqlitestore.ToMillis(nextAttemptAt),
		lastError,
		sqlitestore.ToMillis(time.Now()),
		id,
		storage.OutboxStatusLeased,
		owner,
	)
	if err != nil {
		return fmt.Errorf("mark outbox retry: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox retry rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type outboxScanner func(dest ...any) error

func scanOutboxEvent(scan outboxScanner) (storage.OutboxEvent, error) {
	var (
		event                               storage.OutboxEvent
		nextAttemptAt, createdAt, updatedAt int64
		leaseExpiresAt, publishedAt         sql.NullInt64
	)
	if err := scan(
		&event.ID,
		&event.Topic,
		&event.Key,
		&event.EventType,
		&event.Payload,
		&event.Status,
		&event.AttemptCount,
		&nextAttemptAt,
		&event.LeaseOwner,
		&leaseExpiresAt,
		&event.LastError,
		&publishedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.OutboxEvent{}, err
	}
	event.NextAttemptAt = sqlitestore.FromMillis(nextAttemptAt)
	event.CreatedAt = sqlitestore.FromMillis(createdAt)
	event.UpdatedAt = sqlitestore.FromMillis(updatedAt)
	if leaseExpiresAt.Valid {
		value := sqlitestore.FromMillis(leaseExpiresAt.Int64)
		event.LeaseExpiresAt = &value
	}
	if publishedAt.Valid {
		value := sqlitestore.FromMillis(publishedAt.Int64)
		event.PublishedAt = &value
	}
	return event, nil
}
