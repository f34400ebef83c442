package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/donations/internal/platform/storage/sqlitestore"
	"github.com/louisbranch/donations/internal/services/payments/domain"
	"github.com/louisbranch/donations/internal/services/payments/storage"
)

// CreateAccount inserts account unless one exists for the user.
func (s *Store) CreateAccount(ctx context.Context, account domain.Account) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	account.UserID = strings.TrimSpace(account.UserID)
	if account.UserID == "" {
		return false, fmt.Errorf("user id is required")
	}
	if account.BalanceCents < 0 {
		return false, fmt.Errorf("balance must not be negative")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO accounts (user_id, username, email, balance_cents, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO NOTHING
`,
		account.UserID,
		account.Username,
		account.Email,
		account.BalanceCents,
		sqlitestore.ToMillis(account.CreatedAt),
		sqlitestore.ToMillis(account.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("create account: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create account rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// GetAccount returns the account for userID.
func (s *Store) GetAccount(ctx context.Context, userID string) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Account{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Account{}, fmt.Errorf("user id is required")
	}

	var account domain.Account
	var createdAt, updatedAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT user_id, username, email, balance_cents, created_at, updated_at
FROM accounts
WHERE user_id = ?
`, userID).Scan(
		&account.UserID,
		&account.Username,
		&account.Email,
		&account.BalanceCents,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("get account: %w", err)
	}
	account.CreatedAt = sqlitestore.FromMillis(createdAt)
	account.UpdatedAt = sqlitestore.FromMillis(updatedAt)
	return account, nil
}
