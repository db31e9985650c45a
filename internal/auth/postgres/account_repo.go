// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/porybox/identity/internal/auth"
)

const (
	accountColumns      = `id, username, normalized_username, email, password_hash, status, created_at, updated_at, deleted_at`
	activeUsernameIndex = "accounts_active_username_idx"
)

// AccountRepository implements auth.AccountRepository using PostgreSQL.
// Username uniqueness among active accounts is enforced by the partial
// unique index accounts_active_username_idx.
type AccountRepository struct {
	pool poolIface
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(pool poolIface) *AccountRepository {
	return &AccountRepository{pool: pool}
}

// FindActiveByNormalizedName retrieves the active account holding a
// normalized username.
func (r *AccountRepository) FindActiveByNormalizedName(ctx context.Context, normalized string) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE normalized_username = $1 AND status = 'active'
	`, normalized)

	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("username", normalized).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_BY_USERNAME_FAILED").
			With("operation", "get active account by username").
			With("username", normalized).
			Wrap(err)
	}
	return account, nil
}

// GetByID retrieves an account by ID regardless of status.
func (r *AccountRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, id.String())

	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_BY_ID_FAILED").
			With("operation", "get account by id").
			With("id", id.String()).
			Wrap(err)
	}
	return account, nil
}

// Insert stores a new account. A unique violation on the active username
// index is reported as auth.ErrUsernameTaken.
func (r *AccountRepository) Insert(ctx context.Context, account *auth.Account) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		account.ID.String(),
		account.Username,
		account.NormalizedUsername,
		account.Email,
		account.PasswordHash,
		string(account.Status),
		account.CreatedAt,
		account.UpdatedAt,
		account.DeletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation &&
			pgErr.ConstraintName == activeUsernameIndex {
			return oops.
				With("username", account.NormalizedUsername).
				With("constraint", pgErr.ConstraintName).
				Wrap(auth.ErrUsernameTaken)
		}
		return oops.Code("ACCOUNT_INSERT_FAILED").
			With("operation", "insert account").
			With("id", account.ID.String()).
			Wrap(err)
	}
	return nil
}

// UpdatePasswordHash replaces the password hash of an active account.
func (r *AccountRepository) UpdatePasswordHash(ctx context.Context, id ulid.ULID, passwordHash string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE accounts SET password_hash = $2, updated_at = $3
		WHERE id = $1 AND status = 'active'
	`, id.String(), passwordHash, time.Now().UTC())
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_PASSWORD_FAILED").
			With("operation", "update password_hash").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// SoftDelete marks an active account as deleted. The row is kept; the
// partial index no longer covers it, so its username can be registered again.
func (r *AccountRepository) SoftDelete(ctx context.Context, id ulid.ULID) error {
	now := time.Now().UTC()
	result, err := r.pool.Exec(ctx, `
		UPDATE accounts SET status = 'deleted', deleted_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'active'
	`, id.String(), now)
	if err != nil {
		return oops.Code("ACCOUNT_DELETE_FAILED").
			With("operation", "soft delete account").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// scanAccount scans a single row into an Account.
// Callers are responsible for handling pgx.ErrNoRows.
func scanAccount(row pgx.Row) (*auth.Account, error) {
	var (
		idStr     string
		status    string
		deletedAt *time.Time
		account   auth.Account
	)
	err := row.Scan(
		&idStr,
		&account.Username,
		&account.NormalizedUsername,
		&account.Email,
		&account.PasswordHash,
		&status,
		&account.CreatedAt,
		&account.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // callers wrap with context-specific info
		}
		return nil, oops.Code("ACCOUNT_SCAN_FAILED").
			With("operation", "scan account").
			Wrap(err)
	}

	account.ID, err = ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("ACCOUNT_INVALID_ID").
			With("operation", "parse account id").
			With("id", idStr).
			Wrap(err)
	}
	account.Status = auth.AccountStatus(status)
	if !account.Status.Valid() {
		return nil, oops.Code("ACCOUNT_INVALID_STATUS").
			With("id", idStr).
			With("status", status).
			Errorf("unknown account status")
	}
	account.DeletedAt = deletedAt
	return &account, nil
}

// Compile-time interface check.
var _ auth.AccountRepository = (*AccountRepository)(nil)
