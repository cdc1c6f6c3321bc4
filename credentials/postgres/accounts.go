// Package postgres stores primary-tier accounts in PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/giantswarm/portal-auth/credentials"
)

// Querier is the subset of *pgxpool.Pool and pgx.Tx used by the repository
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const selectAccount = `SELECT id, username, display_name, password_hash, tenant_id,
	can_view, can_edit, can_delete, can_export, active, last_login_at
	FROM accounts WHERE username = $1`

const updateLastLogin = `UPDATE accounts SET last_login_at = $2 WHERE id = $1`

const insertAccount = `INSERT INTO accounts (username, display_name, password_hash, tenant_id,
	can_view, can_edit, can_delete, can_export, active)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING id`

// AccountRepository implements credentials.AccountRepository on the accounts table
type AccountRepository struct {
	db Querier
}

// NewAccountRepository creates a repository on db
func NewAccountRepository(db Querier) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetByUsername loads one account. Unknown usernames return credentials.ErrAccountNotFound.
func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (*credentials.Account, error) {
	acc := &credentials.Account{}
	err := r.db.QueryRow(ctx, selectAccount, username).Scan(
		&acc.ID,
		&acc.Username,
		&acc.DisplayName,
		&acc.PasswordHash,
		&acc.TenantID,
		&acc.Capabilities.CanView,
		&acc.Capabilities.CanEdit,
		&acc.Capabilities.CanDelete,
		&acc.Capabilities.CanExport,
		&acc.Active,
		&acc.LastLoginAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, credentials.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return acc, nil
}

// UpdateLastLogin stamps the account's last successful login
func (r *AccountRepository) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.db.Exec(ctx, updateLastLogin, id, at)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return credentials.ErrAccountNotFound
	}
	return nil
}

// Create inserts an account and returns its new id
func (r *AccountRepository) Create(ctx context.Context, acc *credentials.Account) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, insertAccount,
		acc.Username,
		acc.DisplayName,
		acc.PasswordHash,
		acc.TenantID,
		acc.Capabilities.CanView,
		acc.Capabilities.CanEdit,
		acc.Capabilities.CanDelete,
		acc.Capabilities.CanExport,
		acc.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create account: %w", err)
	}
	acc.ID = &id
	return id, nil
}

var _ credentials.AccountRepository = (*AccountRepository)(nil)
