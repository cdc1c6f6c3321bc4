// Package postgres stores encrypted records in PostgreSQL through pgx.
// Ciphertext is stored as bytea and never decrypted here.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/giantswarm/portal-auth/records"
)

// Querier is the subset of *pgxpool.Pool and pgx.Tx used by Source
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	listAll = `SELECT id, tenant_id, ciphertext, status, created_at
		FROM records ORDER BY id`
	listTenant = `SELECT id, tenant_id, ciphertext, status, created_at
		FROM records WHERE tenant_id = $1 ORDER BY id`
	getOne = `SELECT id, tenant_id, ciphertext, status, created_at
		FROM records WHERE id = $1`
	updateStatus = `UPDATE records SET status = $2 WHERE id = $1`
	deleteOne    = `DELETE FROM records WHERE id = $1`
	insertOne    = `INSERT INTO records (tenant_id, ciphertext, status)
		VALUES ($1, $2, $3) RETURNING id, created_at`
)

// Source implements records.Source on the records table
type Source struct {
	db Querier
}

// NewSource creates a record source on db
func NewSource(db Querier) *Source {
	return &Source{db: db}
}

func (s *Source) List(ctx context.Context, tenantID *int64) ([]records.Record, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if tenantID != nil {
		rows, err = s.db.Query(ctx, listTenant, *tenantID)
	} else {
		rows, err = s.db.Query(ctx, listAll)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []records.Record
	for rows.Next() {
		var r records.Record
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Ciphertext, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return out, nil
}

func (s *Source) Get(ctx context.Context, id int64) (*records.Record, error) {
	var r records.Record
	err := s.db.QueryRow(ctx, getOne, id).Scan(&r.ID, &r.TenantID, &r.Ciphertext, &r.Status, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, records.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return &r, nil
}

func (s *Source) UpdateStatus(ctx context.Context, id int64, status string) error {
	return s.execOne(ctx, updateStatus, id, status)
}

func (s *Source) Delete(ctx context.Context, id int64) error {
	return s.execOne(ctx, deleteOne, id)
}

// Insert stores a new encrypted record and fills in its id and creation time
func (s *Source) Insert(ctx context.Context, r *records.Record) error {
	if r.Status == "" {
		r.Status = records.StatusNew
	}
	if err := s.db.QueryRow(ctx, insertOne, r.TenantID, r.Ciphertext, r.Status).Scan(&r.ID, &r.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (s *Source) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return records.ErrRecordNotFound
	}
	return nil
}

var _ records.Source = (*Source)(nil)
