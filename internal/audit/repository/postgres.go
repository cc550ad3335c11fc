package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"agent-gateway/backend/internal/audit/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit repository using the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, e *domain.Event) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, subject, action, target, allowed, ip, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Subject, e.Action, e.Target, e.Allowed, e.IP, meta, e.CreatedAt)
	return err
}

// GetByID returns the event for id, or nil if not found. It returns an error
// only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, subject, action, target, allowed, ip, metadata, created_at
		FROM audit_logs WHERE id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListBySubject returns events for the given subject, newest first, paginated
// by limit and offset.
func (r *PostgresRepository) ListBySubject(ctx context.Context, subject string, limit, offset int32) ([]*domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, subject, action, target, allowed, ip, metadata, created_at
		FROM audit_logs WHERE subject = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, subject, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var (
		e    domain.Event
		meta []byte
	)
	if err := row.Scan(&e.ID, &e.Subject, &e.Action, &e.Target, &e.Allowed, &e.IP, &meta, &e.CreatedAt); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("audit: decode metadata: %w", err)
		}
	}
	return &e, nil
}
