package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"agent-gateway/backend/internal/autherr"
	"agent-gateway/backend/internal/session/domain"
)

// PostgresStore is the relational session backend for durability-over-latency
// deployments. Expiry is enforced in every query predicate; physical removal
// of expired rows is the sweep job's business.
type PostgresStore struct {
	db   *sql.DB
	opts Options
	nowF func() time.Time
}

// NewPostgresStore returns a session store that persists to the given db.
func NewPostgresStore(db *sql.DB, opts Options) *PostgresStore {
	if opts.MaxPerUser < 1 {
		opts.MaxPerUser = 1
	}
	return &PostgresStore{db: db, opts: opts, nowF: func() time.Time { return time.Now().UTC() }}
}

// Create inserts a new session inside one transaction guarded by a per-user
// advisory lock, so the count-evict-insert sequence cannot race a concurrent
// create for the same user.
func (s *PostgresStore) Create(ctx context.Context, userID, username string, roles []string, metadata map[string]string, ttl time.Duration) (*domain.Session, error) {
	if len(roles) == 0 {
		return nil, ErrRolesRequired
	}
	now := s.nowF()
	ttl = s.opts.effectiveTTL(ttl)

	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, backendErr("session create", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return nil, backendErr("session create", err)
	}

	var evictedIDs []string
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE user_id = $1 AND expires_at > $2
		ORDER BY last_accessed_at ASC`, userID, now)
	if err != nil {
		return nil, backendErr("session create", err)
	}
	var liveIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, backendErr("session create", err)
		}
		liveIDs = append(liveIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, backendErr("session create", err)
	}

	// Evict least-recently-accessed sessions until the new one fits.
	for i := 0; len(liveIDs)-i >= s.opts.MaxPerUser; i++ {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, liveIDs[i]); err != nil {
			return nil, backendErr("session create", err)
		}
		evictedIDs = append(evictedIDs, liveIDs[i])
	}

	sess := &domain.Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		Username:       username,
		Roles:          append([]string(nil), roles...),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
		Metadata:       metadata,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, username, roles, metadata, created_at, expires_at, last_accessed_at, ttl_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, userID, username, rolesJSON, metaJSON, now, sess.ExpiresAt, now, int64(ttl/time.Second)); err != nil {
		return nil, backendErr("session create", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, backendErr("session create", err)
	}

	if s.opts.OnEvict != nil {
		for _, id := range evictedIDs {
			s.opts.OnEvict(ctx, &domain.Session{ID: id, UserID: userID})
		}
	}
	return sess, nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, username, roles, metadata, created_at, expires_at, last_accessed_at
		FROM sessions WHERE id = $1 AND expires_at > $2`, sessionID, s.nowF())
	return scanSession(row)
}

func (s *PostgresStore) Touch(ctx context.Context, sessionID string) (*domain.Session, error) {
	now := s.nowF()
	var row *sql.Row
	if s.opts.Sliding {
		row = s.db.QueryRowContext(ctx, `
			UPDATE sessions
			SET last_accessed_at = $2, expires_at = $2 + (ttl_seconds * interval '1 second')
			WHERE id = $1 AND expires_at > $2
			RETURNING id, user_id, username, roles, metadata, created_at, expires_at, last_accessed_at`,
			sessionID, now)
	} else {
		row = s.db.QueryRowContext(ctx, `
			UPDATE sessions SET last_accessed_at = $2
			WHERE id = $1 AND expires_at > $2
			RETURNING id, user_id, username, roles, metadata, created_at, expires_at, last_accessed_at`,
			sessionID, now)
	}
	return scanSession(row)
}

func (s *PostgresStore) UpdateMetadata(ctx context.Context, sessionID string, metadata map[string]string) (bool, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET metadata = $2 WHERE id = $1 AND expires_at > $3`,
		sessionID, metaJSON, s.nowF())
	if err != nil {
		return false, backendErr("session update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, backendErr("session update", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return false, backendErr("session delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, backendErr("session delete", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ListActiveForUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, username, roles, metadata, created_at, expires_at, last_accessed_at
		FROM sessions WHERE user_id = $1 AND expires_at > $2
		ORDER BY last_accessed_at DESC`, userID, s.nowF())
	if err != nil {
		return nil, backendErr("session list", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr("session list", err)
	}
	return out, nil
}

// Sweep hard-deletes expired rows. Run by cmd/sweep; Postgres has no native
// TTL so this is the expiry mechanism of record.
func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, s.nowF())
	if err != nil {
		return 0, backendErr("session sweep", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		sess      domain.Session
		rolesJSON []byte
		metaJSON  []byte
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Username, &rolesJSON, &metaJSON,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.LastAccessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, autherr.ErrNotFound
	}
	if err != nil {
		return nil, backendErr("session scan", err)
	}
	if err := json.Unmarshal(rolesJSON, &sess.Roles); err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &sess.Metadata); err != nil {
			return nil, err
		}
	}
	return &sess, nil
}
