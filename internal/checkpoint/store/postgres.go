package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"agent-gateway/backend/internal/autherr"
	"agent-gateway/backend/internal/checkpoint/domain"
)

// PostgresStore is the relational checkpoint backend. The unique
// (thread_id, sequence) constraint is the monotonicity backstop: a racing
// writer that loses sequence assignment gets a conflict, not a duplicate.
type PostgresStore struct {
	db   *sql.DB
	nowF func() time.Time
}

// NewPostgresStore returns a checkpoint store that persists to the given db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, nowF: func() time.Time { return time.Now().UTC() }}
}

func (s *PostgresStore) Append(ctx context.Context, threadID string, state []byte, parentSequence *int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapDB("checkpoint append", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize writers per thread so sequence assignment and insert commit
	// together.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "ckpt:"+threadID); err != nil {
		return 0, wrapDB("checkpoint append", err)
	}

	if parentSequence != nil {
		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM checkpoints WHERE thread_id = $1 AND sequence = $2)`,
			threadID, *parentSequence).Scan(&exists)
		if err != nil {
			return 0, wrapDB("checkpoint append", err)
		}
		if !exists {
			return 0, fmt.Errorf("checkpoint append: dangling parent: %w", autherr.ErrConflict)
		}
	}

	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO checkpoints (thread_id, sequence, state, parent_sequence, written_at)
		SELECT $1, coalesce(max(sequence), 0) + 1, $2, $3, $4 FROM checkpoints WHERE thread_id = $1
		RETURNING sequence`,
		threadID, state, parentSequence, s.nowF()).Scan(&seq)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("checkpoint append: %w", autherr.ErrConflict)
		}
		return 0, wrapDB("checkpoint append", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapDB("checkpoint append", err)
	}
	return seq, nil
}

func (s *PostgresStore) Read(ctx context.Context, threadID string, sequence *int64) (*domain.Checkpoint, error) {
	var row *sql.Row
	if sequence != nil {
		row = s.db.QueryRowContext(ctx, `
			SELECT thread_id, sequence, state, parent_sequence, written_at
			FROM checkpoints WHERE thread_id = $1 AND sequence = $2`, threadID, *sequence)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT thread_id, sequence, state, parent_sequence, written_at
			FROM checkpoints WHERE thread_id = $1
			ORDER BY sequence DESC LIMIT 1`, threadID)
	}

	var (
		cp     domain.Checkpoint
		parent sql.NullInt64
	)
	err := row.Scan(&cp.ThreadID, &cp.Sequence, &cp.State, &parent, &cp.WrittenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, autherr.ErrNotFound
	}
	if err != nil {
		return nil, wrapDB("checkpoint read", err)
	}
	if parent.Valid {
		cp.ParentSequence = &parent.Int64
	}
	return &cp, nil
}

func (s *PostgresStore) Has(ctx context.Context, threadID string, sequence int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM checkpoints WHERE thread_id = $1 AND sequence = $2)`,
		threadID, sequence).Scan(&exists)
	if err != nil {
		return false, wrapDB("checkpoint has", err)
	}
	return exists, nil
}

func (s *PostgresStore) Prune(ctx context.Context, threadID string, keepLastN int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE thread_id = $1 AND sequence <= (
			SELECT coalesce(max(sequence), 0) - $2 FROM checkpoints WHERE thread_id = $1
		)`, threadID, keepLastN)
	if err != nil {
		return wrapDB("checkpoint prune", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func wrapDB(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, autherr.ErrBackendUnavailable, err)
}
