package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"agent-gateway/backend/internal/apikey/domain"
	"agent-gateway/backend/internal/autherr"
	"agent-gateway/backend/internal/security"
)

// PostgresStore persists API keys. The api_keys.prefix column is indexed so
// lookup touches only the handful of rows sharing a prefix.
type PostgresStore struct {
	db     *sql.DB
	hasher *security.APIKeyHasher
	nowF   func() time.Time
}

// NewPostgresStore returns an API key store that persists to the given db.
func NewPostgresStore(db *sql.DB, hasher *security.APIKeyHasher) *PostgresStore {
	return &PostgresStore{db: db, hasher: hasher, nowF: func() time.Time { return time.Now().UTC() }}
}

func (s *PostgresStore) Create(ctx context.Context, ownerID string, scopes []string, ttl time.Duration) (*domain.Key, string, error) {
	secret, prefix, err := security.GenerateAPIKeySecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, "", err
	}
	now := s.nowF()
	key := &domain.Key{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Prefix:    prefix,
		Scopes:    append([]string(nil), scopes...),
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}
	scopesJSON, err := json.Marshal(key.Scopes)
	if err != nil {
		return nil, "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, owner_id, prefix, secret_hash, scopes, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, ownerID, prefix, hash, scopesJSON, now, nullTime(key.ExpiresAt))
	if err != nil {
		return nil, "", wrapDB("api key create", err)
	}
	return key.Redacted(), secret, nil
}

func (s *PostgresStore) LookupByPrefix(ctx context.Context, prefix string) ([]*domain.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, prefix, secret_hash, scopes, created_at, expires_at, revoked_at, last_used_at
		FROM api_keys WHERE prefix = $1`, prefix)
	if err != nil {
		return nil, wrapDB("api key lookup", err)
	}
	defer rows.Close()

	var out []*domain.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB("api key lookup", err)
	}
	return out, nil
}

func (s *PostgresStore) Revoke(ctx context.Context, keyID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		keyID, s.nowF())
	if err != nil {
		return false, wrapDB("api key revoke", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapDB("api key revoke", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ListForOwner(ctx context.Context, ownerID string) ([]*domain.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, prefix, secret_hash, scopes, created_at, expires_at, revoked_at, last_used_at
		FROM api_keys WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, wrapDB("api key list", err)
	}
	defer rows.Close()

	var out []*domain.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k.Redacted())
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB("api key list", err)
	}
	return out, nil
}

// MarkUsed is best-effort; a failed stamp is logged and forgotten.
func (s *PostgresStore) MarkUsed(ctx context.Context, keyID string, at time.Time) {
	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, keyID, at); err != nil {
		log.Printf("apikey: last-used stamp for %s failed: %v", keyID, err)
	}
}

func scanKey(rows *sql.Rows) (*domain.Key, error) {
	var (
		k          domain.Key
		scopesJSON []byte
		expiresAt  sql.NullTime
		revokedAt  sql.NullTime
		lastUsedAt sql.NullTime
	)
	if err := rows.Scan(&k.ID, &k.OwnerID, &k.Prefix, &k.SecretHash, &scopesJSON,
		&k.CreatedAt, &expiresAt, &revokedAt, &lastUsedAt); err != nil {
		return nil, wrapDB("api key scan", err)
	}
	if err := json.Unmarshal(scopesJSON, &k.Scopes); err != nil {
		return nil, err
	}
	k.ExpiresAt = timePtr(expiresAt)
	k.RevokedAt = timePtr(revokedAt)
	k.LastUsedAt = timePtr(lastUsedAt)
	return &k, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	return &n.Time
}

func wrapDB(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, autherr.ErrBackendUnavailable, err)
}
