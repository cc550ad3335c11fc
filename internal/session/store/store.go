// Package store defines session persistence with TTL and sliding-expiration
// lifecycle, and its in-memory, Redis, and Postgres implementations.
package store

import (
	"context"
	"errors"
	"time"

	"agent-gateway/backend/internal/session/domain"
)

// ErrRolesRequired is returned by Create when the roles set is empty. A
// session without roles could never pass an authorization check, so creating
// one is always a caller bug.
var ErrRolesRequired = errors.New("session: roles must be non-empty")

// EvictFunc observes a cap eviction: the least-recently-accessed session for
// a user was deleted to make room for a new one. Used for audit logging.
type EvictFunc func(ctx context.Context, evicted *domain.Session)

// Store is the session persistence contract. Get and Touch on an expired
// session behave exactly like a missing one (autherr.ErrNotFound); no richer
// distinction is exposed. Backend failures surface as
// autherr.ErrBackendUnavailable, never as NotFound.
type Store interface {
	// Create persists a new session for the user with the given TTL. When the
	// user is at the concurrent-session cap, the least-recently-accessed
	// session is evicted first; eviction and insert are atomic per user key.
	Create(ctx context.Context, userID, username string, roles []string, metadata map[string]string, ttl time.Duration) (*domain.Session, error)
	// Get returns the session, or autherr.ErrNotFound if absent or expired.
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	// Touch refreshes last-accessed time and, when sliding expiration is
	// enabled, extends expiry by the TTL from touch time. Returns the updated
	// session, or autherr.ErrNotFound if absent or expired.
	Touch(ctx context.Context, sessionID string) (*domain.Session, error)
	// UpdateMetadata replaces the session's metadata. Returns false when the
	// session is absent or expired.
	UpdateMetadata(ctx context.Context, sessionID string, metadata map[string]string) (bool, error)
	// Delete removes the session (logout). Returns false when nothing was
	// deleted.
	Delete(ctx context.Context, sessionID string) (bool, error)
	// ListActiveForUser returns the user's unexpired sessions.
	ListActiveForUser(ctx context.Context, userID string) ([]*domain.Session, error)
}

// Options configure session lifecycle behavior shared by all backends.
type Options struct {
	// Sliding enables sliding expiration: Touch resets expiry to TTL from now.
	Sliding bool
	// MaxPerUser caps live sessions per user; must be >= 1.
	MaxPerUser int
	// TTL is the default session lifetime applied when Create receives ttl <= 0
	// and the base for sliding extension on Touch.
	TTL time.Duration
	// OnEvict, when set, is called after a cap eviction. Best-effort.
	OnEvict EvictFunc
}

func (o Options) effectiveTTL(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return o.TTL
}
