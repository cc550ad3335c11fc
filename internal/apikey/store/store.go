// Package store defines API key persistence with prefix-indexed lookup, and
// its in-memory and Postgres implementations.
package store

import (
	"context"
	"time"

	"agent-gateway/backend/internal/apikey/domain"
)

// Store is the API key persistence contract. Lookup is always by prefix so
// the candidate set stays small regardless of how many keys exist
// system-wide; a full scan here has been a production timeout in systems of
// this shape. Keys are never hard-deleted.
type Store interface {
	// Create generates a new key for the owner and returns the record along
	// with the plaintext secret. The plaintext is returned exactly once and
	// never stored. ttl <= 0 means no expiry.
	Create(ctx context.Context, ownerID string, scopes []string, ttl time.Duration) (*domain.Key, string, error)
	// LookupByPrefix returns all records sharing the given prefix, including
	// revoked and expired ones; the verifier decides usability after the hash
	// comparison.
	LookupByPrefix(ctx context.Context, prefix string) ([]*domain.Key, error)
	// Revoke sets the key's revocation timestamp. Returns false when the key
	// does not exist or is already revoked.
	Revoke(ctx context.Context, keyID string) (bool, error)
	// ListForOwner returns the owner's keys with secret hashes redacted.
	ListForOwner(ctx context.Context, ownerID string) ([]*domain.Key, error)
	// MarkUsed records a best-effort last-used timestamp. Implementations must
	// never block the caller on this.
	MarkUsed(ctx context.Context, keyID string, at time.Time)
}
