package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent-gateway/backend/internal/apikey/domain"
	"agent-gateway/backend/internal/security"
)

// MemoryStore is the in-process API key store for single-node and dev
// deployments. A prefix index keeps lookup independent of the total key
// count.
type MemoryStore struct {
	mu       sync.RWMutex
	hasher   *security.APIKeyHasher
	keys     map[string]*domain.Key
	byPrefix map[string][]string
	byOwner  map[string][]string
	nowF     func() time.Time
}

// NewMemoryStore returns an empty in-memory API key store using the given
// hasher for secret hashing.
func NewMemoryStore(hasher *security.APIKeyHasher) *MemoryStore {
	return &MemoryStore{
		hasher:   hasher,
		keys:     make(map[string]*domain.Key),
		byPrefix: make(map[string][]string),
		byOwner:  make(map[string][]string),
		nowF:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, ownerID string, scopes []string, ttl time.Duration) (*domain.Key, string, error) {
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
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		Prefix:     prefix,
		SecretHash: hash,
		Scopes:     append([]string(nil), scopes...),
		CreatedAt:  now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}

	s.mu.Lock()
	s.keys[key.ID] = key
	s.byPrefix[prefix] = append(s.byPrefix[prefix], key.ID)
	s.byOwner[ownerID] = append(s.byOwner[ownerID], key.ID)
	s.mu.Unlock()

	return key.Redacted(), secret, nil
}

func (s *MemoryStore) LookupByPrefix(ctx context.Context, prefix string) ([]*domain.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byPrefix[prefix]
	out := make([]*domain.Key, 0, len(ids))
	for _, id := range ids {
		if k, ok := s.keys[id]; ok {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, keyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok || k.RevokedAt != nil {
		return false, nil
	}
	at := s.nowF()
	k.RevokedAt = &at
	return true, nil
}

func (s *MemoryStore) ListForOwner(ctx context.Context, ownerID string) ([]*domain.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byOwner[ownerID]
	out := make([]*domain.Key, 0, len(ids))
	for _, id := range ids {
		if k, ok := s.keys[id]; ok {
			out = append(out, k.Redacted())
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkUsed(ctx context.Context, keyID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[keyID]; ok {
		k.LastUsedAt = &at
	}
}
