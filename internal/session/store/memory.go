package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent-gateway/backend/internal/autherr"
	"agent-gateway/backend/internal/session/domain"
)

type memEntry struct {
	sess *domain.Session
	ttl  time.Duration
}

// MemoryStore is the in-process Store for single-node and dev deployments.
// A single mutex makes the evict-then-insert sequence atomic per user.
type MemoryStore struct {
	mu       sync.Mutex
	opts     Options
	sessions map[string]*memEntry
	byUser   map[string]map[string]struct{}
	nowF     func() time.Time
}

// NewMemoryStore returns an empty in-memory session store.
func NewMemoryStore(opts Options) *MemoryStore {
	if opts.MaxPerUser < 1 {
		opts.MaxPerUser = 1
	}
	return &MemoryStore{
		opts:     opts,
		sessions: make(map[string]*memEntry),
		byUser:   make(map[string]map[string]struct{}),
		nowF:     func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a new session, evicting the user's least-recently-accessed
// session first when the cap is reached. Atomic under the store mutex.
func (s *MemoryStore) Create(ctx context.Context, userID, username string, roles []string, metadata map[string]string, ttl time.Duration) (*domain.Session, error) {
	if len(roles) == 0 {
		return nil, ErrRolesRequired
	}
	now := s.nowF()
	ttl = s.opts.effectiveTTL(ttl)

	sess := &domain.Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		Username:       username,
		Roles:          append([]string(nil), roles...),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
	}
	if metadata != nil {
		sess.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			sess.Metadata[k] = v
		}
	}

	var evicted *domain.Session

	s.mu.Lock()
	s.purgeUserLocked(userID, now)
	if len(s.byUser[userID]) >= s.opts.MaxPerUser {
		evicted = s.evictOldestLocked(userID)
	}
	s.sessions[sess.ID] = &memEntry{sess: sess, ttl: ttl}
	if s.byUser[userID] == nil {
		s.byUser[userID] = make(map[string]struct{})
	}
	s.byUser[userID][sess.ID] = struct{}{}
	s.mu.Unlock()

	if evicted != nil && s.opts.OnEvict != nil {
		s.opts.OnEvict(ctx, evicted)
	}
	return sess.Clone(), nil
}

// Get returns the session, treating expired exactly like missing.
func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveLocked(sessionID)
	if e == nil {
		return nil, autherr.ErrNotFound
	}
	return e.sess.Clone(), nil
}

// Touch refreshes last-accessed and, with sliding expiration, extends expiry
// by the session's TTL from now.
func (s *MemoryStore) Touch(ctx context.Context, sessionID string) (*domain.Session, error) {
	now := s.nowF()
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveLocked(sessionID)
	if e == nil {
		return nil, autherr.ErrNotFound
	}
	e.sess.LastAccessedAt = now
	if s.opts.Sliding {
		e.sess.ExpiresAt = now.Add(e.ttl)
	}
	return e.sess.Clone(), nil
}

// UpdateMetadata replaces the session's metadata map.
func (s *MemoryStore) UpdateMetadata(ctx context.Context, sessionID string, metadata map[string]string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveLocked(sessionID)
	if e == nil {
		return false, nil
	}
	cp := make(map[string]string, len(metadata))
	for k, v := range metadata {
		cp[k] = v
	}
	e.sess.Metadata = cp
	return true, nil
}

// Delete removes the session.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}
	s.removeLocked(e.sess)
	return true, nil
}

// ListActiveForUser returns the user's unexpired sessions.
func (s *MemoryStore) ListActiveForUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	now := s.nowF()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeUserLocked(userID, now)
	out := make([]*domain.Session, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		out = append(out, s.sessions[id].sess.Clone())
	}
	return out, nil
}

// Sweep deletes all expired sessions and returns how many were removed.
// The store already hides expired entries; this just reclaims memory.
func (s *MemoryStore) Sweep(ctx context.Context) int {
	now := s.nowF()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, e := range s.sessions {
		if e.sess.Expired(now) {
			s.removeLocked(e.sess)
			removed++
		}
	}
	return removed
}

// liveLocked returns the entry if present and unexpired; expired entries are
// dropped on sight so they never resurface.
func (s *MemoryStore) liveLocked(sessionID string) *memEntry {
	e, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if e.sess.Expired(s.nowF()) {
		s.removeLocked(e.sess)
		return nil
	}
	return e
}

func (s *MemoryStore) purgeUserLocked(userID string, now time.Time) {
	for id := range s.byUser[userID] {
		if e, ok := s.sessions[id]; ok && e.sess.Expired(now) {
			s.removeLocked(e.sess)
		}
	}
}

// evictOldestLocked removes and returns the user's least-recently-accessed
// session. LRU, not FIFO: actively-used sessions survive.
func (s *MemoryStore) evictOldestLocked(userID string) *domain.Session {
	var oldest *domain.Session
	for id := range s.byUser[userID] {
		sess := s.sessions[id].sess
		if oldest == nil || sess.LastAccessedAt.Before(oldest.LastAccessedAt) {
			oldest = sess
		}
	}
	if oldest != nil {
		s.removeLocked(oldest)
	}
	return oldest
}

func (s *MemoryStore) removeLocked(sess *domain.Session) {
	delete(s.sessions, sess.ID)
	if ids, ok := s.byUser[sess.UserID]; ok {
		delete(ids, sess.ID)
		if len(ids) == 0 {
			delete(s.byUser, sess.UserID)
		}
	}
}
