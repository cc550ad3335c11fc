package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"agent-gateway/backend/internal/autherr"
	"agent-gateway/backend/internal/session/domain"
)

func newTestStore(opts Options) (*MemoryStore, *time.Time) {
	if opts.MaxPerUser == 0 {
		opts.MaxPerUser = 5
	}
	if opts.TTL == 0 {
		opts.TTL = time.Hour
	}
	s := NewMemoryStore(opts)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.nowF = func() time.Time { return now }
	return s, &now
}

func TestMemoryStore_CreateGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(Options{})
	ctx := context.Background()

	created, err := s.Create(ctx, "user:alice", "alice", []string{"admin"}, map[string]string{"client": "cli"}, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" || created.ID == "user:alice" {
		t.Errorf("session ID %q must be opaque and non-empty", created.ID)
	}
	if !created.ExpiresAt.After(created.CreatedAt) {
		t.Error("ExpiresAt must be after CreatedAt")
	}

	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(got, created) {
		t.Errorf("Get = %+v, want %+v", got, created)
	}
	if got.Roles[0] != "admin" {
		t.Errorf("roles changed across round trip: %v", got.Roles)
	}
}

func TestMemoryStore_CreateRejectsEmptyRoles(t *testing.T) {
	s, _ := newTestStore(Options{})

	if _, err := s.Create(context.Background(), "user:alice", "alice", nil, nil, time.Hour); !errors.Is(err, ErrRolesRequired) {
		t.Errorf("Create with empty roles: err = %v, want ErrRolesRequired", err)
	}
}

func TestMemoryStore_ExpiredGetBehavesAsNotFound(t *testing.T) {
	s, now := newTestStore(Options{})
	ctx := context.Background()

	created, err := s.Create(ctx, "user:alice", "alice", []string{"admin"}, nil, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	*now = now.Add(time.Hour + time.Second)
	if _, err := s.Get(ctx, created.ID); !errors.Is(err, autherr.ErrNotFound) {
		t.Errorf("Get expired: err = %v, want ErrNotFound", err)
	}
	if _, err := s.Touch(ctx, created.ID); !errors.Is(err, autherr.ErrNotFound) {
		t.Errorf("Touch expired: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_SlidingTouchExtendsExpiry(t *testing.T) {
	s, now := newTestStore(Options{Sliding: true})
	ctx := context.Background()

	created, err := s.Create(ctx, "user:alice", "alice", []string{"admin"}, nil, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	*now = now.Add(30 * time.Minute)
	touched, err := s.Touch(ctx, created.ID)
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	want := now.Add(time.Hour)
	if !touched.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt after touch = %v, want %v (TTL from touch time)", touched.ExpiresAt, want)
	}
	if !touched.LastAccessedAt.Equal(*now) {
		t.Errorf("LastAccessedAt = %v, want %v", touched.LastAccessedAt, *now)
	}
}

func TestMemoryStore_FixedTTLTouchDoesNotExtend(t *testing.T) {
	s, now := newTestStore(Options{Sliding: false})
	ctx := context.Background()

	created, err := s.Create(ctx, "user:alice", "alice", []string{"admin"}, nil, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	*now = now.Add(30 * time.Minute)
	touched, err := s.Touch(ctx, created.ID)
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if !touched.ExpiresAt.Equal(created.ExpiresAt) {
		t.Errorf("ExpiresAt changed on touch without sliding expiration: %v -> %v", created.ExpiresAt, touched.ExpiresAt)
	}
}

func TestMemoryStore_CapEvictsLeastRecentlyAccessed(t *testing.T) {
	var evicted []*domain.Session
	s, now := newTestStore(Options{
		MaxPerUser: 3,
		OnEvict:    func(_ context.Context, sess *domain.Session) { evicted = append(evicted, sess) },
	})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := s.Create(ctx, "user:alice", "alice", []string{"admin"}, nil, time.Hour)
		if err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
		ids = append(ids, sess.ID)
		*now = now.Add(time.Minute)
	}

	// Touch the oldest two so the middle-aged session becomes LRU.
	if _, err := s.Touch(ctx, ids[0]); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	*now = now.Add(time.Minute)
	if _, err := s.Touch(ctx, ids[2]); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	*now = now.Add(time.Minute)

	if _, err := s.Create(ctx, "user:alice", "alice", []string{"admin"}, nil, time.Hour); err != nil {
		t.Fatalf("Create over cap: %v", err)
	}

	if len(evicted) != 1 || evicted[0].ID != ids[1] {
		t.Fatalf("evicted = %v, want exactly the least-recently-accessed session %s", evicted, ids[1])
	}
	if _, err := s.Get(ctx, ids[1]); !errors.Is(err, autherr.ErrNotFound) {
		t.Errorf("evicted session still readable: err = %v", err)
	}
	for _, id := range []string{ids[0], ids[2]} {
		if _, err := s.Get(ctx, id); err != nil {
			t.Errorf("survivor %s: Get failed: %v", id, err)
		}
	}
}

func TestMemoryStore_ConcurrentCreateHonorsCap(t *testing.T) {
	s, _ := newTestStore(Options{MaxPerUser: 4})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Create(ctx, "user:alice", "alice", []string{"admin"}, nil, time.Hour); err != nil {
				t.Errorf("Create: %v", err)
			}
		}()
	}
	wg.Wait()

	active, err := s.ListActiveForUser(ctx, "user:alice")
	if err != nil {
		t.Fatalf("ListActiveForUser: %v", err)
	}
	if len(active) != 4 {
		t.Errorf("active sessions = %d, want the cap of 4", len(active))
	}
}

func TestMemoryStore_DeleteAndUpdateMetadata(t *testing.T) {
	s, _ := newTestStore(Options{})
	ctx := context.Background()

	sess, err := s.Create(ctx, "user:alice", "alice", []string{"admin"}, nil, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := s.UpdateMetadata(ctx, sess.ID, map[string]string{"thread": "t-9"})
	if err != nil || !ok {
		t.Fatalf("UpdateMetadata = (%v, %v), want (true, nil)", ok, err)
	}
	got, err := s.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Metadata["thread"] != "t-9" {
		t.Errorf("Metadata = %v, want thread=t-9", got.Metadata)
	}

	ok, err = s.Delete(ctx, sess.ID)
	if err != nil || !ok {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", ok, err)
	}
	if _, err := s.Get(ctx, sess.ID); !errors.Is(err, autherr.ErrNotFound) {
		t.Errorf("Get after Delete: err = %v, want ErrNotFound", err)
	}
	ok, err = s.Delete(ctx, sess.ID)
	if err != nil || ok {
		t.Errorf("second Delete = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestMemoryStore_ListActiveSkipsOtherUsers(t *testing.T) {
	s, _ := newTestStore(Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Create(ctx, "user:alice", "alice", []string{"admin"}, nil, time.Hour); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := s.Create(ctx, "user:bob", "bob", []string{"user"}, nil, time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}

	active, err := s.ListActiveForUser(ctx, "user:alice")
	if err != nil {
		t.Fatalf("ListActiveForUser: %v", err)
	}
	if len(active) != 3 {
		t.Errorf("alice sessions = %d, want 3", len(active))
	}
	for _, sess := range active {
		if sess.UserID != "user:alice" {
			t.Errorf("foreign session in list: %+v", sess)
		}
	}
}

func TestMemoryStore_SweepRemovesExpired(t *testing.T) {
	s, now := newTestStore(Options{MaxPerUser: 10})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		ttl := time.Hour
		if i%2 == 0 {
			ttl = time.Minute
		}
		if _, err := s.Create(ctx, fmt.Sprintf("user:%d", i), "u", []string{"user"}, nil, ttl); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	*now = now.Add(10 * time.Minute)
	if removed := s.Sweep(ctx); removed != 2 {
		t.Errorf("Sweep removed %d, want 2", removed)
	}
}

func TestMemoryStore_ExpiryTracksWallClock(t *testing.T) {
	s := NewMemoryStore(Options{MaxPerUser: 5, TTL: time.Hour})
	ctx := context.Background()

	sess, err := s.Create(ctx, "user:alice", "alice", []string{"admin"}, nil, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Get(ctx, sess.ID); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if _, err := s.Get(ctx, sess.ID); !errors.Is(err, autherr.ErrNotFound) {
		t.Errorf("Get after ttl elapsed: err = %v, want ErrNotFound", err)
	}
}
