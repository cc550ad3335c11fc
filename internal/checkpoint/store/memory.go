package store

import (
	"context"
	"sync"
	"time"

	"agent-gateway/backend/internal/autherr"
	"agent-gateway/backend/internal/checkpoint/domain"
)

type thread struct {
	nextSeq     int64
	checkpoints map[int64]*domain.Checkpoint
	maxSeq      int64
}

// MemoryStore is the in-process checkpoint store. The store mutex makes
// sequence assignment and insert one atomic step.
type MemoryStore struct {
	mu      sync.Mutex
	threads map[string]*thread
	nowF    func() time.Time
}

// NewMemoryStore returns an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]*thread), nowF: func() time.Time { return time.Now().UTC() }}
}

func (s *MemoryStore) Append(ctx context.Context, threadID string, state []byte, parentSequence *int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[threadID]
	if !ok {
		th = &thread{nextSeq: 1, checkpoints: make(map[int64]*domain.Checkpoint)}
		s.threads[threadID] = th
	}
	if parentSequence != nil {
		if _, ok := th.checkpoints[*parentSequence]; !ok {
			return 0, autherr.ErrConflict
		}
	}

	seq := th.nextSeq
	th.nextSeq++
	cp := &domain.Checkpoint{
		ThreadID:       threadID,
		Sequence:       seq,
		State:          append([]byte(nil), state...),
		ParentSequence: parentSequence,
		WrittenAt:      s.nowF(),
	}
	th.checkpoints[seq] = cp
	if seq > th.maxSeq {
		th.maxSeq = seq
	}
	return seq, nil
}

func (s *MemoryStore) Read(ctx context.Context, threadID string, sequence *int64) (*domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[threadID]
	if !ok || len(th.checkpoints) == 0 {
		return nil, autherr.ErrNotFound
	}
	seq := th.maxSeq
	if sequence != nil {
		seq = *sequence
	}
	cp, ok := th.checkpoints[seq]
	if !ok {
		return nil, autherr.ErrNotFound
	}
	return cp.Clone(), nil
}

func (s *MemoryStore) Has(ctx context.Context, threadID string, sequence int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return false, nil
	}
	_, ok = th.checkpoints[sequence]
	return ok, nil
}

// Prune keeps the newest keepLastN checkpoints. The sequence counter is not
// reset: pruned sequences are never reissued.
func (s *MemoryStore) Prune(ctx context.Context, threadID string, keepLastN int) error {
	if keepLastN < 0 {
		keepLastN = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	cutoff := th.maxSeq - int64(keepLastN)
	for seq := range th.checkpoints {
		if seq <= cutoff {
			delete(th.checkpoints, seq)
		}
	}
	return nil
}
