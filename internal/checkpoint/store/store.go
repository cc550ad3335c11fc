// Package store defines append-only checkpoint persistence keyed by
// (thread, sequence), and its in-memory, Redis, and Postgres implementations.
package store

import (
	"context"

	"agent-gateway/backend/internal/checkpoint/domain"
)

// Store is the checkpoint persistence contract. Append is the sole mutation
// path and the store assigns sequences, so monotonicity holds even with
// concurrent writers on one thread. Has exists for retry-after-ambiguous-
// failure: a caller that timed out on Append can probe whether its write
// landed before appending again.
type Store interface {
	// Append writes a new checkpoint and returns its assigned sequence.
	// parentSequence, when non-nil, must reference an existing checkpoint of
	// the same thread; a dangling parent is autherr.ErrConflict.
	Append(ctx context.Context, threadID string, state []byte, parentSequence *int64) (int64, error)
	// Read returns the checkpoint at sequence, or the highest-sequence one
	// when sequence is nil. Missing thread or sequence is autherr.ErrNotFound.
	Read(ctx context.Context, threadID string, sequence *int64) (*domain.Checkpoint, error)
	// Has reports whether (threadID, sequence) is already written.
	Has(ctx context.Context, threadID string, sequence int64) (bool, error)
	// Prune deletes all but the newest keepLastN checkpoints of the thread.
	Prune(ctx context.Context, threadID string, keepLastN int) error
}
