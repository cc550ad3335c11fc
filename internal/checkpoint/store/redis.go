package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-gateway/backend/internal/autherr"
	"agent-gateway/backend/internal/checkpoint/domain"
)

const (
	ckptSeqPrefix  = "ckptseq:"
	ckptDataPrefix = "ckpt:"
)

// appendScript assigns the next sequence and writes the record in one atomic
// eval, so concurrent writers to the same thread cannot observe gaps or
// duplicates. Returns -1 when the claimed parent sequence does not exist.
//
// KEYS[1] = sequence counter, KEYS[2] = per-thread hash;
// ARGV[1] = payload, ARGV[2] = parent sequence or "".
var appendScript = redis.NewScript(`
if ARGV[2] ~= '' then
  if redis.call('HEXISTS', KEYS[2], ARGV[2]) == 0 then
    return -1
  end
end
local seq = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[2], seq, ARGV[1])
return seq
`)

type redisCheckpoint struct {
	State          []byte    `json:"state"`
	ParentSequence *int64    `json:"parent_sequence,omitempty"`
	WrittenAt      time.Time `json:"written_at"`
}

// RedisStore is the distributed-KV checkpoint backend. The per-thread
// sequence counter lives server-side and is only ever advanced by
// appendScript; pruned sequences are never reissued.
type RedisStore struct {
	rdb  *redis.Client
	nowF func() time.Time
}

// NewRedisStore returns a checkpoint store backed by the given Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, nowF: func() time.Time { return time.Now().UTC() }}
}

func (s *RedisStore) Append(ctx context.Context, threadID string, state []byte, parentSequence *int64) (int64, error) {
	payload, err := json.Marshal(redisCheckpoint{
		State:          state,
		ParentSequence: parentSequence,
		WrittenAt:      s.nowF(),
	})
	if err != nil {
		return 0, err
	}
	parentArg := ""
	if parentSequence != nil {
		parentArg = strconv.FormatInt(*parentSequence, 10)
	}
	seq, err := appendScript.Run(ctx, s.rdb,
		[]string{ckptSeqPrefix + threadID, ckptDataPrefix + threadID},
		payload, parentArg,
	).Int64()
	if err != nil {
		return 0, wrapRedis("checkpoint append", err)
	}
	if seq < 0 {
		return 0, fmt.Errorf("checkpoint append: dangling parent: %w", autherr.ErrConflict)
	}
	return seq, nil
}

func (s *RedisStore) Read(ctx context.Context, threadID string, sequence *int64) (*domain.Checkpoint, error) {
	seq := int64(0)
	if sequence != nil {
		seq = *sequence
	} else {
		max, err := s.maxSequence(ctx, threadID)
		if err != nil {
			return nil, err
		}
		seq = max
	}
	raw, err := s.rdb.HGet(ctx, ckptDataPrefix+threadID, strconv.FormatInt(seq, 10)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, autherr.ErrNotFound
	}
	if err != nil {
		return nil, wrapRedis("checkpoint read", err)
	}
	var stored redisCheckpoint
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("checkpoint read: corrupt payload: %w", err)
	}
	return &domain.Checkpoint{
		ThreadID:       threadID,
		Sequence:       seq,
		State:          stored.State,
		ParentSequence: stored.ParentSequence,
		WrittenAt:      stored.WrittenAt,
	}, nil
}

func (s *RedisStore) Has(ctx context.Context, threadID string, sequence int64) (bool, error) {
	ok, err := s.rdb.HExists(ctx, ckptDataPrefix+threadID, strconv.FormatInt(sequence, 10)).Result()
	if err != nil {
		return false, wrapRedis("checkpoint has", err)
	}
	return ok, nil
}

func (s *RedisStore) Prune(ctx context.Context, threadID string, keepLastN int) error {
	seqs, err := s.sequences(ctx, threadID)
	if err != nil {
		return err
	}
	if len(seqs) <= keepLastN {
		return nil
	}
	drop := seqs[:len(seqs)-keepLastN]
	fields := make([]string, len(drop))
	for i, seq := range drop {
		fields[i] = strconv.FormatInt(seq, 10)
	}
	if err := s.rdb.HDel(ctx, ckptDataPrefix+threadID, fields...).Err(); err != nil {
		return wrapRedis("checkpoint prune", err)
	}
	return nil
}

// maxSequence returns the highest written sequence. The counter alone is not
// authoritative after a prune-everything, so fall back to the hash fields.
func (s *RedisStore) maxSequence(ctx context.Context, threadID string) (int64, error) {
	seqs, err := s.sequences(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if len(seqs) == 0 {
		return 0, autherr.ErrNotFound
	}
	return seqs[len(seqs)-1], nil
}

func (s *RedisStore) sequences(ctx context.Context, threadID string) ([]int64, error) {
	fields, err := s.rdb.HKeys(ctx, ckptDataPrefix+threadID).Result()
	if err != nil {
		return nil, wrapRedis("checkpoint scan", err)
	}
	seqs := make([]int64, 0, len(fields))
	for _, f := range fields {
		if seq, err := strconv.ParseInt(f, 10, 64); err == nil {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

func wrapRedis(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, autherr.ErrBackendUnavailable, err)
}
