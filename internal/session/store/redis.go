package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"agent-gateway/backend/internal/autherr"
	"agent-gateway/backend/internal/session/domain"
)

const (
	sessKeyPrefix = "sess:"
	userKeyPrefix = "sessuser:"
)

// createScript makes the cap-check, LRU-evict, and insert one atomic step on
// the server, so two concurrent creates for the same user cannot both slip
// past the cap. Returns the evicted session ID or false.
//
// KEYS[1] = per-user ZSET; ARGV = max, sessionID, payload, ttlSeconds,
// lastAccessScore, session key prefix.
var createScript = redis.NewScript(`
local zkey = KEYS[1]
local max = tonumber(ARGV[1])
local prefix = ARGV[6]
local members = redis.call('ZRANGE', zkey, 0, -1)
for _, id in ipairs(members) do
  if redis.call('EXISTS', prefix .. id) == 0 then
    redis.call('ZREM', zkey, id)
  end
end
local evicted = false
if redis.call('ZCARD', zkey) >= max then
  local oldest = redis.call('ZRANGE', zkey, 0, 0)
  if oldest[1] then
    evicted = oldest[1]
    redis.call('ZREM', zkey, evicted)
    redis.call('DEL', prefix .. evicted)
  end
end
redis.call('SET', prefix .. ARGV[2], ARGV[3], 'EX', tonumber(ARGV[4]))
redis.call('ZADD', zkey, tonumber(ARGV[5]), ARGV[2])
return evicted
`)

// redisSession is the stored payload. Last-accessed lives in the per-user
// ZSET score and expiry in the key's native TTL, so Touch never rewrites the
// payload.
type redisSession struct {
	UserID     string            `json:"user_id"`
	Username   string            `json:"username"`
	Roles      []string          `json:"roles"`
	CreatedAt  time.Time         `json:"created_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	TTLSeconds int64             `json:"ttl_seconds"`
}

// RedisStore is the distributed-KV session backend. Expiry uses Redis native
// TTL; the eviction cap relies on createScript for atomicity.
type RedisStore struct {
	rdb  *redis.Client
	opts Options
	nowF func() time.Time
}

// NewRedisStore returns a session store backed by the given Redis client.
func NewRedisStore(rdb *redis.Client, opts Options) *RedisStore {
	if opts.MaxPerUser < 1 {
		opts.MaxPerUser = 1
	}
	return &RedisStore{rdb: rdb, opts: opts, nowF: func() time.Time { return time.Now().UTC() }}
}

func (s *RedisStore) Create(ctx context.Context, userID, username string, roles []string, metadata map[string]string, ttl time.Duration) (*domain.Session, error) {
	if len(roles) == 0 {
		return nil, ErrRolesRequired
	}
	now := s.nowF()
	ttl = s.opts.effectiveTTL(ttl)
	id := uuid.New().String()

	payload, err := json.Marshal(redisSession{
		UserID:     userID,
		Username:   username,
		Roles:      roles,
		CreatedAt:  now,
		Metadata:   metadata,
		TTLSeconds: int64(ttl / time.Second),
	})
	if err != nil {
		return nil, err
	}

	res, err := createScript.Run(ctx, s.rdb,
		[]string{userKeyPrefix + userID},
		s.opts.MaxPerUser, id, payload, int64(ttl/time.Second), now.Unix(), sessKeyPrefix,
	).Result()
	if err != nil {
		return nil, backendErr("session create", err)
	}
	if evictedID, ok := res.(string); ok && evictedID != "" && s.opts.OnEvict != nil {
		// Payload is already gone; the audit record carries the IDs.
		s.opts.OnEvict(ctx, &domain.Session{ID: evictedID, UserID: userID})
	}

	return &domain.Session{
		ID:             id,
		UserID:         userID,
		Username:       username,
		Roles:          append([]string(nil), roles...),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
		Metadata:       metadata,
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, _, err := s.load(ctx, sessionID)
	return sess, err
}

func (s *RedisStore) Touch(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, ttlSeconds, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.nowF()
	ttl := time.Duration(ttlSeconds) * time.Second

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, userKeyPrefix+sess.UserID, redis.Z{Score: float64(now.Unix()), Member: sessionID})
	if s.opts.Sliding && ttl > 0 {
		pipe.Expire(ctx, sessKeyPrefix+sessionID, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, backendErr("session touch", err)
	}

	sess.LastAccessedAt = now
	if s.opts.Sliding && ttl > 0 {
		sess.ExpiresAt = now.Add(ttl)
	}
	return sess, nil
}

func (s *RedisStore) UpdateMetadata(ctx context.Context, sessionID string, metadata map[string]string) (bool, error) {
	raw, err := s.rdb.Get(ctx, sessKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, backendErr("session update", err)
	}
	var stored redisSession
	if err := json.Unmarshal(raw, &stored); err != nil {
		return false, fmt.Errorf("session update: corrupt payload: %w", err)
	}
	stored.Metadata = metadata
	payload, err := json.Marshal(stored)
	if err != nil {
		return false, err
	}
	if err := s.rdb.Set(ctx, sessKeyPrefix+sessionID, payload, redis.KeepTTL).Err(); err != nil {
		return false, backendErr("session update", err)
	}
	return true, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	raw, err := s.rdb.Get(ctx, sessKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, backendErr("session delete", err)
	}
	var stored redisSession
	userID := ""
	if json.Unmarshal(raw, &stored) == nil {
		userID = stored.UserID
	}
	pipe := s.rdb.TxPipeline()
	del := pipe.Del(ctx, sessKeyPrefix+sessionID)
	if userID != "" {
		pipe.ZRem(ctx, userKeyPrefix+userID, sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, backendErr("session delete", err)
	}
	return del.Val() > 0, nil
}

func (s *RedisStore) ListActiveForUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	ids, err := s.rdb.ZRange(ctx, userKeyPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, backendErr("session list", err)
	}
	out := make([]*domain.Session, 0, len(ids))
	for _, id := range ids {
		sess, _, err := s.load(ctx, id)
		if errors.Is(err, autherr.ErrNotFound) {
			// TTL-expired member; drop the stale index entry.
			s.rdb.ZRem(ctx, userKeyPrefix+userID, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// load reconstructs the full session: payload from the key, last-accessed
// from the ZSET score, expiry from the key's remaining TTL. Also returns the
// session's original TTL in seconds for sliding extension.
func (s *RedisStore) load(ctx context.Context, sessionID string) (*domain.Session, int64, error) {
	raw, err := s.rdb.Get(ctx, sessKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, autherr.ErrNotFound
	}
	if err != nil {
		return nil, 0, backendErr("session get", err)
	}
	var stored redisSession
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, 0, fmt.Errorf("session get: corrupt payload: %w", err)
	}

	now := s.nowF()
	sess := &domain.Session{
		ID:             sessionID,
		UserID:         stored.UserID,
		Username:       stored.Username,
		Roles:          stored.Roles,
		CreatedAt:      stored.CreatedAt,
		ExpiresAt:      stored.CreatedAt.Add(time.Duration(stored.TTLSeconds) * time.Second),
		LastAccessedAt: stored.CreatedAt,
		Metadata:       stored.Metadata,
	}
	if ttl, err := s.rdb.TTL(ctx, sessKeyPrefix+sessionID).Result(); err == nil && ttl > 0 {
		sess.ExpiresAt = now.Add(ttl)
	}
	if score, err := s.rdb.ZScore(ctx, userKeyPrefix+stored.UserID, sessionID).Result(); err == nil {
		sess.LastAccessedAt = time.Unix(int64(score), 0).UTC()
	}
	return sess, stored.TTLSeconds, nil
}

func backendErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, autherr.ErrBackendUnavailable, err)
}
