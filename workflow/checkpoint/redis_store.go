package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps checkpoints in Redis. Each checkpoint is a JSON string;
// a sorted set per (thread, namespace) scored by step indexes them, and a
// set per thread lists its namespaces so a thread can be dropped at once.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	KeyPrefix string
	// TTL expires checkpoints of idle threads. Zero keeps them forever.
	TTL time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "layerflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		logger: logger.With(zap.String("store", "redis_checkpoint")),
	}
}

// OpenRedisStore connects to the Redis server at url (redis:// or rediss://)
// and verifies it answers.
func OpenRedisStore(ctx context.Context, url string, cfg RedisStoreConfig, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStore(client, cfg, logger), nil
}

func (s *RedisStore) dataKey(threadID, namespace, id string) string {
	return fmt.Sprintf("%scheckpoint:%s:%s:%s", s.prefix, threadID, namespace, id)
}

func (s *RedisStore) indexKey(threadID, namespace string) string {
	return fmt.Sprintf("%sthread:%s:%s", s.prefix, threadID, namespace)
}

func (s *RedisStore) namespacesKey(threadID string) string {
	return fmt.Sprintf("%snamespaces:%s", s.prefix, threadID)
}

func (s *RedisStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	idx := s.indexKey(cp.ThreadID, cp.Namespace)
	nsKey := s.namespacesKey(cp.ThreadID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.dataKey(cp.ThreadID, cp.Namespace, cp.ID), data, s.ttl)
		pipe.ZAdd(ctx, idx, redis.Z{Score: float64(cp.Step), Member: cp.ID})
		pipe.SAdd(ctx, nsKey, cp.Namespace)
		if s.ttl > 0 {
			pipe.Expire(ctx, idx, s.ttl)
			pipe.Expire(ctx, nsKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("checkpoint_id", cp.ID),
		zap.String("thread_id", cp.ThreadID),
		zap.Int("step", cp.Step),
	)
	return nil
}

func (s *RedisStore) Get(ctx context.Context, threadID, namespace, id string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.dataKey(threadID, namespace, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// latestBatch is how many index entries Latest reads per round trip.
const latestBatch = 16

// Latest walks the index newest first and returns the first checkpoint whose
// data is still present.
func (s *RedisStore) Latest(ctx context.Context, threadID, namespace string) (*Checkpoint, error) {
	idx := s.indexKey(threadID, namespace)
	for start := int64(0); ; start += latestBatch {
		ids, err := s.client.ZRevRange(ctx, idx, start, start+latestBatch-1).Result()
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		for _, id := range ids {
			cp, err := s.Get(ctx, threadID, namespace, id)
			if errors.Is(err, ErrNotFound) {
				s.logger.Warn("checkpoint index points at missing data", zap.String("id", id))
				continue
			}
			if err != nil {
				return nil, err
			}
			return cp, nil
		}
		if len(ids) < latestBatch {
			return nil, ErrNotFound
		}
	}
}

func (s *RedisStore) List(ctx context.Context, threadID, namespace string, limit int) ([]*Checkpoint, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(threadID, namespace), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.Get(ctx, threadID, namespace, id)
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("checkpoint index points at missing data", zap.String("id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *RedisStore) DeleteThread(ctx context.Context, threadID string) error {
	nsKey := s.namespacesKey(threadID)
	namespaces, err := s.client.SMembers(ctx, nsKey).Result()
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}

	keys := []string{nsKey}
	for _, ns := range namespaces {
		idx := s.indexKey(threadID, ns)
		ids, err := s.client.ZRange(ctx, idx, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("list checkpoints: %w", err)
		}
		keys = append(keys, idx)
		for _, id := range ids {
			keys = append(keys, s.dataKey(threadID, ns, id))
		}
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
