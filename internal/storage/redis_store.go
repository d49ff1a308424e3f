package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultSnapshotKey = "ecs:membership:snapshot"

// RedisStore keeps the latest snapshot in a single Redis key
type RedisStore struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(addr, password string, db int, key string, logger *zap.Logger) (*RedisStore, error) {
	if key == "" {
		key = defaultSnapshotKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client: client,
		key:    key,
		logger: logger,
	}, nil
}

// Save writes the snapshot unless a newer version is already stored. The
// version check and the write run in one optimistic transaction.
func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, s.key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var prev Record
			if err := json.Unmarshal(current, &prev); err == nil && rec.Version < prev.Version {
				return ErrStaleSnapshot
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, data, 0)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, s.key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Warn("Snapshot key changed during save", zap.String("key", s.key), zap.Uint64("version", rec.Version))
		}
		return err
	}
	return nil
}

// Latest reads the stored snapshot
func (s *RedisStore) Latest(ctx context.Context) (Record, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Record{}, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return rec, nil
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
