// --- File: internal/registry/redis.go ---
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Close() error
}

// RedisRegistry is the externally-shared backend. It stores each record as
// JSON under `notify:conn:{id}` and maintains the per-user secondary index
// as a server-side set under `notify:user-conns:{userId}`, so every service
// instance observes the same view.
//
// Remove performs two operations (delete record, then discard from the set)
// that are not transactional. A crash between them leaks a stale index
// entry; the Reconciler sweep compensates.
type RedisRegistry struct {
	client redisClient
	logger *slog.Logger
}

// NewRedisRegistry is the constructor for the RedisRegistry.
func NewRedisRegistry(client redisClient, logger *slog.Logger) (*RedisRegistry, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisRegistry{
		client: client,
		logger: logger.With("component", "redis_registry"),
	}, nil
}

// Add upserts the record and adds the connection to the user's index set.
func (s *RedisRegistry) Add(ctx context.Context, record notify.ConnectionRecord) error {
	log := s.logger.With("conn", record.ConnectionID)

	payload, err := json.Marshal(record)
	if err != nil {
		log.Error("Failed to marshal connection record", "err", err)
		return fmt.Errorf("failed to marshal connection record: %w", err)
	}

	key := connKey(record.ConnectionID)
	if err := s.client.Set(ctx, key, payload, 0).Err(); err != nil {
		log.Error("Failed to set connection record", "key", key, "err", err)
		return fmt.Errorf("failed to set connection record: %w", err)
	}

	if record.UserID != "" {
		indexKey := userIndexKey(record.UserID)
		if err := s.client.SAdd(ctx, indexKey, record.ConnectionID).Err(); err != nil {
			log.Error("Failed to add connection to user index", "key", indexKey, "err", err)
			return fmt.Errorf("failed to add connection to user index: %w", err)
		}
	}
	return nil
}

// Remove deletes the record, then discards the id from the user's index.
// The two steps are intentionally separate commands; see the type comment.
func (s *RedisRegistry) Remove(ctx context.Context, connectionID string) error {
	log := s.logger.With("conn", connectionID)

	record, err := s.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}

	if err := s.client.Del(ctx, connKey(connectionID)).Err(); err != nil {
		log.Error("Failed to delete connection record", "err", err)
		return fmt.Errorf("failed to delete connection record: %w", err)
	}

	if record.UserID != "" {
		if err := s.client.SRem(ctx, userIndexKey(record.UserID), connectionID).Err(); err != nil {
			// The record is gone but the index entry leaked. The
			// reconciler sweep will drop it.
			log.Error("Failed to remove connection from user index", "user", record.UserID, "err", err)
			return fmt.Errorf("failed to remove connection from user index: %w", err)
		}
	}
	return nil
}

// Get returns the record for connectionID, or nil when absent.
func (s *RedisRegistry) Get(ctx context.Context, connectionID string) (*notify.ConnectionRecord, error) {
	payload, err := s.client.Get(ctx, connKey(connectionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection record: %w", err)
	}

	var record notify.ConnectionRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection record: %w", err)
	}
	return &record, nil
}

// ListAll scans the record keyspace. Scan is cursor-based and safe against
// concurrent mutation, at the cost of a weakly-consistent snapshot.
func (s *RedisRegistry) ListAll(ctx context.Context) ([]notify.ConnectionRecord, error) {
	var records []notify.ConnectionRecord
	var cursor uint64

	for {
		keys, next, err := s.client.Scan(ctx, cursor, connKeyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection records: %w", err)
		}
		for _, key := range keys {
			payload, err := s.client.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				continue // Removed between scan and get.
			}
			if err != nil {
				return nil, fmt.Errorf("failed to get connection record %s: %w", key, err)
			}
			var record notify.ConnectionRecord
			if err := json.Unmarshal([]byte(payload), &record); err != nil {
				s.logger.Warn("Skipping malformed connection record", "key", key, "err", err)
				continue
			}
			records = append(records, record)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return records, nil
}

// ListByUser resolves the user's index set to records. Index members whose
// record is absent are stale entries from an interrupted Remove and are
// skipped here; the reconciler deletes them.
func (s *RedisRegistry) ListByUser(ctx context.Context, userID string) ([]notify.ConnectionRecord, error) {
	members, err := s.client.SMembers(ctx, userIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user index: %w", err)
	}

	records := make([]notify.ConnectionRecord, 0, len(members))
	for _, connectionID := range members {
		record, err := s.Get(ctx, connectionID)
		if err != nil {
			return nil, err
		}
		if record == nil {
			s.logger.Debug("Skipping stale user index entry", "user", userID, "conn", connectionID)
			continue
		}
		records = append(records, *record)
	}
	return records, nil
}

// Close closes the underlying client.
func (s *RedisRegistry) Close() error {
	return s.client.Close()
}

// --- Private Helpers ---

const (
	connKeyPrefix      = "notify:conn:"
	userIndexKeyPrefix = "notify:user-conns:"
	scanBatchSize      = 100
)

// key formatting helpers
func connKey(connectionID string) string { return connKeyPrefix + connectionID }

func userIndexKey(userID string) string { return userIndexKeyPrefix + userID }
