package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reconciler periodically sweeps the Redis user index sets and drops
// members whose connection record is absent. Such entries are left behind
// when a Remove is interrupted between its record delete and its index
// discard, or when an instance dies without cleaning up its connections.
type Reconciler struct {
	client   redisClient
	interval time.Duration
	logger   *slog.Logger
}

// NewReconciler creates a sweep with the given interval.
func NewReconciler(client redisClient, interval time.Duration, logger *slog.Logger) (*Reconciler, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("reconcile interval must be positive, got %s", interval)
	}
	return &Reconciler{
		client:   client,
		interval: interval,
		logger:   logger.With("component", "registry_reconciler"),
	}, nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Registry reconciler started", "interval", r.interval.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Registry reconciler stopped")
			return
		case <-ticker.C:
			if dropped, err := r.SweepOnce(ctx); err != nil {
				r.logger.Error("Reconcile sweep failed", "err", err)
			} else if dropped > 0 {
				r.logger.Info("Reconcile sweep dropped stale index entries", "count", dropped)
			}
		}
	}
}

// SweepOnce scans every user index set and removes stale members. It
// returns the number of entries dropped.
func (r *Reconciler) SweepOnce(ctx context.Context) (int, error) {
	var dropped int
	var cursor uint64

	for {
		keys, next, err := r.client.Scan(ctx, cursor, userIndexKeyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			return dropped, fmt.Errorf("failed to scan user indexes: %w", err)
		}

		for _, indexKey := range keys {
			members, err := r.client.SMembers(ctx, indexKey).Result()
			if err != nil {
				return dropped, fmt.Errorf("failed to read index %s: %w", indexKey, err)
			}
			for _, connectionID := range members {
				_, err := r.client.Get(ctx, connKey(connectionID)).Result()
				if errors.Is(err, redis.Nil) {
					if err := r.client.SRem(ctx, indexKey, connectionID).Err(); err != nil {
						r.logger.Warn("Failed to drop stale index entry", "key", indexKey, "conn", connectionID, "err", err)
						continue
					}
					dropped++
					continue
				}
				if err != nil {
					return dropped, fmt.Errorf("failed to check record %s: %w", connectionID, err)
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return dropped, nil
}
