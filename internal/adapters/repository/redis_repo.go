// Package repository implements data persistence adapters
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"botbridge/internal/core/ports"
)

// Ensure RedisRepository implements DedupRepository
var _ ports.DedupRepository = (*RedisRepository)(nil)

// RedisRepository implements event deduplication using Redis TTL keys
type RedisRepository struct {
	client *redis.Client
}

// NewRedisRepository creates a new Redis repository instance
func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{
		client: client,
	}
}

// IsDuplicate checks if an event ID has already been processed
func (r *RedisRepository) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	key := buildDedupKey(eventID)

	_, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}

	slog.Warn("duplicate webhook event detected", "event_id", eventID)
	return true, nil
}

// MarkProcessed marks an event as processed with a TTL. The stored value is
// the processing timestamp, for debugging.
func (r *RedisRepository) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	key := buildDedupKey(eventID)

	if err := r.client.Set(ctx, key, time.Now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}

	slog.Debug("event marked as processed", "event_id", eventID, "ttl", ttl)
	return nil
}

// buildDedupKey constructs the Redis key, format dedup:event:{id}
func buildDedupKey(eventID string) string {
	return fmt.Sprintf("dedup:event:%s", eventID)
}
