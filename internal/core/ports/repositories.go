// Package ports defines interfaces for dependency inversion
// Following Hexagonal Architecture: Core defines contracts, Adapters implement them
package ports

import (
	"context"
	"time"

	"botbridge/internal/core/domain"
)

// WebhookRepository handles persistence of webhook audit logs.
// Every inbound event is logged for audit and replay.
type WebhookRepository interface {
	// SaveLog persists a webhook event to the audit log
	SaveLog(ctx context.Context, log *domain.WebhookLog) error

	// UpdateStatus updates the processing status of a webhook log
	// Used to track lifecycle: pending -> processed/failed
	UpdateStatus(ctx context.Context, id int64, status string, errorLog string) error
}

// MessageRepository handles persistence of parsed canonical messages
type MessageRepository interface {
	// SaveMessage persists a canonical message
	SaveMessage(ctx context.Context, msg *domain.CanonicalMessage) error

	// Exists checks if a message with the given platform ID already exists.
	// Used as an idempotency fallback when the dedup cache is unavailable.
	Exists(ctx context.Context, messageID string) (bool, error)
}

// DedupRepository handles deduplication of webhook events using cache.
// Platforms re-deliver events; processing is idempotent per event id.
type DedupRepository interface {
	// IsDuplicate checks if an event ID has already been processed
	IsDuplicate(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed marks an event as processed in the cache.
	// Sets a TTL to automatically expire old entries.
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error
}
