package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"botbridge/internal/core/domain"
	"botbridge/internal/core/ports"
)

// How long processed event ids stay in the dedup cache. Platforms re-deliver
// within minutes; 24h gives a wide safety margin.
const dedupTTL = 24 * time.Hour

// Dispatcher orchestrates the post-parse half of webhook processing: audit
// log, dedup, persistence, then synchronous dispatch to the registered
// handler. The platform adapters handle signature/decrypt/parse before
// calling Process and wrap its result into the platform response envelope.
type Dispatcher struct {
	router      *EventRouter
	webhookRepo ports.WebhookRepository
	messageRepo ports.MessageRepository
	dedupRepo   ports.DedupRepository
}

// NewDispatcher creates a new dispatcher instance with dependencies injected
func NewDispatcher(
	router *EventRouter,
	webhookRepo ports.WebhookRepository,
	messageRepo ports.MessageRepository,
	dedupRepo ports.DedupRepository,
) *Dispatcher {
	return &Dispatcher{
		router:      router,
		webhookRepo: webhookRepo,
		messageRepo: messageRepo,
		dedupRepo:   dedupRepo,
	}
}

// Process runs one canonical message through dedup, persistence, and the
// handler registered for eventKey. Re-delivered events are acknowledged
// without re-dispatch. The returned payload comes from the handler and may
// be nil.
func (d *Dispatcher) Process(ctx context.Context, eventKey string, msg *domain.CanonicalMessage) (result any, err error) {
	// A panicking handler must surface as a failed request, never crash the
	// process.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic recovered in event dispatch",
				"panic", r,
				"platform", msg.Platform,
				"message_id", msg.MessageID,
			)
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	logID := d.saveAuditLog(ctx, msg)

	if msg.MessageID != "" {
		isDup, dupErr := d.dedupRepo.IsDuplicate(ctx, msg.MessageID)
		if dupErr != nil {
			// Cache down: fall back to the persistent store for idempotency
			slog.Warn("dedup cache unavailable, falling back to message store",
				"error", dupErr,
				"message_id", msg.MessageID,
			)
			isDup, dupErr = d.messageRepo.Exists(ctx, msg.MessageID)
			if dupErr != nil {
				d.finishAuditLog(ctx, logID, domain.WebhookStatusFailed, dupErr)
				return nil, fmt.Errorf("dedup check failed: %w", dupErr)
			}
		}
		if isDup {
			slog.Info("duplicate event acknowledged",
				"platform", msg.Platform,
				"message_id", msg.MessageID,
			)
			d.finishAuditLog(ctx, logID, domain.WebhookStatusProcessed, nil)
			return nil, nil
		}
	}

	if saveErr := d.messageRepo.SaveMessage(ctx, msg); saveErr != nil {
		d.finishAuditLog(ctx, logID, domain.WebhookStatusFailed, saveErr)
		return nil, fmt.Errorf("save message failed: %w", saveErr)
	}

	if msg.MessageID != "" {
		if markErr := d.dedupRepo.MarkProcessed(ctx, msg.MessageID, dedupTTL); markErr != nil {
			// Message is already persisted; log and continue
			slog.Warn("failed to mark event in dedup cache",
				"error", markErr,
				"message_id", msg.MessageID,
			)
		}
	}

	result, err = d.router.Dispatch(ctx, eventKey, msg)
	if err != nil {
		d.finishAuditLog(ctx, logID, domain.WebhookStatusFailed, err)
		return nil, fmt.Errorf("handler for %q failed: %w", eventKey, err)
	}

	d.finishAuditLog(ctx, logID, domain.WebhookStatusProcessed, nil)

	slog.Info("event processed",
		"platform", msg.Platform,
		"event_key", eventKey,
		"message_id", msg.MessageID,
		"message_type", msg.MessageType,
	)
	return result, nil
}

// saveAuditLog persists the inbound event for audit and replay. A failed
// insert is logged but never blocks processing.
func (d *Dispatcher) saveAuditLog(ctx context.Context, msg *domain.CanonicalMessage) int64 {
	payload, marshalErr := json.Marshal(msg)
	if marshalErr != nil {
		payload = []byte(fmt.Sprintf("%q", msg.RawContent))
	}

	entry := &domain.WebhookLog{
		Platform:    msg.Platform,
		PayloadJSON: payload,
		Status:      domain.WebhookStatusPending,
		CreatedAt:   time.Now(),
	}
	if err := d.webhookRepo.SaveLog(ctx, entry); err != nil {
		slog.Error("failed to save webhook audit log",
			"error", err,
			"platform", msg.Platform,
		)
		return 0
	}
	return entry.ID
}

func (d *Dispatcher) finishAuditLog(ctx context.Context, logID int64, status string, cause error) {
	if logID == 0 {
		return
	}
	errorLog := ""
	if cause != nil {
		errorLog = cause.Error()
	}
	if err := d.webhookRepo.UpdateStatus(ctx, logID, status, errorLog); err != nil {
		slog.Warn("failed to update webhook log status",
			"error", err,
			"log_id", logID,
			"status", status,
		)
	}
}
