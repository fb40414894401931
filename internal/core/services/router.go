// Package services contains core business logic
// Following Hexagonal Architecture: Services orchestrate domain logic using ports
package services

import (
	"context"
	"log/slog"
	"sync"

	"botbridge/internal/core/domain"
)

// HandlerFunc is an application callback for one event-type key. The returned
// payload, when non-nil, is wrapped into the platform response envelope by
// the webhook adapter; nil means the generic success acknowledgment.
type HandlerFunc func(ctx context.Context, msg *domain.CanonicalMessage) (any, error)

// EventRouter maps event-type keys to registered handlers. Dispatch is
// synchronous and single-shot: one handler per key, no retries.
type EventRouter struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewEventRouter creates an empty router
func NewEventRouter() *EventRouter {
	return &EventRouter{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to an event-type key, replacing any previous one.
// Registration normally happens once at startup, before traffic.
func (r *EventRouter) Register(eventType string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = handler
}

// Dispatch invokes the handler registered for the key. A missing handler is
// not an error: the event is acknowledged with no further action.
func (r *EventRouter) Dispatch(ctx context.Context, eventType string, msg *domain.CanonicalMessage) (any, error) {
	r.mu.RLock()
	handler, ok := r.handlers[eventType]
	r.mu.RUnlock()

	if !ok {
		slog.Debug("no handler registered, acknowledging",
			"event_type", eventType,
			"platform", msg.Platform,
		)
		return nil, nil
	}

	return handler(ctx, msg)
}
