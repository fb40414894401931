package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"botbridge/internal/adapters/codec"
	"botbridge/internal/adapters/dto"
	"botbridge/internal/core/services"
)

// FeishuWebhookHandler handles the Feishu event subscription endpoint
type FeishuWebhookHandler struct {
	dispatcher        *services.Dispatcher
	encryptKey        string // Also used for signature verification
	verificationToken string // Static token echoed in every callback
}

// NewFeishuWebhookHandler creates a new Feishu webhook handler
func NewFeishuWebhookHandler(dispatcher *services.Dispatcher, encryptKey, verificationToken string) *FeishuWebhookHandler {
	return &FeishuWebhookHandler{
		dispatcher:        dispatcher,
		encryptKey:        encryptKey,
		verificationToken: verificationToken,
	}
}

// HandleEvent handles POST /webhook/feishu.
// The same endpoint serves the one-time URL verification handshake and
// regular event callbacks.
func (h *FeishuWebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("Failed to read Feishu webhook body", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	// Signature check happens before any payload parsing
	timestamp := r.Header.Get("X-Lark-Request-Timestamp")
	nonce := r.Header.Get("X-Lark-Request-Nonce")
	signature := r.Header.Get("X-Lark-Signature")
	if !codec.VerifyFeishuSignature(timestamp, nonce, h.encryptKey, body, signature) {
		slog.Warn("Feishu signature validation failed", "timestamp", timestamp)
		http.Error(w, "Invalid message signature", http.StatusUnauthorized)
		return
	}

	var req dto.FeishuWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		slog.Error("Failed to parse Feishu webhook payload", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// URL verification handshake: echo the challenge back as JSON
	if req.IsURLVerification() {
		if h.verificationToken != "" && req.Token != h.verificationToken {
			slog.Warn("Feishu URL verification with wrong token")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		slog.Info("Feishu URL verification successful")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": req.Challenge})
		return
	}

	if h.verificationToken != "" && req.VerificationToken() != h.verificationToken {
		slog.Warn("Feishu event with wrong verification token")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	switch req.Header.EventType {
	case dto.FeishuEventMessageReceive:
		var event dto.FeishuMessageEvent
		if err := json.Unmarshal(req.Event, &event); err != nil {
			slog.Error("Failed to parse Feishu message event", "error", err)
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		msg := event.ToCanonicalMessage()
		if _, err := h.dispatcher.Process(r.Context(), req.Header.EventType, msg); err != nil {
			slog.Error("Feishu event processing failed",
				"event_id", req.Header.EventID,
				"error", err,
			)
			// Platform retries on non-200; processing errors are ours to
			// handle, so acknowledge anyway.
		}

	case "":
		slog.Debug("Feishu payload without event type ignored")

	default:
		// Any other event type still routes on its resolved key; handlers
		// registered for it receive the raw event body.
		msg := dto.GenericFeishuEvent(req.Header, req.Event)
		if _, err := h.dispatcher.Process(r.Context(), req.Header.EventType, msg); err != nil {
			slog.Error("Feishu event processing failed",
				"event_id", req.Header.EventID,
				"event_type", req.Header.EventType,
				"error", err,
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "success"})
}
