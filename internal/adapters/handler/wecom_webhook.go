package handler

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"botbridge/internal/adapters/codec"
	"botbridge/internal/adapters/dto"
	"botbridge/internal/core/services"
)

// WeComWebhookHandler handles the WeChat Work callback endpoint
type WeComWebhookHandler struct {
	dispatcher *services.Dispatcher
	crypto     *codec.WeComCrypto
	corpID     string
}

// NewWeComWebhookHandler creates a new WeCom webhook handler
func NewWeComWebhookHandler(dispatcher *services.Dispatcher, crypto *codec.WeComCrypto, corpID string) *WeComWebhookHandler {
	return &WeComWebhookHandler{
		dispatcher: dispatcher,
		crypto:     crypto,
		corpID:     corpID,
	}
}

// HandleVerify handles GET /webhook/wecom, the callback URL verification.
// WeCom sends an encrypted echostr; the decrypted plaintext must be
// returned verbatim with no quoting or extra whitespace.
func (h *WeComWebhookHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	signature := query.Get("msg_signature")
	timestamp := query.Get("timestamp")
	nonce := query.Get("nonce")
	echostr := query.Get("echostr")

	if !h.crypto.VerifySignature(signature, timestamp, nonce, echostr) {
		slog.Warn("WeCom URL verification signature mismatch")
		http.Error(w, "Invalid message signature", http.StatusUnauthorized)
		return
	}

	plaintext, _, err := h.crypto.Decrypt(echostr)
	if err != nil {
		slog.Error("WeCom echostr decrypt failed", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	slog.Info("WeCom URL verification successful")
	w.WriteHeader(http.StatusOK)
	w.Write(plaintext)
}

// HandleEvent handles POST /webhook/wecom
func (h *WeComWebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("Failed to read WeCom webhook body", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	envelope, err := codec.ParseEncryptedEnvelope(body)
	if err != nil {
		slog.Error("Failed to parse WeCom envelope", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	signature := query.Get("msg_signature")
	timestamp := query.Get("timestamp")
	nonce := query.Get("nonce")

	if !h.crypto.VerifySignature(signature, timestamp, nonce, envelope.Encrypt) {
		slog.Warn("WeCom signature validation failed", "timestamp", timestamp)
		http.Error(w, "Invalid message signature", http.StatusUnauthorized)
		return
	}

	plaintext, receiverID, err := h.crypto.Decrypt(envelope.Encrypt)
	if err != nil {
		slog.Error("WeCom payload decrypt failed", "error", err, "receiver_id", receiverID)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	msg, err := dto.ParseWeComMessage(plaintext)
	if err != nil {
		// Unknown MsgType is a hard error on this platform. Acknowledge so
		// WeCom stops retrying a payload we will never understand.
		slog.Warn("WeCom message rejected", "error", err)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
		return
	}

	result, err := h.dispatcher.Process(r.Context(), dto.WeComEventKey(msg), msg)
	if err != nil {
		slog.Error("WeCom event processing failed",
			"message_id", msg.MessageID,
			"error", err,
		)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
		return
	}

	// A handler returning a string produces a passive encrypted reply
	if reply, ok := result.(string); ok && reply != "" {
		h.writeEncryptedReply(w, msg.SenderID, reply)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("success"))
}

// writeEncryptedReply renders, encrypts and signs a passive text reply
func (h *WeComWebhookHandler) writeEncryptedReply(w http.ResponseWriter, toUser, text string) {
	replyXML := dto.BuildWeComTextReply(toUser, h.corpID, text)

	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	nonce := randomNonce()

	out, err := h.crypto.EncryptedReply(replyXML, timestamp, nonce)
	if err != nil {
		slog.Error("Failed to build WeCom encrypted reply", "error", err)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func randomNonce() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
