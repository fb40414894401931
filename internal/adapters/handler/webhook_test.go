package handler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botbridge/internal/adapters/codec"
	"botbridge/internal/core/domain"
	"botbridge/internal/core/services"
)

// ============================================================================
// In-memory repositories
// ============================================================================

type stubWebhookRepo struct {
	mu   sync.Mutex
	logs []*domain.WebhookLog
}

func (r *stubWebhookRepo) SaveLog(ctx context.Context, log *domain.WebhookLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.ID = int64(len(r.logs) + 1)
	r.logs = append(r.logs, log)
	return nil
}

func (r *stubWebhookRepo) UpdateStatus(ctx context.Context, id int64, status, errorLog string) error {
	return nil
}

type stubMessageRepo struct {
	mu    sync.Mutex
	saved []*domain.CanonicalMessage
}

func (r *stubMessageRepo) SaveMessage(ctx context.Context, msg *domain.CanonicalMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, msg)
	return nil
}

func (r *stubMessageRepo) Exists(ctx context.Context, messageID string) (bool, error) {
	return false, nil
}

type stubDedupRepo struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (r *stubDedupRepo) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[eventID], nil
}

func (r *stubDedupRepo) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[string]bool)
	}
	r.seen[eventID] = true
	return nil
}

func newTestDispatcher() (*services.Dispatcher, *services.EventRouter, *stubMessageRepo) {
	router := services.NewEventRouter()
	msgRepo := &stubMessageRepo{}
	dispatcher := services.NewDispatcher(router, &stubWebhookRepo{}, msgRepo, &stubDedupRepo{})
	return dispatcher, router, msgRepo
}

// ============================================================================
// Feishu webhook
// ============================================================================

func feishuSign(timestamp, nonce, key string, body []byte) string {
	var buf bytes.Buffer
	buf.WriteString(timestamp)
	buf.WriteString(nonce)
	buf.WriteString(key)
	buf.Write(body)
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func TestFeishuURLVerification(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher()
	h := NewFeishuWebhookHandler(dispatcher, "", "verify-token-t")

	body := []byte(`{"type":"url_verification","token":"verify-token-t","challenge":"challenge-c"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/feishu", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandleEvent(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "challenge-c", resp["challenge"])
}

func TestFeishuURLVerificationWrongToken(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher()
	h := NewFeishuWebhookHandler(dispatcher, "", "verify-token-t")

	body := []byte(`{"type":"url_verification","token":"wrong","challenge":"c"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/feishu", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandleEvent(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFeishuSignatureRejected(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher()
	h := NewFeishuWebhookHandler(dispatcher, "encrypt-key", "")

	body := []byte(`{"type":"url_verification","challenge":"c"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/feishu", bytes.NewReader(body))
	req.Header.Set("X-Lark-Request-Timestamp", "1700000000")
	req.Header.Set("X-Lark-Request-Nonce", "nonce")
	req.Header.Set("X-Lark-Signature", "deadbeef")
	rec := httptest.NewRecorder()

	h.HandleEvent(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid message signature")
}

func feishuEventBody(t *testing.T) []byte {
	t.Helper()
	payload := map[string]any{
		"schema": "2.0",
		"header": map[string]any{
			"event_id":   "evt-001",
			"event_type": "im.message.receive_v1",
			"token":      "verify-token-t",
		},
		"event": map[string]any{
			"sender": map[string]any{
				"sender_id": map[string]any{"open_id": "ou_sender"},
			},
			"message": map[string]any{
				"message_id":   "om_12345",
				"create_time":  "1700000000000",
				"chat_id":      "oc_chat",
				"chat_type":    "group",
				"message_type": "text",
				"content":      `{"text":"hello world"}`,
			},
		},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return body
}

func TestFeishuMessageEventDispatched(t *testing.T) {
	dispatcher, router, msgRepo := newTestDispatcher()

	var got *domain.CanonicalMessage
	router.Register("im.message.receive_v1", func(ctx context.Context, msg *domain.CanonicalMessage) (any, error) {
		got = msg
		return nil, nil
	})

	key := "signing-key"
	h := NewFeishuWebhookHandler(dispatcher, key, "verify-token-t")

	body := feishuEventBody(t)
	timestamp := "1700000000"
	nonce := "abc123"
	req := httptest.NewRequest(http.MethodPost, "/webhook/feishu", bytes.NewReader(body))
	req.Header.Set("X-Lark-Request-Timestamp", timestamp)
	req.Header.Set("X-Lark-Request-Nonce", nonce)
	req.Header.Set("X-Lark-Signature", feishuSign(timestamp, nonce, key, body))
	rec := httptest.NewRecorder()

	h.HandleEvent(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":0`)

	require.NotNil(t, got)
	assert.Equal(t, "om_12345", got.MessageID)
	assert.Equal(t, domain.PlatformFeishu, got.Platform)
	assert.Equal(t, domain.ChatTypeGroup, got.ChatType)
	text, ok := got.Content.(domain.TextContent)
	require.True(t, ok)
	assert.Equal(t, "hello world", text.Text)

	require.Len(t, msgRepo.saved, 1)
}

func TestFeishuNonMessageEventDispatched(t *testing.T) {
	dispatcher, router, _ := newTestDispatcher()

	var got *domain.CanonicalMessage
	router.Register("im.chat.member.user.added_v1", func(ctx context.Context, msg *domain.CanonicalMessage) (any, error) {
		got = msg
		return nil, nil
	})

	h := NewFeishuWebhookHandler(dispatcher, "", "verify-token-t")

	body := []byte(`{
		"schema": "2.0",
		"header": {
			"event_id": "evt-join-1",
			"event_type": "im.chat.member.user.added_v1",
			"create_time": "1700000000000",
			"token": "verify-token-t"
		},
		"event": {"chat_id": "oc_chat", "users": [{"user_id": {"open_id": "ou_new"}}]}
	}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/feishu", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandleEvent(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":0`)

	require.NotNil(t, got)
	assert.Equal(t, "evt-join-1", got.MessageID)
	assert.Equal(t, domain.MessageTypeEvent, got.MessageType)
	raw, ok := got.Content.(domain.RawJSONContent)
	require.True(t, ok)
	assert.Equal(t, "oc_chat", raw.Fields["chat_id"])
}

func TestFeishuHandlerErrorStillAcknowledged(t *testing.T) {
	dispatcher, router, _ := newTestDispatcher()
	router.Register("im.message.receive_v1", func(ctx context.Context, msg *domain.CanonicalMessage) (any, error) {
		return nil, fmt.Errorf("downstream unavailable")
	})

	h := NewFeishuWebhookHandler(dispatcher, "", "verify-token-t")

	req := httptest.NewRequest(http.MethodPost, "/webhook/feishu", bytes.NewReader(feishuEventBody(t)))
	rec := httptest.NewRecorder()

	h.HandleEvent(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

// ============================================================================
// WeCom webhook
// ============================================================================

const (
	wecomTestAESKey = "jWmYm7qr5nMoAUwZRjGtBxmz3KA1tkAj3ykkR6q2B2C"
	wecomTestToken  = "QDG6eK"
	wecomTestCorpID = "wx5823bf96d3bd56c7"
)

func newWeComTestHandler(t *testing.T) (*WeComWebhookHandler, *codec.WeComCrypto, *services.EventRouter) {
	t.Helper()
	crypto, err := codec.NewWeComCrypto(wecomTestToken, wecomTestAESKey, wecomTestCorpID)
	require.NoError(t, err)
	dispatcher, router, _ := newTestDispatcher()
	return NewWeComWebhookHandler(dispatcher, crypto, wecomTestCorpID), crypto, router
}

func wecomSignedRequest(t *testing.T, crypto *codec.WeComCrypto, plaintext []byte) *http.Request {
	t.Helper()
	encrypted, err := crypto.Encrypt(plaintext)
	require.NoError(t, err)

	timestamp := "1700000000"
	nonce := "nonce42"
	envelope := fmt.Sprintf(
		"<xml><ToUserName><![CDATA[%s]]></ToUserName><Encrypt><![CDATA[%s]]></Encrypt></xml>",
		wecomTestCorpID, encrypted,
	)
	url := fmt.Sprintf("/webhook/wecom?msg_signature=%s&timestamp=%s&nonce=%s",
		crypto.Signature(timestamp, nonce, encrypted), timestamp, nonce)
	return httptest.NewRequest(http.MethodPost, url, strings.NewReader(envelope))
}

func TestWeComEchostrVerification(t *testing.T) {
	h, crypto, _ := newWeComTestHandler(t)

	echostr, err := crypto.Encrypt([]byte("1616140317555161061"))
	require.NoError(t, err)

	timestamp := "1409659589"
	nonce := "263014780"
	url := fmt.Sprintf("/webhook/wecom?msg_signature=%s&timestamp=%s&nonce=%s&echostr=%s",
		crypto.Signature(timestamp, nonce, echostr), timestamp, nonce, urlQueryEscape(echostr))
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()

	h.HandleVerify(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1616140317555161061", rec.Body.String())
}

func TestWeComEchostrBadSignature(t *testing.T) {
	h, crypto, _ := newWeComTestHandler(t)

	echostr, err := crypto.Encrypt([]byte("echo"))
	require.NoError(t, err)

	url := "/webhook/wecom?msg_signature=bad&timestamp=1&nonce=2&echostr=" + urlQueryEscape(echostr)
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()

	h.HandleVerify(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid message signature")
}

func TestWeComEventBadSignature(t *testing.T) {
	h, crypto, _ := newWeComTestHandler(t)

	encrypted, err := crypto.Encrypt([]byte("<xml></xml>"))
	require.NoError(t, err)

	envelope := fmt.Sprintf("<xml><Encrypt><![CDATA[%s]]></Encrypt></xml>", encrypted)
	req := httptest.NewRequest(http.MethodPost,
		"/webhook/wecom?msg_signature=bad&timestamp=1&nonce=2",
		strings.NewReader(envelope))
	rec := httptest.NewRecorder()

	h.HandleEvent(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid message signature")
}

func TestWeComTextMessageDispatched(t *testing.T) {
	h, crypto, router := newWeComTestHandler(t)

	var got *domain.CanonicalMessage
	router.Register("text", func(ctx context.Context, msg *domain.CanonicalMessage) (any, error) {
		got = msg
		return nil, nil
	})

	plaintext := []byte(`<xml>
		<ToUserName><![CDATA[wx5823bf96d3bd56c7]]></ToUserName>
		<FromUserName><![CDATA[user001]]></FromUserName>
		<CreateTime>1700000000</CreateTime>
		<MsgType><![CDATA[text]]></MsgType>
		<Content><![CDATA[ping]]></Content>
		<MsgId>4561255354251345929</MsgId>
		<AgentID>218</AgentID>
	</xml>`)

	rec := httptest.NewRecorder()
	h.HandleEvent(rec, wecomSignedRequest(t, crypto, plaintext))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())

	require.NotNil(t, got)
	assert.Equal(t, "4561255354251345929", got.MessageID)
	assert.Equal(t, domain.PlatformWeCom, got.Platform)
	text, ok := got.Content.(domain.TextContent)
	require.True(t, ok)
	assert.Equal(t, "ping", text.Text)
}

func TestWeComPassiveReplyEncrypted(t *testing.T) {
	h, crypto, router := newWeComTestHandler(t)

	router.Register("text", func(ctx context.Context, msg *domain.CanonicalMessage) (any, error) {
		return "pong", nil
	})

	plaintext := []byte(`<xml>
		<ToUserName><![CDATA[wx5823bf96d3bd56c7]]></ToUserName>
		<FromUserName><![CDATA[user001]]></FromUserName>
		<CreateTime>1700000000</CreateTime>
		<MsgType><![CDATA[text]]></MsgType>
		<Content><![CDATA[ping]]></Content>
		<MsgId>99887766</MsgId>
	</xml>`)

	rec := httptest.NewRecorder()
	h.HandleEvent(rec, wecomSignedRequest(t, crypto, plaintext))

	require.Equal(t, http.StatusOK, rec.Code)

	// Reply must be a signed envelope whose payload decrypts to the text
	// reply addressed back to the sender.
	env, err := codec.ParseEncryptedEnvelope(rec.Body.Bytes())
	require.NoError(t, err)
	replyXML, _, err := crypto.Decrypt(env.Encrypt)
	require.NoError(t, err)
	assert.Contains(t, string(replyXML), "pong")
	assert.Contains(t, string(replyXML), "user001")
}

func TestWeComUnknownTypeAcknowledged(t *testing.T) {
	h, crypto, _ := newWeComTestHandler(t)

	plaintext := []byte(`<xml>
		<ToUserName><![CDATA[wx5823bf96d3bd56c7]]></ToUserName>
		<FromUserName><![CDATA[user001]]></FromUserName>
		<CreateTime>1700000000</CreateTime>
		<MsgType><![CDATA[bogus]]></MsgType>
	</xml>`)

	rec := httptest.NewRecorder()
	h.HandleEvent(rec, wecomSignedRequest(t, crypto, plaintext))

	// WeCom retries on anything but a 200 ack; a payload we can never parse
	// should not be retried.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())
}

func urlQueryEscape(s string) string {
	r := strings.NewReplacer("+", "%2B", "/", "%2F", "=", "%3D")
	return r.Replace(s)
}
