package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botbridge/internal/core/domain"
)

// newFeishuTestServer fakes the token endpoint and records call counts
func newFeishuTestServer(t *testing.T, tokenCalls *int32, handler http.HandlerFunc) (*httptest.Server, *FeishuClient) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/v3/tenant_access_token/internal" {
			atomic.AddInt32(tokenCalls, 1)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code":                0,
				"msg":                 "ok",
				"tenant_access_token": "t-ok",
				"expire":              7200,
			})
			return
		}
		if handler != nil {
			handler(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)

	client := NewFeishuClient("app-id", "app-secret")
	client.baseURL = server.URL
	return server, client
}

func TestFeishuClient_TokenCachedFastPath(t *testing.T) {
	var tokenCalls int32
	_, client := newFeishuTestServer(t, &tokenCalls, nil)
	ctx := context.Background()

	first, err := client.GetTenantToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t-ok", first)

	// Second call within the validity window issues no network call
	second, err := client.GetTenantToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls))
}

func TestFeishuClient_TokenRefreshInsideBuffer(t *testing.T) {
	var tokenCalls int32
	_, client := newFeishuTestServer(t, &tokenCalls, nil)
	ctx := context.Background()

	_, err := client.GetTenantToken(ctx)
	require.NoError(t, err)

	// Force the cached token inside the 5-minute safety buffer
	client.tokenMu.Lock()
	client.tokenExpire = time.Now().Add(2 * time.Minute)
	client.tokenMu.Unlock()

	_, err = client.GetTenantToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&tokenCalls), "stale token must trigger exactly one refresh")
}

func TestFeishuClient_TokenEndpointRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 10003, "msg": "invalid app_secret"})
	}))
	t.Cleanup(server.Close)

	client := NewFeishuClient("app-id", "bad-secret")
	client.baseURL = server.URL

	_, err := client.GetTenantToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuth)
	assert.Contains(t, err.Error(), "invalid app_secret")
}

func TestFeishuClient_SendText(t *testing.T) {
	var tokenCalls int32
	var gotBody map[string]string
	_, client := newFeishuTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/im/v1/messages", r.URL.Path)
		require.Equal(t, "chat_id", r.URL.Query().Get("receive_id_type"))
		require.Equal(t, "Bearer t-ok", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "success"})
	})

	err := client.SendText(context.Background(), "chat_id", "oc_123", "hello")
	require.NoError(t, err)
	assert.Equal(t, "oc_123", gotBody["receive_id"])
	assert.Equal(t, "text", gotBody["msg_type"])
	assert.JSONEq(t, `{"text":"hello"}`, gotBody["content"])
}

func TestFeishuClient_SendText_APIError(t *testing.T) {
	var tokenCalls int32
	_, client := newFeishuTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 230002, "msg": "bot not in chat"})
	})

	err := client.SendText(context.Background(), "chat_id", "oc_123", "hello")
	require.Error(t, err)

	var apiErr *domain.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 230002, apiErr.Code)
	assert.Equal(t, "bot not in chat", apiErr.Msg)
}

func TestFeishuClient_UploadImage_SizeLimit(t *testing.T) {
	client := NewFeishuClient("app-id", "app-secret")

	// Rejected before any network call: no server configured at all
	_, err := client.UploadImage(context.Background(), bytes.NewReader(nil), feishuImageMaxBytes+1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestFeishuClient_UploadImage(t *testing.T) {
	var tokenCalls int32
	_, client := newFeishuTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/im/v1/images", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "message", r.FormValue("image_type"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0, "msg": "success",
			"data": map[string]string{"image_key": "img_v2_abc"},
		})
	})

	data := []byte{0x89, 0x50, 0x4e, 0x47}
	key, err := client.UploadImage(context.Background(), bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, "img_v2_abc", key)
}

func TestFeishuClient_DownloadResource(t *testing.T) {
	var tokenCalls int32
	_, client := newFeishuTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/im/v1/messages/om_1/resources/fk_2", r.URL.Path)
		require.Equal(t, "file", r.URL.Query().Get("type"))
		_, _ = w.Write([]byte("binary-payload"))
	})

	data, err := client.DownloadResource(context.Background(), "om_1", "fk_2", "file")
	require.NoError(t, err)
	assert.Equal(t, []byte("binary-payload"), data)
}
