package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botbridge/internal/core/domain"
)

func newWeComTestServer(t *testing.T, tokenCalls *int32, handler http.HandlerFunc) *WeComClient {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cgi-bin/gettoken" {
			atomic.AddInt32(tokenCalls, 1)
			require.Equal(t, "corp-id", r.URL.Query().Get("corpid"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"errcode":      0,
				"errmsg":       "ok",
				"access_token": "wecom-token",
				"expires_in":   7200,
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

	client := NewWeComClient("corp-id", "corp-secret", 1000002)
	client.baseURL = server.URL
	return client
}

func TestWeComClient_TokenCachedFastPath(t *testing.T) {
	var tokenCalls int32
	client := newWeComTestServer(t, &tokenCalls, nil)
	ctx := context.Background()

	first, err := client.GetAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wecom-token", first)

	second, err := client.GetAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls))
}

func TestWeComClient_TokenStoredWithBuffer(t *testing.T) {
	var tokenCalls int32
	client := newWeComTestServer(t, &tokenCalls, nil)

	_, err := client.GetAccessToken(context.Background())
	require.NoError(t, err)

	client.tokenMu.Lock()
	expire := client.tokenExpire
	client.tokenMu.Unlock()

	// expires_in 7200 minus the 300s buffer applied at storage time
	want := time.Now().Add(6900 * time.Second)
	assert.WithinDuration(t, want, expire, 5*time.Second)
}

func TestWeComClient_TokenRefreshWhenExpired(t *testing.T) {
	var tokenCalls int32
	client := newWeComTestServer(t, &tokenCalls, nil)
	ctx := context.Background()

	_, err := client.GetAccessToken(ctx)
	require.NoError(t, err)

	client.tokenMu.Lock()
	client.tokenExpire = time.Now().Add(-time.Second)
	client.tokenMu.Unlock()

	_, err = client.GetAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&tokenCalls))
}

func TestWeComClient_TokenEndpointRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 40001, "errmsg": "invalid credential"})
	}))
	t.Cleanup(server.Close)

	client := NewWeComClient("corp-id", "bad-secret", 1)
	client.baseURL = server.URL

	_, err := client.GetAccessToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuth)
	assert.Contains(t, err.Error(), "invalid credential")
}

func TestWeComClient_SendText(t *testing.T) {
	var tokenCalls int32
	var gotPayload map[string]any
	client := newWeComTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cgi-bin/message/send", r.URL.Path)
		require.Equal(t, "wecom-token", r.URL.Query().Get("access_token"))
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "errmsg": "ok"})
	})

	err := client.SendText(context.Background(), "user001", "hello")
	require.NoError(t, err)
	assert.Equal(t, "user001", gotPayload["touser"])
	assert.Equal(t, "text", gotPayload["msgtype"])
	assert.Equal(t, float64(1000002), gotPayload["agentid"])
	assert.Equal(t, map[string]any{"content": "hello"}, gotPayload["text"])
}

func TestWeComClient_SendText_RetriesOnceOnExpiredToken(t *testing.T) {
	var tokenCalls, sendCalls int32
	client := newWeComTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&sendCalls, 1)
		if n == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 42001, "errmsg": "access_token expired"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "errmsg": "ok"})
	})

	err := client.SendText(context.Background(), "user001", "hello")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&sendCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&tokenCalls), "retry must force a token refresh")
}

func TestWeComClient_SendText_NonRetryableAPIError(t *testing.T) {
	var tokenCalls, sendCalls int32
	client := newWeComTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&sendCalls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 81013, "errmsg": "user not found"})
	})

	err := client.SendText(context.Background(), "ghost", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user not found")
	assert.Equal(t, int32(1), atomic.LoadInt32(&sendCalls), "business errors are not retried")
}

func TestWeComClient_UploadMedia_SizeLimits(t *testing.T) {
	client := NewWeComClient("corp-id", "corp-secret", 1)
	ctx := context.Background()

	cases := map[string]int64{
		"image": 10<<20 + 1,
		"voice": 2<<20 + 1,
		"video": 10<<20 + 1,
		"file":  20<<20 + 1,
	}
	for mediaType, size := range cases {
		_, err := client.UploadMedia(ctx, mediaType, "f.bin", bytes.NewReader(nil), size)
		assert.ErrorIs(t, err, domain.ErrValidation, mediaType)
	}

	_, err := client.UploadMedia(ctx, "hologram", "f.bin", bytes.NewReader(nil), 1)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestWeComClient_UploadMedia(t *testing.T) {
	var tokenCalls int32
	client := newWeComTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cgi-bin/media/upload", r.URL.Path)
		require.Equal(t, "file", r.URL.Query().Get("type"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "errmsg": "ok", "media_id": "m-123"})
	})

	id, err := client.UploadMedia(context.Background(), "file", "report.pdf", bytes.NewReader([]byte("pdf")), 3)
	require.NoError(t, err)
	assert.Equal(t, "m-123", id)
}

func TestWeComClient_GetMedia(t *testing.T) {
	var tokenCalls int32
	client := newWeComTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cgi-bin/media/get", r.URL.Path)
		require.Equal(t, "m-123", r.URL.Query().Get("media_id"))
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("media-bytes"))
	})

	data, err := client.GetMedia(context.Background(), "m-123")
	require.NoError(t, err)
	assert.Equal(t, []byte("media-bytes"), data)
}

func TestWeComClient_GetMedia_BusinessError(t *testing.T) {
	var tokenCalls int32
	client := newWeComTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 40007, "errmsg": "invalid media_id"})
	})

	_, err := client.GetMedia(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid media_id")
}
