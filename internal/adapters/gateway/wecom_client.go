package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"botbridge/internal/core/domain"
)

const (
	wecomDefaultBaseURL = "https://qyapi.weixin.qq.com"

	wecomControlTimeout  = 30 * time.Second
	wecomTransferTimeout = 60 * time.Second
)

// Per-media-type upload limits, enforced before any network call
var wecomMediaMaxBytes = map[string]int64{
	"image": 10 << 20,
	"voice": 2 << 20,
	"video": 10 << 20,
	"file":  20 << 20,
}

// WeComClient sends authenticated calls to the WeChat Work API. Tokens travel
// as a query parameter, not a header. Expiry is stored already shortened by
// the safety buffer, so the read path only compares against now; combined
// with Feishu's check-time buffer both clients never use a token within 5
// minutes of real expiry.
type WeComClient struct {
	corpID      string
	corpSecret  string
	agentID     int
	baseURL     string
	httpClient  *http.Client
	mediaClient *http.Client

	tokenMu     sync.Mutex
	token       string
	tokenExpire time.Time
}

// NewWeComClient creates a client from corp credentials
func NewWeComClient(corpID, corpSecret string, agentID int) *WeComClient {
	return &WeComClient{
		corpID:      corpID,
		corpSecret:  corpSecret,
		agentID:     agentID,
		baseURL:     wecomDefaultBaseURL,
		httpClient:  &http.Client{Timeout: wecomControlTimeout},
		mediaClient: &http.Client{Timeout: wecomTransferTimeout},
	}
}

// GetAccessToken returns the cached access token, refreshing when stale.
// The fast path makes no network call.
func (c *WeComClient) GetAccessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpire) {
		token := c.token
		c.tokenMu.Unlock()
		return token, nil
	}
	c.tokenMu.Unlock()

	tokenURL := fmt.Sprintf("%s/cgi-bin/gettoken?corpid=%s&corpsecret=%s",
		c.baseURL, url.QueryEscape(c.corpID), url.QueryEscape(c.corpSecret))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("create gettoken request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request gettoken: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", &domain.HTTPStatusError{
			Platform: domain.PlatformWeCom,
			Endpoint: "gettoken",
			Status:   resp.StatusCode,
			Body:     string(body),
		}
	}

	var result struct {
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode gettoken response: %w", err)
	}
	if result.ErrCode != 0 {
		return "", fmt.Errorf("%w: %v", domain.ErrAuth, &domain.APIError{
			Platform: domain.PlatformWeCom,
			Code:     result.ErrCode,
			Msg:      result.ErrMsg,
		})
	}

	ttl := result.ExpiresIn
	if ttl <= 0 {
		ttl = 7200
	}
	// Store the expiry already shortened by the buffer; very short TTLs are
	// kept as-is rather than going negative.
	expireAt := time.Now().Add(time.Duration(ttl) * time.Second)
	if ttl > int(tokenSafetyBuffer.Seconds()) {
		expireAt = time.Now().Add(time.Duration(ttl-int(tokenSafetyBuffer.Seconds())) * time.Second)
	}

	c.tokenMu.Lock()
	c.token = result.AccessToken
	c.tokenExpire = expireAt
	c.tokenMu.Unlock()

	slog.Debug("wecom access token refreshed", "ttl_seconds", ttl)
	return result.AccessToken, nil
}

// clearTokenCache forces the next call to refresh
func (c *WeComClient) clearTokenCache() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenExpire = time.Time{}
	c.tokenMu.Unlock()
}

// SendText sends a text message to a user
func (c *WeComClient) SendText(ctx context.Context, toUser, content string) error {
	return c.sendMessage(ctx, toUser, "text", map[string]string{"content": content})
}

// SendMarkdown sends a markdown message to a user
func (c *WeComClient) SendMarkdown(ctx context.Context, toUser, content string) error {
	return c.sendMessage(ctx, toUser, "markdown", map[string]string{"content": content})
}

func (c *WeComClient) sendMessage(ctx context.Context, toUser, msgType string, typed map[string]string) error {
	payload := map[string]any{
		"touser":  toUser,
		"msgtype": msgType,
		"agentid": c.agentID,
		msgType:   typed,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal send payload: %w", err)
	}

	err = c.postWithTokenRetry(ctx, "/cgi-bin/message/send", func() (io.Reader, string, error) {
		return bytes.NewReader(body), "application/json", nil
	})
	if err != nil {
		return err
	}

	slog.Info("wecom message sent", "to_user", toUser, "msg_type", msgType)
	return nil
}

// UploadMedia uploads temporary media and returns its media_id. mediaType is
// one of image, voice, video, file; the per-type size limit is enforced
// before any I/O.
func (c *WeComClient) UploadMedia(ctx context.Context, mediaType, filename string, r io.Reader, size int64) (string, error) {
	limit, ok := wecomMediaMaxBytes[mediaType]
	if !ok {
		return "", fmt.Errorf("%w: unsupported media type %q", domain.ErrValidation, mediaType)
	}
	if size > limit {
		return "", fmt.Errorf("%w: %s size %d exceeds %d bytes", domain.ErrValidation, mediaType, size, limit)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("media", filename)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return "", fmt.Errorf("read media data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finalize upload form: %w", err)
	}

	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return "", err
	}

	uploadURL := fmt.Sprintf("%s/cgi-bin/media/upload?access_token=%s&type=%s",
		c.baseURL, url.QueryEscape(token), url.QueryEscape(mediaType))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.mediaClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", &domain.HTTPStatusError{
			Platform: domain.PlatformWeCom,
			Endpoint: "media/upload",
			Status:   resp.StatusCode,
			Body:     string(body),
		}
	}

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
		MediaID string `json:"media_id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if result.ErrCode != 0 {
		return "", &domain.APIError{Platform: domain.PlatformWeCom, Code: result.ErrCode, Msg: result.ErrMsg}
	}
	return result.MediaID, nil
}

// GetMedia downloads temporary media by id
func (c *WeComClient) GetMedia(ctx context.Context, mediaID string) ([]byte, error) {
	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	getURL := fmt.Sprintf("%s/cgi-bin/media/get?access_token=%s&media_id=%s",
		c.baseURL, url.QueryEscape(token), url.QueryEscape(mediaID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, getURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create media get request: %w", err)
	}

	resp, err := c.mediaClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, &domain.HTTPStatusError{
			Platform: domain.PlatformWeCom,
			Endpoint: "media/get",
			Status:   resp.StatusCode,
			Body:     string(body),
		}
	}

	// An errcode body instead of binary content means a business error
	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "text/plain") {
		body, _ := io.ReadAll(resp.Body)
		var result struct {
			ErrCode int    `json:"errcode"`
			ErrMsg  string `json:"errmsg"`
		}
		if err := json.Unmarshal(body, &result); err == nil && result.ErrCode != 0 {
			return nil, &domain.APIError{Platform: domain.PlatformWeCom, Code: result.ErrCode, Msg: result.ErrMsg}
		}
		return body, nil
	}

	return io.ReadAll(resp.Body)
}

// postWithTokenRetry issues a POST with the access token in the query string
// and retries exactly once after a forced refresh when the platform reports
// the token expired mid-flight.
func (c *WeComClient) postWithTokenRetry(ctx context.Context, path string, makeBody func() (io.Reader, string, error)) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.GetAccessToken(ctx)
		if err != nil {
			return err
		}

		body, ct, err := makeBody()
		if err != nil {
			return err
		}

		postURL := fmt.Sprintf("%s%s?access_token=%s", c.baseURL, path, url.QueryEscape(token))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, body)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", ct)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("wecom api request failed: %w", err)
		}

		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return &domain.HTTPStatusError{
				Platform: domain.PlatformWeCom,
				Endpoint: path,
				Status:   resp.StatusCode,
				Body:     string(raw),
			}
		}

		var result struct {
			ErrCode int    `json:"errcode"`
			ErrMsg  string `json:"errmsg"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if result.ErrCode == 0 {
			return nil
		}

		apiErr := &domain.APIError{Platform: domain.PlatformWeCom, Code: result.ErrCode, Msg: result.ErrMsg}
		lastErr = apiErr
		if !apiErr.IsTokenExpired() {
			return apiErr
		}

		slog.Warn("wecom token rejected, forcing refresh", "errcode", result.ErrCode)
		c.clearTokenCache()
	}
	return lastErr
}
