// Package gateway implements external API adapters
// Following Hexagonal Architecture: Outbound adapters for external services
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
	"strconv"
	"sync"
	"time"

	"botbridge/internal/core/domain"
)

const (
	feishuDefaultBaseURL = "https://open.feishu.cn/open-apis"

	// Token validity safety margin: never use a token within 5 minutes of
	// its real expiry.
	tokenSafetyBuffer = 5 * time.Minute

	feishuControlTimeout  = 30 * time.Second
	feishuTransferTimeout = 60 * time.Second

	feishuImageMaxBytes = 10 << 20 // 10MB, enforced before any network call
	feishuFileMaxBytes  = 30 << 20
)

// FeishuClient sends authenticated calls to the Feishu Open Platform. It owns
// the tenant access token lifecycle: the token is fetched lazily, cached in
// memory, and refreshed when inside the safety buffer. Concurrent callers
// racing a refresh may issue duplicate token requests; the last write wins,
// which is harmless because every issued token is valid.
type FeishuClient struct {
	appID      string
	appSecret  string
	baseURL    string
	httpClient *http.Client // control calls
	fileClient *http.Client // upload/download calls

	tokenMu     sync.Mutex
	token       string
	tokenExpire time.Time
}

// NewFeishuClient creates a client from app credentials
func NewFeishuClient(appID, appSecret string) *FeishuClient {
	return &FeishuClient{
		appID:      appID,
		appSecret:  appSecret,
		baseURL:    feishuDefaultBaseURL,
		httpClient: &http.Client{Timeout: feishuControlTimeout},
		fileClient: &http.Client{Timeout: feishuTransferTimeout},
	}
}

// feishuEnvelope is the common {code,msg} wrapper on every Feishu response
type feishuEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// GetTenantToken returns the cached tenant access token, refreshing it when
// absent or within the safety buffer of expiry. The fast path makes no
// network call.
func (c *FeishuClient) GetTenantToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpire.Add(-tokenSafetyBuffer)) {
		token := c.token
		c.tokenMu.Unlock()
		return token, nil
	}
	c.tokenMu.Unlock()

	payload, _ := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/auth/v3/tenant_access_token/internal", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request tenant token: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", &domain.HTTPStatusError{
			Platform: domain.PlatformFeishu,
			Endpoint: "tenant_access_token",
			Status:   resp.StatusCode,
			Body:     string(body),
		}
	}

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("%w: %v", domain.ErrAuth, &domain.APIError{
			Platform: domain.PlatformFeishu,
			Code:     result.Code,
			Msg:      result.Msg,
		})
	}

	ttl := result.Expire
	if ttl <= 0 {
		ttl = 7200
	}

	c.tokenMu.Lock()
	c.token = result.TenantAccessToken
	c.tokenExpire = time.Now().Add(time.Duration(ttl) * time.Second)
	c.tokenMu.Unlock()

	slog.Debug("feishu tenant token refreshed", "ttl_seconds", ttl)
	return result.TenantAccessToken, nil
}

// SendText sends a text message. receiveIDType is one of open_id, chat_id,
// user_id, union_id, email.
func (c *FeishuClient) SendText(ctx context.Context, receiveIDType, receiveID, text string) error {
	content, _ := json.Marshal(map[string]string{"text": text})
	return c.sendMessage(ctx, receiveIDType, receiveID, "text", string(content))
}

// SendCard sends an interactive card built with CardBuilder
func (c *FeishuClient) SendCard(ctx context.Context, receiveIDType, receiveID string, card *Card) error {
	content, err := card.BuildJSON()
	if err != nil {
		return err
	}
	return c.sendMessage(ctx, receiveIDType, receiveID, "interactive", content)
}

func (c *FeishuClient) sendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) error {
	payload, _ := json.Marshal(map[string]string{
		"receive_id": receiveID,
		"msg_type":   msgType,
		"content":    content,
	})

	var env feishuEnvelope
	err := c.doJSON(ctx, http.MethodPost,
		"/im/v1/messages?receive_id_type="+receiveIDType, payload, &env)
	if err != nil {
		return err
	}

	slog.Info("feishu message sent",
		"receive_id", receiveID,
		"msg_type", msgType,
	)
	return nil
}

// UploadImage uploads image data and returns the image_key. Size is checked
// against the 10MB platform limit before any I/O.
func (c *FeishuClient) UploadImage(ctx context.Context, r io.Reader, size int64) (string, error) {
	if size > feishuImageMaxBytes {
		return "", fmt.Errorf("%w: image size %d exceeds %d bytes", domain.ErrValidation, size, feishuImageMaxBytes)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("image_type", "message"); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	fw, err := mw.CreateFormFile("image", "image")
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return "", fmt.Errorf("read image data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finalize upload form: %w", err)
	}

	token, err := c.GetTenantToken(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/im/v1/images", &buf)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.fileClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", &domain.HTTPStatusError{
			Platform: domain.PlatformFeishu,
			Endpoint: "im/v1/images",
			Status:   resp.StatusCode,
			Body:     string(body),
		}
	}

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			ImageKey string `json:"image_key"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if result.Code != 0 {
		return "", &domain.APIError{Platform: domain.PlatformFeishu, Code: result.Code, Msg: result.Msg}
	}
	return result.Data.ImageKey, nil
}

// UploadFile uploads a file attachment and returns the file_key. fileType is
// one of opus, mp4, pdf, doc, xls, ppt, stream.
func (c *FeishuClient) UploadFile(ctx context.Context, r io.Reader, size int64, fileType, fileName string) (string, error) {
	if size > feishuFileMaxBytes {
		return "", fmt.Errorf("%w: file size %d exceeds %d bytes", domain.ErrValidation, size, feishuFileMaxBytes)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("file_type", fileType); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if err := mw.WriteField("file_name", fileName); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return "", fmt.Errorf("read file data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finalize upload form: %w", err)
	}

	token, err := c.GetTenantToken(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/im/v1/files", &buf)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.fileClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", &domain.HTTPStatusError{
			Platform: domain.PlatformFeishu,
			Endpoint: "im/v1/files",
			Status:   resp.StatusCode,
			Body:     string(body),
		}
	}

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			FileKey string `json:"file_key"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if result.Code != 0 {
		return "", &domain.APIError{Platform: domain.PlatformFeishu, Code: result.Code, Msg: result.Msg}
	}
	return result.Data.FileKey, nil
}

// DownloadResource fetches a message attachment (file or image) by key.
// resourceType is "file" or "image".
func (c *FeishuClient) DownloadResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, error) {
	token, err := c.GetTenantToken(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/im/v1/messages/%s/resources/%s?type=%s", c.baseURL, messageID, fileKey, resourceType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.fileClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download resource: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, &domain.HTTPStatusError{
			Platform: domain.PlatformFeishu,
			Endpoint: "im/v1/messages/resources",
			Status:   resp.StatusCode,
			Body:     string(body),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read resource body: %w", err)
	}
	slog.Debug("feishu resource downloaded",
		"message_id", messageID,
		"bytes", strconv.Itoa(len(data)),
	)
	return data, nil
}

// doJSON issues an authenticated JSON call and decodes the {code,msg}
// envelope, translating business errors.
func (c *FeishuClient) doJSON(ctx context.Context, method, path string, payload []byte, out *feishuEnvelope) error {
	token, err := c.GetTenantToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("feishu api request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return &domain.HTTPStatusError{
			Platform: domain.PlatformFeishu,
			Endpoint: path,
			Status:   resp.StatusCode,
			Body:     string(body),
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if out.Code != 0 {
		return &domain.APIError{Platform: domain.PlatformFeishu, Code: out.Code, Msg: out.Msg}
	}
	return nil
}
