// Package uploader 管理平台通信与批量上报
package uploader

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tjfoc/gmsm/sm3"
	"golang.org/x/sync/singleflight"

	"github.com/jianbinzhang1987/mac-monitor/internal/api"
	"github.com/jianbinzhang1987/mac-monitor/internal/config"
	"github.com/jianbinzhang1987/mac-monitor/internal/logger"
	"github.com/jianbinzhang1987/mac-monitor/internal/model"
)

// tokenHeader 业务请求携带的访问令牌头
const tokenHeader = "visit-token"

// Client 平台接口客户端
// 每个请求带 SM3 签名四头；业务请求额外携带访问令牌，
// 令牌懒获取 + 缓存，并发请求通过 singleflight 合并成一次获取。
type Client struct {
	httpClient *http.Client
	baseURL    string
	appCode    string
	appSecret  string

	tokenMu     sync.RWMutex
	token       string
	tokenExpiry time.Time

	sf singleflight.Group
}

// NewClient 创建平台客户端
func NewClient(cfg config.ServerConfig) *Client {
	transport := &http.Transport{
		MaxIdleConns:    cfg.MaxIdleConns,
		IdleConnTimeout: cfg.IdleConnTimeout,
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:   cfg.URL,
		appCode:   cfg.AppCode,
		appSecret: cfg.AppSecret,
	}
}

// UpdateEndpoint 变更平台地址与应用凭据 (注册命令改写配置后调用)
// 旧令牌随凭据一起作废
func (c *Client) UpdateEndpoint(baseURL, appCode, appSecret string) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if baseURL != "" {
		c.baseURL = baseURL
	}
	if appCode != "" {
		c.appCode = appCode
	}
	if appSecret != "" {
		c.appSecret = appSecret
	}
	c.token = ""
}

// ==========================================
// 请求签名
// ==========================================

// endpoint 读当前平台地址与凭据 (注册命令可能并发改写)
func (c *Client) endpoint() (baseURL, appCode, appSecret string) {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.baseURL, c.appCode, c.appSecret
}

// signHeaders 给请求补上签名四头
// signature = hex(SM3(app_code + app_secret + timestamp + nonce))
func (c *Client) signHeaders(req *http.Request) {
	_, appCode, appSecret := c.endpoint()
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	nonce := uuid.NewString()

	sum := sm3.Sm3Sum([]byte(appCode + appSecret + timestamp + nonce))

	req.Header.Set("app-code", appCode)
	req.Header.Set("timestamp", timestamp)
	req.Header.Set("nonce", nonce)
	req.Header.Set("signature", hex.EncodeToString(sum))
}

// ==========================================
// 访问令牌
// ==========================================

// ensureToken 取可用令牌，过期或缺失时重新获取
// singleflight: 同一时刻只有一个协程真正去请求平台
func (c *Client) ensureToken() (string, error) {
	c.tokenMu.RLock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		token := c.token
		c.tokenMu.RUnlock()
		return token, nil
	}
	c.tokenMu.RUnlock()

	v, err, _ := c.sf.Do("visit-token", func() (any, error) {
		var data model.TokenData
		if err := c.postJSON(api.RouteVisitToken, nil, &data, false); err != nil {
			return nil, fmt.Errorf("acquire visit token: %w", err)
		}
		if data.VisitToken == "" {
			return nil, fmt.Errorf("platform returned empty visit token")
		}

		expiresIn := data.ExpiresIn
		if expiresIn <= 0 {
			expiresIn = 600
		}
		c.tokenMu.Lock()
		c.token = data.VisitToken
		// 提前 30 秒过期，避免边界上用到失效令牌
		c.tokenExpiry = time.Now().Add(time.Duration(expiresIn-30) * time.Second)
		c.tokenMu.Unlock()

		return data.VisitToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidateToken 平台判定令牌失效时清缓存
func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenMu.Unlock()
}

// ==========================================
// 请求执行
// ==========================================

// PostJSON 业务 POST：签名 + 令牌 + 统一包络解析
// out 为 nil 时忽略响应数据
func (c *Client) PostJSON(route string, body any, out any) error {
	return c.postJSON(route, body, out, true)
}

func (c *Client) postJSON(route string, body any, out any, withToken bool) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	baseURL, _, _ := c.endpoint()
	req, err := http.NewRequest(http.MethodPost, api.BuildURL(baseURL, route), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.signHeaders(req)

	if withToken {
		token, err := c.ensureToken()
		if err != nil {
			return err
		}
		req.Header.Set(tokenHeader, token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", route, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: http %d", route, resp.StatusCode)
	}

	var envelope model.APIResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("parse envelope %s: %w", route, err)
	}
	if !envelope.OK() {
		// 401: 令牌失效，清缓存让下一次重新获取
		if envelope.Code == 401 && withToken {
			c.invalidateToken()
		}
		return fmt.Errorf("request %s: platform code %d: %s", route, envelope.Code, envelope.Message)
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("parse data %s: %w", route, err)
		}
	}
	return nil
}

// UploadFile 上传文件 (multipart)，返回远端访问地址
func (c *Client) UploadFile(filename string, content []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(content); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	baseURL, _, _ := c.endpoint()
	req, err := http.NewRequest(http.MethodPost, api.BuildURL(baseURL, api.RouteUploadFile), &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.signHeaders(req)

	token, err := c.ensureToken()
	if err != nil {
		return "", err
	}
	req.Header.Set(tokenHeader, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload file: http %d", resp.StatusCode)
	}

	var envelope model.APIResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("upload file: parse envelope: %w", err)
	}
	if !envelope.OK() {
		return "", fmt.Errorf("upload file: platform code %d: %s", envelope.Code, envelope.Message)
	}

	var data model.FileUploadData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return "", fmt.Errorf("upload file: parse data: %w", err)
	}
	if data.URL == "" {
		return "", fmt.Errorf("upload file: platform returned empty url")
	}

	logger.Debug("File uploaded", "name", filename, "url", data.URL)
	return data.URL, nil
}
