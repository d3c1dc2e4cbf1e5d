// Package uploader 实现了上传协调服务的客户端：HTTP API 封装、分片策略和上传队列。
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError 是服务端返回的非 2xx 响应。
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// Temporary 报告该响应是否值得重试：408、429 和 5xx。
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// InitResult 是 POST /upload/multipart 的响应。
type InitResult struct {
	FileID    string `json:"fileId"`
	UploadID  string `json:"uploadId"`
	ObjectKey string `json:"objectKey"`
}

// PartResult 是 PUT /upload/part 的响应。
type PartResult struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// PartInfo 是已确认分片列表中的一项。
type PartInfo struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// PartsListing 是 GET /upload/multipart/:fileId/parts 的响应。
type PartsListing struct {
	FileID        string     `json:"fileId"`
	UploadID      string     `json:"uploadId"`
	FileName      string     `json:"fileName"`
	Parts         []PartInfo `json:"parts"`
	UploadedBytes int64      `json:"uploadedBytes"`
}

// UploadResult 是完成上传（分片或直传）的响应。
type UploadResult struct {
	FileID    string `json:"fileId"`
	FileName  string `json:"fileName"`
	Size      int64  `json:"size"`
	ObjectKey string `json:"objectKey"`
}

// FailureReport 是上报给 POST /upload/failed 的失败信息。
type FailureReport struct {
	FileID   string `json:"fileId,omitempty"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	Error    string `json:"error"`
}

// TokenPair 是登录接口返回的令牌。
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Client 封装了上传服务的 HTTP 接口。
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient 创建客户端，token 为空时以匿名身份上传。
// httpClient 为 nil 时使用不带整体超时的默认客户端，超时由调用方的 ctx 控制。
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Transport: http.DefaultTransport}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// request 描述一次 API 调用，size < 0 表示长度未知。
type request struct {
	method      string
	path        string
	query       url.Values
	header      http.Header
	body        io.Reader
	contentType string
	size        int64
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, r.body)
	if err != nil {
		return err
	}
	for k, v := range r.header {
		req.Header[k] = v
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if r.body != nil && r.size >= 0 {
		req.ContentLength = r.size
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", r.path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func jsonRequest(method, path string, payload any) (request, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return request{}, err
	}
	return request{
		method:      method,
		path:        path,
		body:        bytes.NewReader(b),
		contentType: "application/json",
		size:        int64(len(b)),
	}, nil
}

// InitMultipart 创建分片上传会话。
func (c *Client) InitMultipart(ctx context.Context, fileName, contentType string, fileSize int64) (*InitResult, error) {
	r, err := jsonRequest(http.MethodPost, "/upload/multipart", map[string]any{
		"fileName":    fileName,
		"contentType": contentType,
		"fileSize":    fileSize,
	})
	if err != nil {
		return nil, err
	}
	var res InitResult
	if err := c.do(ctx, r, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UploadPart 上传一个分片，body 必须恰好包含 size 字节。
func (c *Client) UploadPart(ctx context.Context, fileID string, partNumber int, body io.Reader, size int64) (*PartResult, error) {
	var res PartResult
	err := c.do(ctx, request{
		method: http.MethodPut,
		path:   "/upload/part",
		query: url.Values{
			"fileId":     {fileID},
			"partNumber": {strconv.Itoa(partNumber)},
		},
		body:        body,
		contentType: "application/octet-stream",
		size:        size,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ListParts 返回服务端已确认的分片。
func (c *Client) ListParts(ctx context.Context, fileID string) (*PartsListing, error) {
	var res PartsListing
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/upload/multipart/" + url.PathEscape(fileID) + "/parts",
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Complete 合并所有分片，完成上传。
func (c *Client) Complete(ctx context.Context, fileID string) (*UploadResult, error) {
	r, err := jsonRequest(http.MethodPost, "/upload/complete", map[string]string{"fileId": fileID})
	if err != nil {
		return nil, err
	}
	var res UploadResult
	if err := c.do(ctx, r, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Abort 放弃分片上传，服务端清理会话和已上传的分片。
func (c *Client) Abort(ctx context.Context, fileID string) error {
	return c.do(ctx, request{
		method: http.MethodDelete,
		path:   "/upload/multipart/" + url.PathEscape(fileID),
	}, nil)
}

// Direct 在一次请求中上传整个文件，文件名经 URL 转义后放在 x-file-name 头中。
func (c *Client) Direct(ctx context.Context, fileName, contentType string, body io.Reader, size int64) (*UploadResult, error) {
	header := http.Header{}
	header.Set("x-file-name", url.PathEscape(fileName))
	var res UploadResult
	err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/upload",
		header:      header,
		body:        body,
		contentType: contentType,
		size:        size,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ReportFailure 上报一次失败的上传。
func (c *Client) ReportFailure(ctx context.Context, report FailureReport) error {
	r, err := jsonRequest(http.MethodPost, "/upload/failed", report)
	if err != nil {
		return err
	}
	return c.do(ctx, r, nil)
}

// Login 使用管理员账号登录。
func (c *Client) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	r, err := jsonRequest(http.MethodPost, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	var pair TokenPair
	if err := c.do(ctx, r, &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}

// message 把错误转换为适合展示给用户的文本。
func message(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "upload cancelled"
	}
	return err.Error()
}

// reportTimeout 是上报失败时使用的超时时间。
const reportTimeout = 10 * time.Second
