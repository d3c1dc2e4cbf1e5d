package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"skydump-go/internal/config"
	"skydump-go/internal/middleware"
	"skydump-go/internal/model"
	"skydump-go/internal/pipeline"
	"skydump-go/internal/repository"
	"skydump-go/internal/service"
	"skydump-go/pkg/hash"
	"skydump-go/pkg/storage"
	"skydump-go/pkg/tasks"
	"skydump-go/pkg/token"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// memoryUploadRepo 是 UploadRepository 的内存实现。
type memoryUploadRepo struct {
	mu      sync.Mutex
	records map[string]model.FinalizedUpload
}

func (r *memoryUploadRepo) Create(ctx context.Context, record *model.FinalizedUpload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record.Status == "" {
		record.Status = model.UploadStatusCompleted
	}
	record.CreatedAt = time.Now()
	record.UpdatedAt = record.CreatedAt
	r.records[record.ID] = *record
	return nil
}

func (r *memoryUploadRepo) FindCompletedByID(ctx context.Context, id string) (*model.FinalizedUpload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Status != model.UploadStatusCompleted {
		return nil, repository.ErrUploadNotFound
	}
	return &rec, nil
}

func (r *memoryUploadRepo) List(ctx context.Context, status string, offset, limit int) ([]model.FinalizedUpload, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []model.FinalizedUpload
	for _, rec := range r.records {
		if rec.Status == status {
			all = append(all, rec)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	if offset >= len(all) {
		return []model.FinalizedUpload{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

type nopPublisher struct {
	mu     sync.Mutex
	events []tasks.UploadEvent
}

func (p *nopPublisher) Publish(ctx context.Context, event tasks.UploadEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type testServer struct {
	router    *gin.Engine
	mr        *miniredis.Miniredis
	rdb       *redis.Client
	publisher *nopPublisher
	jwt       *token.JWTManager
}

func newTestServer(t *testing.T, limiter *middleware.IPRateLimiter) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hashed, err := hash.HashPassword("hunter2")
	require.NoError(t, err)

	uploadCfg := config.UploadConfig{
		SessionTTL:          time.Hour,
		MaxFileSize:         5 << 30,
		MaxDirectBytes:      1 << 20,
		MaxPartBytes:        1 << 20,
		EnforceVideoTypes:   true,
		AllowedContentTypes: []string{"video/mp4", "video/quicktime"},
		AllowedExtensions:   []string{".mp4", ".mov"},
	}
	store := storage.NewMemoryStore(0)
	uploads := &memoryUploadRepo{records: map[string]model.FinalizedUpload{}}
	blacklist := repository.NewTokenBlacklist(rdb)
	jwtManager := token.NewJWTManager("router-secret", 1, 1)
	publisher := &nopPublisher{}

	router := NewRouter(RouterDeps{
		Server:          config.ServerConfig{PublicURL: "https://dump.example.com"},
		Upload:          uploadCfg,
		UploadService:   service.NewUploadService(store, repository.NewSessionRepository(rdb), uploads, publisher, uploadCfg),
		DownloadService: service.NewDownloadService(store, uploads),
		AdminService:    service.NewAdminService(uploads, nil),
		AuthService:     service.NewAuthService(config.AdminConfig{Username: "admin", PasswordHash: hashed}, jwtManager, blacklist),
		JWT:             jwtManager,
		Blacklist:       blacklist,
		Redis:           rdb,
		Limiter:         limiter,
	})
	return &testServer{router: router, mr: mr, rdb: rdb, publisher: publisher, jwt: jwtManager}
}

func (s *testServer) do(method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) doJSON(method, path string, payload any, headers map[string]string) *httptest.ResponseRecorder {
	b, _ := json.Marshal(payload)
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"
	return s.do(method, path, bytes.NewReader(b), headers)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestMultipartFlowOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.doJSON(http.MethodPost, "/upload/multipart", gin.H{"fileName": "movie.mp4", "contentType": "video/mp4"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	initRes := decode[service.InitMultipartResult](t, w)
	require.NotEmpty(t, initRes.FileID)

	chunks := []string{strings.Repeat("a", 100), strings.Repeat("b", 100), "tail"}
	// 乱序上传
	for _, n := range []int{3, 1, 2} {
		path := fmt.Sprintf("/upload/part?fileId=%s&partNumber=%d", initRes.FileID, n)
		w = s.do(http.MethodPut, path, strings.NewReader(chunks[n-1]), nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		part := decode[service.PartResult](t, w)
		assert.Equal(t, n, part.PartNumber)
		assert.NotEmpty(t, part.ETag)
	}

	w = s.do(http.MethodGet, "/upload/multipart/"+initRes.FileID+"/parts", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	listing := decode[service.PartsListing](t, w)
	require.Len(t, listing.Parts, 3)
	assert.Equal(t, int64(204), listing.UploadedBytes)

	w = s.doJSON(http.MethodPost, "/upload/complete", gin.H{"fileId": initRes.FileID}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decode[service.UploadResult](t, w)
	assert.Equal(t, int64(204), done.Size)
	assert.Equal(t, "movie.mp4", done.FileName)

	w = s.do(http.MethodGet, "/download/"+initRes.FileID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, strings.Join(chunks, ""), w.Body.String())
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="movie.mp4"; filename*=UTF-8''movie.mp4`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "private, max-age=3600", w.Header().Get("Cache-Control"))
	assert.Equal(t, "204", w.Header().Get("Content-Length"))

	// 会话已清理
	w = s.doJSON(http.MethodPost, "/upload/complete", gin.H{"fileId": initRes.FileID}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.publisher.mu.Lock()
	require.Len(t, s.publisher.events, 1)
	assert.Equal(t, "https://dump.example.com/download/"+initRes.FileID, s.publisher.events[0].DownloadURL)
	s.publisher.mu.Unlock()
}

func TestUploadErrorsOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		json   bool
		status int
		error  string
	}{
		{name: "完成未知会话", method: http.MethodPost, path: "/upload/complete", body: `{"fileId":"never-issued"}`, json: true, status: http.StatusNotFound, error: "Multipart upload not found"},
		{name: "分片序号为 0", method: http.MethodPut, path: "/upload/part?fileId=x&partNumber=0", body: "data", status: http.StatusBadRequest, error: "partNumber must be between 1 and 10000"},
		{name: "分片序号超出上限", method: http.MethodPut, path: "/upload/part?fileId=x&partNumber=10001", body: "data", status: http.StatusBadRequest, error: "partNumber must be between 1 and 10000"},
		{name: "分片序号非数字", method: http.MethodPut, path: "/upload/part?fileId=x&partNumber=abc", body: "data", status: http.StatusBadRequest, error: "partNumber must be between 1 and 10000"},
		{name: "缺少分片参数", method: http.MethodPut, path: "/upload/part?fileId=x", body: "data", status: http.StatusBadRequest, error: "fileId and partNumber required"},
		{name: "未知会话上传分片", method: http.MethodPut, path: "/upload/part?fileId=x&partNumber=1", body: "data", status: http.StatusNotFound, error: "Multipart upload not found"},
		{name: "缺少文件名", method: http.MethodPost, path: "/upload/multipart", body: `{}`, json: true, status: http.StatusBadRequest, error: "fileName required"},
		{name: "不支持的类型", method: http.MethodPost, path: "/upload/multipart", body: `{"fileName":"notes.txt","contentType":"text/plain"}`, json: true, status: http.StatusBadRequest, error: "Unsupported file type"},
		{name: "超过 5GB", method: http.MethodPost, path: "/upload/multipart", body: `{"fileName":"big.mp4","fileSize":5368709121}`, json: true, status: http.StatusBadRequest, error: "File size exceeds 5GB limit"},
		{name: "无效 JSON", method: http.MethodPost, path: "/upload/complete", body: `{`, json: true, status: http.StatusBadRequest, error: "Invalid request body"},
		{name: "完成缺少 fileId", method: http.MethodPost, path: "/upload/complete", body: `{}`, json: true, status: http.StatusBadRequest, error: "fileId required"},
		{name: "方法不允许", method: http.MethodGet, path: "/upload/complete", status: http.StatusMethodNotAllowed, error: "Method not allowed"},
		{name: "未知路由", method: http.MethodGet, path: "/nope", status: http.StatusNotFound, error: "Not found"},
		{name: "下载不存在", method: http.MethodGet, path: "/download/missing", status: http.StatusNotFound, error: "File not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.json {
				headers["Content-Type"] = "application/json"
			}
			w := s.do(tt.method, tt.path, strings.NewReader(tt.body), headers)
			assert.Equal(t, tt.status, w.Code)
			assert.JSONEq(t, fmt.Sprintf(`{"error":%q}`, tt.error), w.Body.String())
		})
	}
}

func TestDirectUploadOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	body := bytes.Repeat([]byte{7}, 64<<10)
	w := s.do(http.MethodPost, "/upload", bytes.NewReader(body), map[string]string{
		"x-file-name":  "my%20clip.mov",
		"Content-Type": "video/quicktime",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[service.UploadResult](t, w)
	assert.Equal(t, int64(len(body)), res.Size)
	assert.Equal(t, "my clip.mov", res.FileName)

	w = s.do(http.MethodGet, "/download/"+res.FileID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename="my%20clip.mov"; filename*=UTF-8''my%20clip.mov`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, body, w.Body.Bytes())

	w = s.do(http.MethodPost, "/upload", bytes.NewReader(body), map[string]string{"Content-Type": "video/mp4"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"x-file-name header required"}`, w.Body.String())

	tooBig := bytes.Repeat([]byte{1}, (1<<20)+1)
	w = s.do(http.MethodPost, "/upload", bytes.NewReader(tooBig), map[string]string{
		"x-file-name":  "big.mp4",
		"Content-Type": "video/mp4",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"File too large for direct upload"}`, w.Body.String())
}

func TestReportFailureAndAbortOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.doJSON(http.MethodPost, "/upload/failed", gin.H{"fileName": "movie.mp4", "error": "network down"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())

	w = s.doJSON(http.MethodPost, "/upload/multipart", gin.H{"fileName": "movie.mp4"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	initRes := decode[service.InitMultipartResult](t, w)

	w = s.do(http.MethodDelete, "/upload/multipart/"+initRes.FileID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"fileId":%q,"aborted":true}`, initRes.FileID), w.Body.String())

	w = s.do(http.MethodGet, "/upload/multipart/"+initRes.FileID+"/parts", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthAndAdminOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/admin/uploads", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.doJSON(http.MethodPost, "/auth/login", gin.H{"username": "admin", "password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"Invalid credentials"}`, w.Body.String())

	w = s.doJSON(http.MethodPost, "/auth/login", gin.H{"username": "admin", "password": "hunter2"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	pair := decode[service.TokenPair](t, w)
	bearer := map[string]string{"Authorization": "Bearer " + pair.AccessToken}

	w = s.do(http.MethodGet, "/auth/verify", nil, bearer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin", decode[map[string]any](t, w)["username"])

	w = s.do(http.MethodPost, "/upload", strings.NewReader("abc"), map[string]string{
		"x-file-name":   "a.mp4",
		"Content-Type":  "video/mp4",
		"Authorization": "Bearer " + pair.AccessToken,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/admin/uploads?limit=10", nil, bearer)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[service.UploadListResponse](t, w)
	require.Len(t, list.Uploads, 1)
	assert.Equal(t, "a.mp4", list.Uploads[0].FileName)
	assert.Equal(t, service.Pagination{Total: 1, Limit: 10, Offset: 0, HasMore: false}, list.Pagination)

	w = s.do(http.MethodGet, "/admin/uploads?limit=abc", nil, bearer)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"Invalid limit parameter"}`, w.Body.String())

	// 未启用检索时不注册
	w = s.do(http.MethodGet, "/admin/uploads/search?q=a", nil, bearer)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.doJSON(http.MethodPost, "/auth/refresh", gin.H{"refreshToken": pair.RefreshToken}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/auth/logout", nil, bearer)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(http.MethodGet, "/admin/uploads", nil, bearer)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimitAndCORS(t *testing.T) {
	s := newTestServer(t, middleware.NewIPRateLimiter(0.001, 1))

	w := s.doJSON(http.MethodPost, "/upload/multipart", gin.H{"fileName": "a.mp4"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.doJSON(http.MethodPost, "/upload/multipart", gin.H{"fileName": "a.mp4"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":"rate limit exceeded, try again later"}`, w.Body.String())

	// 分片上传不受限流影响
	w = s.do(http.MethodPut, "/upload/part?fileId=x&partNumber=1", strings.NewReader("x"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodOptions, "/upload", nil, map[string]string{
		"Origin":                         "https://app.example.com",
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "x-file-name, content-type",
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, strings.ToLower(w.Header().Get("Access-Control-Allow-Headers")), "x-file-name")

	w = s.do(http.MethodGet, "/healthz", nil, nil)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestEventsWebsocket(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	admin, err := s.jwt.GenerateToken(1, "admin", middleware.AdminRole)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/admin/uploads/events?token=" + admin
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool {
		return s.mr.PubSubNumSub(pipeline.EventsChannel)[pipeline.EventsChannel] > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.rdb.Publish(context.Background(), pipeline.EventsChannel, `{"type":"upload.completed"}`).Err())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"upload.completed"}`, string(msg))

	_, resp2, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/admin/uploads/events", nil)
	require.Error(t, err)
	require.NotNil(t, resp2)
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestWithHandler_DoesNotShareChain(t *testing.T) {
	noop := func(c *gin.Context) {}
	chain := make([]gin.HandlerFunc, 1, 4)
	chain[0] = noop

	direct := withHandler(chain, noop)
	initMultipart := withHandler(chain, noop)
	require.Len(t, direct, 2)
	require.Len(t, initMultipart, 2)
	assert.NotSame(t, &direct[1], &initMultipart[1])
	assert.NotSame(t, &chain[0], &direct[0])
}

func TestContentDisposition(t *testing.T) {
	assert.Equal(t,
		`attachment; filename="%E5%A4%A9%E7%A9%BA%201.mp4"; filename*=UTF-8''%E5%A4%A9%E7%A9%BA%201.mp4`,
		contentDisposition("天空 1.mp4"))
	assert.Equal(t,
		`attachment; filename="a+b.mp4"; filename*=UTF-8''a%2Bb.mp4`,
		contentDisposition("a+b.mp4"))
}
