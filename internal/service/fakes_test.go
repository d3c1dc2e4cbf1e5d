package service

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"skydump-go/internal/config"
	"skydump-go/internal/model"
	"skydump-go/internal/repository"
	"skydump-go/pkg/storage"
	"skydump-go/pkg/tasks"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// fakeUploadRepo 是 UploadRepository 的内存实现。
type fakeUploadRepo struct {
	mu        sync.Mutex
	records   map[string]model.FinalizedUpload
	createErr error
	listErr   error
}

func newFakeUploadRepo() *fakeUploadRepo {
	return &fakeUploadRepo{records: make(map[string]model.FinalizedUpload)}
}

func (f *fakeUploadRepo) Create(ctx context.Context, record *model.FinalizedUpload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
		record.UpdatedAt = record.CreatedAt
	}
	f.records[record.ID] = *record
	return nil
}

func (f *fakeUploadRepo) FindCompletedByID(ctx context.Context, id string) (*model.FinalizedUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok || r.Status != model.UploadStatusCompleted {
		return nil, repository.ErrUploadNotFound
	}
	return &r, nil
}

func (f *fakeUploadRepo) List(ctx context.Context, status string, offset, limit int) ([]model.FinalizedUpload, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	var all []model.FinalizedUpload
	for _, r := range f.records {
		if r.Status == status {
			all = append(all, r)
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

func (f *fakeUploadRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// recordingPublisher 记录发布的事件。
type recordingPublisher struct {
	mu     sync.Mutex
	events []tasks.UploadEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event tasks.UploadEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) snapshot() []tasks.UploadEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tasks.UploadEvent(nil), p.events...)
}

// flakyStore 包装一个 ObjectStore，可以为指定操作注入错误。
type flakyStore struct {
	storage.ObjectStore
	createErr   error
	uploadErr   error
	completeErr error
	putErr      error
}

func (s *flakyStore) CreateMultipartUpload(ctx context.Context, key string, opts storage.PutOptions) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	return s.ObjectStore.CreateMultipartUpload(ctx, key, opts)
}

func (s *flakyStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	if s.uploadErr != nil {
		return "", s.uploadErr
	}
	return s.ObjectStore.UploadPart(ctx, key, uploadID, partNumber, r, size)
}

func (s *flakyStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []storage.CompletedPart) (storage.ObjectInfo, error) {
	if s.completeErr != nil {
		return storage.ObjectInfo{}, s.completeErr
	}
	return s.ObjectStore.CompleteMultipartUpload(ctx, key, uploadID, parts)
}

func (s *flakyStore) PutObject(ctx context.Context, key string, r io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	if s.putErr != nil {
		return storage.ObjectInfo{}, s.putErr
	}
	return s.ObjectStore.PutObject(ctx, key, r, size, opts)
}

func testUploadConfig() config.UploadConfig {
	return config.UploadConfig{
		SessionTTL:          24 * time.Hour,
		MaxFileSize:         5 << 30,
		MaxDirectBytes:      100 << 20,
		MaxPartBytes:        128 << 20,
		EnforceVideoTypes:   true,
		AllowedContentTypes: []string{"video/mp4", "video/quicktime", "video/x-msvideo", "video/x-matroska", "video/webm"},
		AllowedExtensions:   []string{".mp4", ".mov", ".avi", ".mkv", ".webm"},
	}
}

// uploadFixture 把协调器和它的全部依赖组装在一起。
type uploadFixture struct {
	svc       UploadService
	mr        *miniredis.Miniredis
	store     *storage.MemoryStore
	flaky     *flakyStore
	sessions  repository.SessionRepository
	uploads   *fakeUploadRepo
	publisher *recordingPublisher
}

func newUploadFixture(t *testing.T, minPartSize int64) *uploadFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &uploadFixture{
		mr:        mr,
		store:     storage.NewMemoryStore(minPartSize),
		sessions:  repository.NewSessionRepository(client),
		uploads:   newFakeUploadRepo(),
		publisher: &recordingPublisher{},
	}
	f.flaky = &flakyStore{ObjectStore: f.store}
	f.svc = NewUploadService(f.flaky, f.sessions, f.uploads, f.publisher, testUploadConfig())
	return f
}
