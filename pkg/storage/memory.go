package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore 是进程内的对象存储，用于本地开发和测试。
// 它按 S3 的规则合并分片：校验 ETag，除最后一个分片外都必须达到 minPartSize。
type MemoryStore struct {
	mu          sync.RWMutex
	objects     map[string]memoryObject
	uploads     map[string]*memoryUpload
	minPartSize int64
}

type memoryObject struct {
	data        []byte
	etag        string
	contentType string
	modified    time.Time
}

type memoryUpload struct {
	key         string
	contentType string
	parts       map[int]memoryPart
}

type memoryPart struct {
	data []byte
	etag string
}

// NewMemoryStore 创建一个空的内存存储，minPartSize <= 0 表示不限制分片大小。
func NewMemoryStore(minPartSize int64) *MemoryStore {
	return &MemoryStore{
		objects:     make(map[string]memoryObject),
		uploads:     make(map[string]*memoryUpload),
		minPartSize: minPartSize,
	}
}

func md5ETag(data []byte) string {
	sum := md5.Sum(data)
	return fmt.Sprintf("\"%s\"", hex.EncodeToString(sum[:]))
}

func (m *MemoryStore) PutObject(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, &Error{Op: "PutObject", Err: err}
	}
	if size >= 0 && int64(len(data)) != size {
		return ObjectInfo{}, &Error{Op: "PutObject", Code: "IncompleteBody", Err: fmt.Errorf("读取到 %d 字节，期望 %d", len(data), size)}
	}
	obj := memoryObject{data: data, etag: md5ETag(data), contentType: opts.ContentType, modified: time.Now()}

	m.mu.Lock()
	m.objects[key] = obj
	m.mu.Unlock()
	return obj.info(key), nil
}

func (m *MemoryStore) CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (string, error) {
	uploadID := uuid.NewString()
	m.mu.Lock()
	m.uploads[uploadID] = &memoryUpload{key: key, contentType: opts.ContentType, parts: make(map[int]memoryPart)}
	m.mu.Unlock()
	return uploadID, nil
}

func (m *MemoryStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	if partNumber < 1 || partNumber > MaxPartNumber {
		return "", &Error{Op: "UploadPart", Code: "InvalidArgument", Err: fmt.Errorf("分片序号 %d 超出范围", partNumber)}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", &Error{Op: "UploadPart", Err: err}
	}
	if size >= 0 && int64(len(data)) != size {
		return "", &Error{Op: "UploadPart", Code: "IncompleteBody", Err: fmt.Errorf("读取到 %d 字节，期望 %d", len(data), size)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return "", &Error{Op: "UploadPart", Code: "NoSuchUpload", Err: ErrNotFound}
	}
	etag := md5ETag(data)
	up.parts[partNumber] = memoryPart{data: data, etag: etag}
	return etag, nil
}

func (m *MemoryStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return ObjectInfo{}, &Error{Op: "CompleteMultipartUpload", Code: "NoSuchUpload", Err: ErrNotFound}
	}
	if len(parts) == 0 {
		return ObjectInfo{}, &Error{Op: "CompleteMultipartUpload", Code: "MalformedXML", Err: errors.New("分片清单为空")}
	}
	if !sort.SliceIsSorted(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber }) {
		return ObjectInfo{}, &Error{Op: "CompleteMultipartUpload", Code: "InvalidPartOrder", Err: errors.New("分片未按升序排列")}
	}

	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 && parts[i-1].PartNumber == p.PartNumber {
			return ObjectInfo{}, &Error{Op: "CompleteMultipartUpload", Code: "InvalidPartOrder", Err: fmt.Errorf("分片 %d 重复", p.PartNumber)}
		}
		stored, ok := up.parts[p.PartNumber]
		if !ok || stored.etag != p.ETag {
			return ObjectInfo{}, &Error{Op: "CompleteMultipartUpload", Code: "InvalidPart", Err: fmt.Errorf("分片 %d 不存在或 ETag 不匹配", p.PartNumber)}
		}
		if m.minPartSize > 0 && i < len(parts)-1 && int64(len(stored.data)) < m.minPartSize {
			return ObjectInfo{}, &Error{Op: "CompleteMultipartUpload", Code: "EntityTooSmall", Err: fmt.Errorf("分片 %d 小于 %d 字节", p.PartNumber, m.minPartSize)}
		}
		buf.Write(stored.data)
	}

	data := buf.Bytes()
	obj := memoryObject{
		data:        data,
		etag:        md5ETag(data),
		contentType: up.contentType,
		modified:    time.Now(),
	}
	m.objects[key] = obj
	delete(m.uploads, uploadID)
	return obj.info(key), nil
}

func (m *MemoryStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return &Error{Op: "AbortMultipartUpload", Code: "NoSuchUpload", Err: ErrNotFound}
	}
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemoryStore) GetObject(ctx context.Context, key string) (ObjectInfo, io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return ObjectInfo{}, nil, &Error{Op: "GetObject", Code: "NoSuchKey", Err: ErrNotFound}
	}
	return obj.info(key), io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStore) StatObject(ctx context.Context, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, &Error{Op: "StatObject", Code: "NoSuchKey", Err: ErrNotFound}
	}
	return obj.info(key), nil
}

// PendingUploads 返回尚未完成或放弃的分片上传数量。
func (m *MemoryStore) PendingUploads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uploads)
}

func (o memoryObject) info(key string) ObjectInfo {
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(o.data)),
		ETag:         o.etag,
		ContentType:  o.contentType,
		LastModified: o.modified,
	}
}
