// Package storage 定义了对象存储适配层：统一的分片上传契约以及 MinIO、S3、内存三种实现。
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound 表示对象或分片上传不存在。
var ErrNotFound = errors.New("storage: object not found")

// MaxPartNumber 是 S3 协议允许的最大分片序号。
const MaxPartNumber = 10000

// ObjectInfo 描述一个已存储对象的元数据。
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// CompletedPart 是完成分片上传时提交给后端的分片清单项。
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// PutOptions 是写入对象或创建分片上传时附带的元数据。
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectStore 是上传协调器依赖的对象存储契约。
// size < 0 表示长度未知，需要长度的实现会先把内容读入内存。
type ObjectStore interface {
	PutObject(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error)
	// CompleteMultipartUpload 要求 parts 已按分片序号升序排列。
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (ObjectInfo, error)
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
	GetObject(ctx context.Context, key string) (ObjectInfo, io.ReadCloser, error)
	StatObject(ctx context.Context, key string) (ObjectInfo, error)
}

// Error 包装存储后端返回的错误，Code 为后端给出的错误码（如 InvalidPart）。
type Error struct {
	Op   string
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("storage: %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf 返回错误链中第一个后端错误码，没有时返回空字符串。
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// bufferIfUnsized 在长度未知时把内容读入内存，limit > 0 时限制最大读取量。
func bufferIfUnsized(r io.Reader, size, limit int64) (io.Reader, int64, error) {
	if size >= 0 {
		return r, size, nil
	}
	var buf bytes.Buffer
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := buf.ReadFrom(src)
	if err != nil {
		return nil, 0, fmt.Errorf("读取上传内容失败: %w", err)
	}
	if limit > 0 && n > limit {
		return nil, 0, fmt.Errorf("上传内容超过 %d 字节", limit)
	}
	return bytes.NewReader(buf.Bytes()), n, nil
}
