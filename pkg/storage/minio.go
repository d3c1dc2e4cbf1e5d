package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"skydump-go/internal/config"
	"skydump-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore 基于 minio-go 的底层分片接口实现 ObjectStore。
type MinIOStore struct {
	client *minio.Client
	core   *minio.Core
	bucket string
	// maxBuffer 限制长度未知时读入内存的字节数。
	maxBuffer int64
}

// NewMinIOStore 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIOStore(ctx context.Context, cfg config.MinIOConfig, maxBuffer int64) (*MinIOStore, error) {
	// 1. 初始化 MinIO 客户端
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}
	log.Info("MinIO 客户端初始化成功")

	// 2. 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	bucketName := cfg.BucketName
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", bucketName)
	}

	return &MinIOStore{
		client:    client,
		core:      &minio.Core{Client: client},
		bucket:    bucketName,
		maxBuffer: maxBuffer,
	}, nil
}

// PutObject 直接写入一个完整对象。
func (s *MinIOStore) PutObject(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (ObjectInfo, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	if err != nil {
		return ObjectInfo{}, mapMinioError("PutObject", err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  opts.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// CreateMultipartUpload 在后端创建分片上传并返回 uploadId。
func (s *MinIOStore) CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (string, error) {
	uploadID, err := s.core.NewMultipartUpload(ctx, s.bucket, key, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	if err != nil {
		return "", mapMinioError("CreateMultipartUpload", err)
	}
	return uploadID, nil
}

// UploadPart 上传单个分片并返回后端给出的 ETag。
func (s *MinIOStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	body, n, err := bufferIfUnsized(r, size, s.maxBuffer)
	if err != nil {
		return "", &Error{Op: "UploadPart", Err: err}
	}
	part, err := s.core.PutObjectPart(ctx, s.bucket, key, uploadID, partNumber, body, n, minio.PutObjectPartOptions{})
	if err != nil {
		return "", mapMinioError("UploadPart", err)
	}
	return part.ETag, nil
}

// CompleteMultipartUpload 按升序分片清单合并对象，返回合并后的对象信息。
func (s *MinIOStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (ObjectInfo, error) {
	completeParts := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completeParts = append(completeParts, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	if _, err := s.core.CompleteMultipartUpload(ctx, s.bucket, key, uploadID, completeParts, minio.PutObjectOptions{}); err != nil {
		return ObjectInfo{}, mapMinioError("CompleteMultipartUpload", err)
	}

	// CompleteMultipartUpload 的返回值里没有对象大小
	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapMinioError("StatObject", err)
	}
	return toObjectInfo(stat), nil
}

// AbortMultipartUpload 放弃分片上传并释放已上传的分片。
func (s *MinIOStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	if err := s.core.AbortMultipartUpload(ctx, s.bucket, key, uploadID); err != nil {
		return mapMinioError("AbortMultipartUpload", err)
	}
	return nil
}

// GetObject 返回对象元数据和内容流，调用方负责关闭。
func (s *MinIOStore) GetObject(ctx context.Context, key string) (ObjectInfo, io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return ObjectInfo{}, nil, mapMinioError("GetObject", err)
	}
	// minio 的 GetObject 是惰性的，Stat 才会真正发出请求
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return ObjectInfo{}, nil, mapMinioError("GetObject", err)
	}
	return toObjectInfo(stat), obj, nil
}

// StatObject 只读取对象元数据。
func (s *MinIOStore) StatObject(ctx context.Context, key string) (ObjectInfo, error) {
	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapMinioError("StatObject", err)
	}
	return toObjectInfo(stat), nil
}

func toObjectInfo(stat minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          stat.Key,
		Size:         stat.Size,
		ETag:         stat.ETag,
		ContentType:  stat.ContentType,
		LastModified: stat.LastModified,
	}
}

func mapMinioError(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchUpload", "NoSuchBucket":
		return &Error{Op: op, Code: resp.Code, Err: ErrNotFound}
	}
	if resp.Code == "" && resp.StatusCode == http.StatusNotFound {
		return &Error{Op: op, Err: ErrNotFound}
	}
	return &Error{Op: op, Code: resp.Code, Err: err}
}
