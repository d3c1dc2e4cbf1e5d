package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"

	"skydump-go/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3Store 通过 aws-sdk-go-v2 访问 S3 兼容存储（Cloudflare R2、Backblaze B2 等）。
type S3Store struct {
	client    *s3.Client
	bucket    string
	maxBuffer int64
}

// NewS3Store 使用静态凭证创建 S3 客户端。
// Endpoint 为空且配置了 AccountID 时默认指向 R2。
func NewS3Store(ctx context.Context, cfg config.S3Config, maxBuffer int64) (*S3Store, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.Bucket == "" {
		return nil, errors.New("s3: access_key_id, secret_access_key 和 bucket 不能为空")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		base := cfg.Endpoint
		if base == "" && cfg.AccountID != "" {
			base = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
		}
		if base != "" {
			o.BaseEndpoint = aws.String(base)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket, maxBuffer: maxBuffer}, nil
}

// PutObject 上传完整对象。
func (s *S3Store) PutObject(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (ObjectInfo, error) {
	// SDK 对非 Seeker 的 Body 需要明确的长度
	body, n, err := bufferIfUnsized(r, size, s.maxBuffer)
	if err != nil {
		return ObjectInfo{}, &Error{Op: "PutObject", Err: err}
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(n),
		Metadata:      cloneMeta(opts.Metadata),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	resp, err := s.client.PutObject(ctx, input)
	if err != nil {
		return ObjectInfo{}, mapS3Error("PutObject", err)
	}
	return ObjectInfo{
		Key:         key,
		Size:        n,
		ETag:        aws.ToString(resp.ETag),
		ContentType: opts.ContentType,
	}, nil
}

// CreateMultipartUpload 创建分片上传。
func (s *S3Store) CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Metadata: cloneMeta(opts.Metadata),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	resp, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", mapS3Error("CreateMultipartUpload", err)
	}
	return aws.ToString(resp.UploadId), nil
}

// UploadPart 上传单个分片。
func (s *S3Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	body, n, err := bufferIfUnsized(r, size, s.maxBuffer)
	if err != nil {
		return "", &Error{Op: "UploadPart", Err: err}
	}
	resp, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          body,
		ContentLength: aws.Int64(n),
	})
	if err != nil {
		return "", mapS3Error("UploadPart", err)
	}
	return aws.ToString(resp.ETag), nil
}

// CompleteMultipartUpload 合并分片并通过 HeadObject 取回最终大小。
func (s *S3Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (ObjectInfo, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}

	if _, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	}); err != nil {
		return ObjectInfo{}, mapS3Error("CompleteMultipartUpload", err)
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, mapS3Error("HeadObject", err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(head.ContentLength),
		ETag:         aws.ToString(head.ETag),
		ContentType:  aws.ToString(head.ContentType),
		LastModified: aws.ToTime(head.LastModified),
	}, nil
}

// AbortMultipartUpload 放弃分片上传。
func (s *S3Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return mapS3Error("AbortMultipartUpload", err)
	}
	return nil
}

// GetObject 返回对象元数据和内容流。
func (s *S3Store) GetObject(ctx context.Context, key string) (ObjectInfo, io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, nil, mapS3Error("GetObject", err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(resp.ContentLength),
		ETag:         aws.ToString(resp.ETag),
		ContentType:  aws.ToString(resp.ContentType),
		LastModified: aws.ToTime(resp.LastModified),
	}, resp.Body, nil
}

// StatObject 通过 HeadObject 读取对象元数据。
func (s *S3Store) StatObject(ctx context.Context, key string) (ObjectInfo, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, mapS3Error("StatObject", err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(resp.ContentLength),
		ETag:         aws.ToString(resp.ETag),
		ContentType:  aws.ToString(resp.ContentType),
		LastModified: aws.ToTime(resp.LastModified),
	}, nil
}

func cloneMeta(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	maps.Copy(out, in)
	return out
}

func mapS3Error(op string, err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return &Error{Op: op, Code: "NoSuchKey", Err: ErrNotFound}
	}
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return &Error{Op: op, Code: "NoSuchUpload", Err: ErrNotFound}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch strings.ToLower(code) {
		case "nosuchkey", "notfound", "404":
			return &Error{Op: op, Code: code, Err: ErrNotFound}
		}
		return &Error{Op: op, Code: code, Err: err}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return &Error{Op: op, Err: ErrNotFound}
	}
	return &Error{Op: op, Err: err}
}
