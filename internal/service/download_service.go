package service

import (
	"context"
	"errors"
	"io"

	"skydump-go/internal/model"
	"skydump-go/internal/repository"
	"skydump-go/pkg/log"
	"skydump-go/pkg/storage"
)

// Download 是一次可读取的下载，调用方负责关闭 Body。
type Download struct {
	FileName    string
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// DownloadService 接口定义了文件下载的业务操作。
type DownloadService interface {
	Open(ctx context.Context, fileID string) (*Download, error)
}

type downloadService struct {
	store      storage.ObjectStore
	uploadRepo repository.UploadRepository
}

// NewDownloadService 创建一个新的 DownloadService 实例。
func NewDownloadService(store storage.ObjectStore, uploadRepo repository.UploadRepository) DownloadService {
	return &downloadService{store: store, uploadRepo: uploadRepo}
}

// Open 查找已完成的上传记录并打开对象流。只有 status=completed 的记录可以下载。
func (s *downloadService) Open(ctx context.Context, fileID string) (*Download, error) {
	if fileID == "" {
		return nil, notFoundError("File not found")
	}
	record, err := s.uploadRepo.FindCompletedByID(ctx, fileID)
	if errors.Is(err, repository.ErrUploadNotFound) {
		return nil, notFoundError("File not found")
	}
	if err != nil {
		log.Errorf("[Download] 查询上传记录失败, fileId: %s, error: %v", fileID, err)
		return nil, backendError("Download failed", err)
	}

	_, body, err := s.store.GetObject(ctx, record.ObjectKey)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warnf("[Download] 记录存在但对象缺失, fileId: %s, objectKey: %s", fileID, record.ObjectKey)
		return nil, notFoundError("File not found in storage")
	}
	if err != nil {
		log.Errorf("[Download] 读取对象失败, fileId: %s, error: %v", fileID, err)
		return nil, backendError("Download failed", err)
	}

	contentType := record.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	return &Download{
		FileName:    record.FileName,
		ContentType: contentType,
		Size:        record.FileSize,
		Body:        body,
	}, nil
}

// downloadURL 拼接对外的下载链接。
func downloadURL(origin string, record *model.FinalizedUpload) string {
	return trimOrigin(origin) + "/download/" + record.ID
}
