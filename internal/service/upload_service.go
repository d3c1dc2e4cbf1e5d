// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"skydump-go/internal/config"
	"skydump-go/internal/model"
	"skydump-go/internal/repository"
	"skydump-go/pkg/log"
	"skydump-go/pkg/storage"
	"skydump-go/pkg/tasks"

	"github.com/google/uuid"
)

const defaultContentType = "application/octet-stream"

// EventPublisher 负责把上传事件交给通知流水线。
type EventPublisher interface {
	Publish(ctx context.Context, event tasks.UploadEvent) error
}

// UploaderInfo 描述发起请求的客户端，匿名上传时 UserID 为 0。
type UploaderInfo struct {
	UserID    uint
	Username  string
	IP        string
	UserAgent string
	// Origin 用于拼接下载链接，例如 https://dump.example.com
	Origin string
}

// InitMultipartRequest 是创建分片上传的参数，FileSize <= 0 表示未提供。
type InitMultipartRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	FileSize    int64  `json:"fileSize"`
}

// InitMultipartResult 是创建分片上传的结果。
type InitMultipartResult struct {
	FileID    string `json:"fileId"`
	UploadID  string `json:"uploadId"`
	ObjectKey string `json:"objectKey"`
}

// PartResult 是单个分片上传的结果。
type PartResult struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// PartInfo 是分片列表中的一项。
type PartInfo struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// PartsListing 返回会话中已确认的分片，供客户端断点续传。
type PartsListing struct {
	FileID        string     `json:"fileId"`
	UploadID      string     `json:"uploadId"`
	FileName      string     `json:"fileName"`
	Parts         []PartInfo `json:"parts"`
	UploadedBytes int64      `json:"uploadedBytes"`
}

// UploadResult 是完成上传（分片或直传）的结果。
type UploadResult struct {
	FileID    string `json:"fileId"`
	FileName  string `json:"fileName"`
	Size      int64  `json:"size"`
	ObjectKey string `json:"objectKey"`
}

// DirectUploadRequest 是单次请求直传的参数，Size < 0 表示长度未知。
type DirectUploadRequest struct {
	FileName    string
	ContentType string
	Body        io.Reader
	Size        int64
}

// FailureReport 是客户端上报的上传失败。
type FailureReport struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	Error    string `json:"error"`
}

// UploadService 接口定义了上传协调相关的业务操作。
type UploadService interface {
	InitMultipart(ctx context.Context, req InitMultipartRequest, who UploaderInfo) (*InitMultipartResult, error)
	UploadPart(ctx context.Context, fileID string, partNumber int, body io.Reader, size int64) (*PartResult, error)
	ListParts(ctx context.Context, fileID string) (*PartsListing, error)
	Complete(ctx context.Context, fileID string, who UploaderInfo) (*UploadResult, error)
	Abort(ctx context.Context, fileID string) error
	DirectUpload(ctx context.Context, req DirectUploadRequest, who UploaderInfo) (*UploadResult, error)
	ReportFailure(ctx context.Context, report FailureReport, who UploaderInfo) error
}

type uploadService struct {
	store       storage.ObjectStore
	sessionRepo repository.SessionRepository
	uploadRepo  repository.UploadRepository
	publisher   EventPublisher
	cfg         config.UploadConfig
}

// NewUploadService 创建一个新的 UploadService 实例。
func NewUploadService(
	store storage.ObjectStore,
	sessionRepo repository.SessionRepository,
	uploadRepo repository.UploadRepository,
	publisher EventPublisher,
	cfg config.UploadConfig,
) UploadService {
	return &uploadService{
		store:       store,
		sessionRepo: sessionRepo,
		uploadRepo:  uploadRepo,
		publisher:   publisher,
		cfg:         cfg,
	}
}

// InitMultipart 在存储后端创建分片上传并写入会话。
func (s *uploadService) InitMultipart(ctx context.Context, req InitMultipartRequest, who UploaderInfo) (*InitMultipartResult, error) {
	fileName := baseName(req.FileName)
	if fileName == "" {
		return nil, validationError("fileName required")
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	if !s.isAllowedType(fileName, contentType) {
		return nil, validationError("Unsupported file type")
	}
	if s.cfg.MaxFileSize > 0 && req.FileSize > s.cfg.MaxFileSize {
		return nil, validationError("File size exceeds 5GB limit")
	}

	fileID := uuid.NewString()
	objectKey := fileID + "/" + fileName
	log.Infof("[InitMultipart] 开始创建分片上传, fileId: %s, fileName: %s, size: %d", fileID, fileName, req.FileSize)

	uploadID, err := s.store.CreateMultipartUpload(ctx, objectKey, storage.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"original-name": fileName, "file-id": fileID},
	})
	if err != nil {
		log.Errorf("[InitMultipart] 存储后端创建分片上传失败, fileId: %s, error: %v", fileID, err)
		return nil, backendError("Failed to init multipart upload", err)
	}

	session := &model.UploadSession{
		FileID:      fileID,
		UploadID:    uploadID,
		ObjectKey:   objectKey,
		FileName:    fileName,
		ContentType: contentType,
		UserID:      who.UserID,
		Username:    who.Username,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.sessionRepo.Create(ctx, session, s.cfg.SessionTTL); err != nil {
		log.Errorf("[InitMultipart] 写入会话失败, fileId: %s, error: %v", fileID, err)
		return nil, backendError("Failed to init multipart upload", err)
	}

	log.Infof("[InitMultipart] 分片上传已创建, fileId: %s, uploadId: %s", fileID, uploadID)
	return &InitMultipartResult{FileID: fileID, UploadID: uploadID, ObjectKey: objectKey}, nil
}

// UploadPart 把分片转发到存储后端，并记录后端返回的 ETag。
// 重复的分片序号和乱序上传都是允许的，同一序号以最后一次为准。
func (s *uploadService) UploadPart(ctx context.Context, fileID string, partNumber int, body io.Reader, size int64) (*PartResult, error) {
	if fileID == "" || partNumber < 1 {
		return nil, validationError("fileId and partNumber required")
	}
	if partNumber > storage.MaxPartNumber {
		return nil, validationError(fmt.Sprintf("partNumber must be between 1 and %d", storage.MaxPartNumber))
	}
	if s.cfg.MaxPartBytes > 0 && size > s.cfg.MaxPartBytes {
		return nil, validationError("Part too large")
	}

	session, err := s.sessionRepo.Get(ctx, fileID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil, notFoundError("Multipart upload not found")
	}
	if err != nil {
		log.Errorf("[UploadPart] 读取会话失败, fileId: %s, error: %v", fileID, err)
		return nil, backendError("Part upload failed", err)
	}

	counter := &countingReader{r: body}
	etag, err := s.store.UploadPart(ctx, session.ObjectKey, session.UploadID, partNumber, counter, size)
	if err != nil {
		if isBodyTooLarge(err) {
			return nil, validationError("Part too large")
		}
		log.Errorf("[UploadPart] 分片上传到存储后端失败, fileId: %s, part: %d, error: %v", fileID, partNumber, err)
		return nil, backendError("Part upload failed", err)
	}

	part := model.PartETag{
		PartNumber: partNumber,
		ETag:       etag,
		Size:       counter.n,
		UploadedAt: time.Now().UTC(),
	}
	if err := s.sessionRepo.PutPart(ctx, fileID, part, s.cfg.SessionTTL); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, notFoundError("Multipart upload not found")
		}
		log.Errorf("[UploadPart] 记录分片失败, fileId: %s, part: %d, error: %v", fileID, partNumber, err)
		return nil, backendError("Part upload failed", err)
	}

	log.Infof("[UploadPart] 分片上传成功, fileId: %s, part: %d, size: %d", fileID, partNumber, counter.n)
	return &PartResult{PartNumber: partNumber, ETag: etag}, nil
}

// ListParts 返回会话中已确认的分片。
func (s *uploadService) ListParts(ctx context.Context, fileID string) (*PartsListing, error) {
	if fileID == "" {
		return nil, validationError("fileId required")
	}
	session, parts, err := s.loadSession(ctx, fileID)
	if err != nil {
		return nil, err
	}

	listing := &PartsListing{
		FileID:   session.FileID,
		UploadID: session.UploadID,
		FileName: session.FileName,
		Parts:    make([]PartInfo, 0, len(parts)),
	}
	for _, p := range parts {
		listing.Parts = append(listing.Parts, PartInfo{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size})
		listing.UploadedBytes += p.Size
	}
	return listing, nil
}

// Complete 按升序提交分片清单，成功后写入元数据、删除会话并发布事件。
// 后端拒绝时不做修复，会话保留到重试或过期。
// 写入元数据失败后重试时，后端已没有该分片上传，此时以已合并的对象为准。
func (s *uploadService) Complete(ctx context.Context, fileID string, who UploaderInfo) (*UploadResult, error) {
	if fileID == "" {
		return nil, validationError("fileId required")
	}
	log.Infof("[Complete] 开始完成分片上传, fileId: %s", fileID)

	session, parts, err := s.loadSession(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, validationError("No parts uploaded")
	}

	completed := make([]storage.CompletedPart, 0, len(parts))
	var partsTotal int64
	for _, p := range parts {
		completed = append(completed, storage.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
		partsTotal += p.Size
	}

	info, err := s.store.CompleteMultipartUpload(ctx, session.ObjectKey, session.UploadID, completed)
	if errors.Is(err, storage.ErrNotFound) {
		// 上次合并已成功但记录未写入，会话仍在时直接补写记录
		if stat, statErr := s.store.StatObject(ctx, session.ObjectKey); statErr == nil {
			log.Warnf("[Complete] 分片上传已合并，补写上传记录, fileId: %s", fileID)
			info, err = stat, nil
		}
	}
	if err != nil {
		msg := "Failed to complete upload"
		if code := storage.CodeOf(err); code != "" {
			msg += ": " + code
		}
		log.Errorf("[Complete] 存储后端拒绝合并, fileId: %s, parts: %d, error: %v", fileID, len(parts), err)
		return nil, backendError(msg, err)
	}
	size := info.Size
	if size <= 0 {
		size = partsTotal
	}

	record := &model.FinalizedUpload{
		ID:          session.FileID,
		FileName:    session.FileName,
		FileSize:    size,
		ObjectKey:   session.ObjectKey,
		ContentType: session.ContentType,
		IP:          who.IP,
		UserAgent:   who.UserAgent,
		Status:      model.UploadStatusCompleted,
	}
	if err := s.uploadRepo.Create(ctx, record); err != nil {
		log.Errorf("[Complete] 写入上传记录失败, fileId: %s, error: %v", fileID, err)
		return nil, backendError("Failed to complete upload", err)
	}

	if err := s.sessionRepo.Delete(ctx, fileID); err != nil {
		log.Warnf("[Complete] 删除会话失败，将等待过期, fileId: %s, error: %v", fileID, err)
	}

	if who.UserID == 0 && session.UserID != 0 {
		who.UserID, who.Username = session.UserID, session.Username
	}
	s.publishCompleted(ctx, record, who)

	log.Infof("[Complete] 分片上传完成, fileId: %s, parts: %d, size: %d", fileID, len(parts), size)
	return &UploadResult{FileID: record.ID, FileName: record.FileName, Size: size, ObjectKey: record.ObjectKey}, nil
}

// Abort 放弃分片上传并删除会话，uploadId 不会被再次使用。
func (s *uploadService) Abort(ctx context.Context, fileID string) error {
	if fileID == "" {
		return validationError("fileId required")
	}
	session, err := s.sessionRepo.Get(ctx, fileID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return notFoundError("Multipart upload not found")
	}
	if err != nil {
		return backendError("Failed to abort upload", err)
	}

	if err := s.store.AbortMultipartUpload(ctx, session.ObjectKey, session.UploadID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Errorf("[Abort] 存储后端放弃上传失败, fileId: %s, error: %v", fileID, err)
		return backendError("Failed to abort upload", err)
	}
	if err := s.sessionRepo.Delete(ctx, fileID); err != nil {
		log.Errorf("[Abort] 删除会话失败, fileId: %s, error: %v", fileID, err)
		return backendError("Failed to abort upload", err)
	}
	log.Infof("[Abort] 分片上传已放弃, fileId: %s", fileID)
	return nil
}

// DirectUpload 把请求体一次性写入存储，不创建会话。
func (s *uploadService) DirectUpload(ctx context.Context, req DirectUploadRequest, who UploaderInfo) (*UploadResult, error) {
	fileName := baseName(req.FileName)
	if fileName == "" {
		return nil, validationError("x-file-name header required")
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	if !s.isAllowedType(fileName, contentType) {
		return nil, validationError("Unsupported file type")
	}
	if s.cfg.MaxDirectBytes > 0 && req.Size > s.cfg.MaxDirectBytes {
		return nil, validationError("File too large for direct upload")
	}

	fileID := uuid.NewString()
	objectKey := fileID + "/" + fileName
	log.Infof("[DirectUpload] 开始直传, fileId: %s, fileName: %s, size: %d", fileID, fileName, req.Size)

	info, err := s.store.PutObject(ctx, objectKey, req.Body, req.Size, storage.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"original-name": fileName, "file-id": fileID},
	})
	if err != nil {
		if isBodyTooLarge(err) {
			return nil, validationError("File too large for direct upload")
		}
		log.Errorf("[DirectUpload] 写入存储后端失败, fileId: %s, error: %v", fileID, err)
		return nil, backendError("Upload failed", err)
	}
	size := info.Size
	if size <= 0 && req.Size > 0 {
		size = req.Size
	}

	record := &model.FinalizedUpload{
		ID:          fileID,
		FileName:    fileName,
		FileSize:    size,
		ObjectKey:   objectKey,
		ContentType: contentType,
		IP:          who.IP,
		UserAgent:   who.UserAgent,
		Status:      model.UploadStatusCompleted,
	}
	if err := s.uploadRepo.Create(ctx, record); err != nil {
		log.Errorf("[DirectUpload] 写入上传记录失败, fileId: %s, error: %v", fileID, err)
		return nil, backendError("Upload failed", err)
	}
	s.publishCompleted(ctx, record, who)

	log.Infof("[DirectUpload] 直传完成, fileId: %s, size: %d", fileID, size)
	return &UploadResult{FileID: fileID, FileName: fileName, Size: size, ObjectKey: objectKey}, nil
}

// ReportFailure 发布一条 upload.failed 事件。
func (s *uploadService) ReportFailure(ctx context.Context, report FailureReport, who UploaderInfo) error {
	fileName := baseName(report.FileName)
	if fileName == "" {
		return validationError("fileName required")
	}
	event := tasks.NewUploadEvent(tasks.EventUploadFailed)
	event.FileID = report.FileID
	event.FileName = fileName
	event.FileSize = report.FileSize
	event.Error = report.Error
	event.UserID = who.UserID
	event.Username = who.Username
	event.IP = who.IP
	event.UserAgent = who.UserAgent

	log.Warnf("[ReportFailure] 客户端上报上传失败, fileId: %s, fileName: %s, error: %s", report.FileID, fileName, report.Error)
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Errorf("[ReportFailure] 发布失败事件出错, error: %v", err)
		return backendError("Failed to report upload failure", err)
	}
	return nil
}

// loadSession 读取会话及其已确认的分片。
func (s *uploadService) loadSession(ctx context.Context, fileID string) (*model.UploadSession, []model.PartETag, error) {
	session, err := s.sessionRepo.Get(ctx, fileID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil, nil, notFoundError("Multipart upload not found")
	}
	if err != nil {
		log.Errorf("读取会话失败, fileId: %s, error: %v", fileID, err)
		return nil, nil, backendError("Failed to load upload session", err)
	}
	parts, err := s.sessionRepo.ListParts(ctx, fileID)
	if err != nil {
		log.Errorf("读取分片列表失败, fileId: %s, error: %v", fileID, err)
		return nil, nil, backendError("Failed to load upload session", err)
	}
	session.Parts = parts
	return session, parts, nil
}

// publishCompleted 发布 upload.completed 事件，失败只记录日志。
func (s *uploadService) publishCompleted(ctx context.Context, record *model.FinalizedUpload, who UploaderInfo) {
	event := tasks.NewUploadEvent(tasks.EventUploadCompleted)
	event.FileID = record.ID
	event.FileName = record.FileName
	event.FileSize = record.FileSize
	event.ContentType = record.ContentType
	event.ObjectKey = record.ObjectKey
	event.UserID = who.UserID
	event.Username = who.Username
	event.IP = who.IP
	event.UserAgent = who.UserAgent
	if who.Origin != "" {
		event.DownloadURL = downloadURL(who.Origin, record)
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Errorf("发布上传完成事件失败, fileId: %s, error: %v", record.ID, err)
	}
}

// isAllowedType 校验视频类型：Content-Type 或扩展名任一命中即可。
func (s *uploadService) isAllowedType(fileName, contentType string) bool {
	if !s.cfg.EnforceVideoTypes {
		return true
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		for _, t := range s.cfg.AllowedContentTypes {
			if strings.EqualFold(mediaType, t) {
				return true
			}
		}
	}
	ext := strings.ToLower(path.Ext(fileName))
	for _, e := range s.cfg.AllowedExtensions {
		if ext != "" && ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// baseName 去掉客户端提供的目录部分，防止对象 key 穿越到其他 fileId 下。
func baseName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	base := path.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
