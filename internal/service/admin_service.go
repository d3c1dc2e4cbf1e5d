package service

import (
	"context"
	"strconv"
	"strings"

	"skydump-go/internal/model"
	"skydump-go/internal/repository"
	"skydump-go/pkg/log"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// UploadListQuery 是管理端列表查询参数。
type UploadListQuery struct {
	Limit  int
	Offset int
	Status string
}

// ParseUploadListQuery 解析并规范化查询参数：limit 默认 50 并限制在 [1, 200]，offset 不小于 0，status 默认 completed。
func ParseUploadListQuery(limitStr, offsetStr, status string) (UploadListQuery, error) {
	q := UploadListQuery{Limit: defaultListLimit, Status: status}
	if limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			return q, validationError("Invalid limit parameter")
		}
		q.Limit = n
	}
	if offsetStr != "" {
		n, err := strconv.Atoi(offsetStr)
		if err != nil {
			return q, validationError("Invalid offset parameter")
		}
		q.Offset = n
	}
	if q.Limit < 1 {
		q.Limit = 1
	}
	if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Status == "" {
		q.Status = model.UploadStatusCompleted
	}
	return q, nil
}

// UploadListItem 是管理端列表中的一项。
type UploadListItem struct {
	ID          string          `json:"id"`
	FileName    string          `json:"fileName"`
	FileSize    int64           `json:"fileSize"`
	ContentType string          `json:"contentType"`
	IP          string          `json:"ip"`
	UserAgent   string          `json:"userAgent"`
	Status      string          `json:"status"`
	CreatedAt   model.LocalTime `json:"createdAt"`
	UpdatedAt   model.LocalTime `json:"updatedAt"`
	DownloadURL string          `json:"downloadUrl"`
}

// Pagination 描述分页信息。
type Pagination struct {
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"hasMore"`
}

// UploadListResponse 定义了管理端列表 API 的响应结构。
type UploadListResponse struct {
	Uploads    []UploadListItem `json:"uploads"`
	Pagination Pagination       `json:"pagination"`
}

// UploadSearchResponse 定义了管理端搜索 API 的响应结构。
type UploadSearchResponse struct {
	Results    []model.UploadSearchHit `json:"results"`
	Pagination Pagination              `json:"pagination"`
}

// UploadSearcher 是全文检索后端，当前由 Elasticsearch 实现。
type UploadSearcher interface {
	SearchUploads(ctx context.Context, query string, offset, limit int) ([]model.UploadSearchHit, int64, error)
}

// AdminService 接口定义了所有管理员相关的业务操作。
type AdminService interface {
	ListUploads(ctx context.Context, q UploadListQuery, origin string) (*UploadListResponse, error)
	SearchUploads(ctx context.Context, query string, q UploadListQuery, origin string) (*UploadSearchResponse, error)
}

// adminService 是 AdminService 接口的实现。
type adminService struct {
	uploadRepo repository.UploadRepository
	searcher   UploadSearcher
}

// NewAdminService 创建一个新的 AdminService 实例，searcher 可以为 nil。
func NewAdminService(uploadRepo repository.UploadRepository, searcher UploadSearcher) AdminService {
	return &adminService{uploadRepo: uploadRepo, searcher: searcher}
}

// ListUploads 按创建时间倒序分页列出上传记录。
func (s *adminService) ListUploads(ctx context.Context, q UploadListQuery, origin string) (*UploadListResponse, error) {
	records, total, err := s.uploadRepo.List(ctx, q.Status, q.Offset, q.Limit)
	if err != nil {
		log.Errorf("[ListUploads] 查询上传记录失败, error: %v", err)
		return nil, backendError("Query failed", err)
	}

	items := make([]UploadListItem, 0, len(records))
	for i := range records {
		r := &records[i]
		items = append(items, UploadListItem{
			ID:          r.ID,
			FileName:    r.FileName,
			FileSize:    r.FileSize,
			ContentType: r.ContentType,
			IP:          r.IP,
			UserAgent:   r.UserAgent,
			Status:      r.Status,
			CreatedAt:   model.LocalTime(r.CreatedAt),
			UpdatedAt:   model.LocalTime(r.UpdatedAt),
			DownloadURL: downloadURL(origin, r),
		})
	}

	return &UploadListResponse{
		Uploads:    items,
		Pagination: newPagination(total, q),
	}, nil
}

// SearchUploads 在 Elasticsearch 中按文件名、类型和用户名检索已完成的上传。
func (s *adminService) SearchUploads(ctx context.Context, query string, q UploadListQuery, origin string) (*UploadSearchResponse, error) {
	if s.searcher == nil {
		return nil, notFoundError("Search is not enabled")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, validationError("q required")
	}
	hits, total, err := s.searcher.SearchUploads(ctx, query, q.Offset, q.Limit)
	if err != nil {
		log.Errorf("[SearchUploads] 检索失败, query: %s, error: %v", query, err)
		return nil, backendError("Query failed", err)
	}
	for i := range hits {
		hits[i].DownloadURL = trimOrigin(origin) + "/download/" + hits[i].ID
	}
	return &UploadSearchResponse{Results: hits, Pagination: newPagination(total, q)}, nil
}

func newPagination(total int64, q UploadListQuery) Pagination {
	return Pagination{
		Total:   total,
		Limit:   q.Limit,
		Offset:  q.Offset,
		HasMore: int64(q.Offset+q.Limit) < total,
	}
}

func trimOrigin(origin string) string {
	return strings.TrimRight(origin, "/")
}
