package repository

import (
	"context"
	"errors"
	"fmt"

	"skydump-go/internal/model"

	"gorm.io/gorm"
)

// ErrUploadNotFound 表示 uploads 表中没有对应的已完成记录。
var ErrUploadNotFound = errors.New("upload not found")

// UploadRepository 接口定义了已完成上传记录的持久化操作。
type UploadRepository interface {
	Create(ctx context.Context, record *model.FinalizedUpload) error
	FindCompletedByID(ctx context.Context, id string) (*model.FinalizedUpload, error)
	// List 按 created_at 倒序分页查询，同时返回满足条件的总数。
	List(ctx context.Context, status string, offset, limit int) ([]model.FinalizedUpload, int64, error)
}

// uploadRepository 是 UploadRepository 接口的 GORM 实现。
type uploadRepository struct {
	db *gorm.DB
}

// NewUploadRepository 创建一个新的 UploadRepository 实例。
func NewUploadRepository(db *gorm.DB) UploadRepository {
	return &uploadRepository{db: db}
}

// Create 插入一条上传记录，记录写入后不再修改。
func (r *uploadRepository) Create(ctx context.Context, record *model.FinalizedUpload) error {
	if record.Status == "" {
		record.Status = model.UploadStatusCompleted
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("插入上传记录失败（id=%s）: %w", record.ID, err)
	}
	return nil
}

// FindCompletedByID 根据 fileId 查找状态为 completed 的记录。
func (r *uploadRepository) FindCompletedByID(ctx context.Context, id string) (*model.FinalizedUpload, error) {
	var record model.FinalizedUpload
	err := r.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, model.UploadStatusCompleted).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询上传记录失败（id=%s）: %w", id, err)
	}
	return &record, nil
}

// List 分页列出指定状态的上传记录。
func (r *uploadRepository) List(ctx context.Context, status string, offset, limit int) ([]model.FinalizedUpload, int64, error) {
	var total int64
	query := r.db.WithContext(ctx).Model(&model.FinalizedUpload{}).Where("status = ?", status)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计上传记录失败: %w", err)
	}

	records := make([]model.FinalizedUpload, 0, limit)
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, 0, fmt.Errorf("查询上传记录失败: %w", err)
	}
	return records, total, nil
}
