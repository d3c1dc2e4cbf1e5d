// Package model 定义了与数据库表和 Redis 记录对应的 Go 结构体。
package model

import "time"

// UploadStatusCompleted 是 uploads 表中已完成记录的状态值。
const UploadStatusCompleted = "completed"

// UploadSession 是一次进行中的分片上传，以 JSON 形式存放在 Redis 的 multipart:{fileId} 下。
// 已确认的分片不写在这里，而是各自独立存放，Parts 只在聚合时填充。
type UploadSession struct {
	FileID      string     `json:"fileId"`
	UploadID    string     `json:"uploadId"`
	ObjectKey   string     `json:"objectKey"`
	FileName    string     `json:"fileName"`
	ContentType string     `json:"contentType"`
	UserID      uint       `json:"userId,omitempty"`
	Username    string     `json:"username,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	Parts       []PartETag `json:"parts,omitempty"`
}

// PartETag 记录一个已被存储后端确认的分片。
type PartETag struct {
	PartNumber int       `json:"partNumber"`
	ETag       string    `json:"etag"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// FinalizedUpload 定义了 uploads 表的 ORM 模型。
// 只在上传成功完成时写入一次，之后不再修改。
type FinalizedUpload struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	FileName    string    `gorm:"type:varchar(255);not null" json:"fileName"`
	FileSize    int64     `gorm:"not null" json:"fileSize"`
	ObjectKey   string    `gorm:"type:varchar(1024);not null" json:"objectKey"`
	ContentType string    `gorm:"type:varchar(255)" json:"contentType"`
	IP          string    `gorm:"column:ip;type:varchar(64)" json:"ip"`
	UserAgent   string    `gorm:"type:varchar(512)" json:"userAgent"`
	Status      string    `gorm:"type:varchar(32);not null;default:completed;index:idx_uploads_status_created,priority:1" json:"status"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index:idx_uploads_status_created,priority:2" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (FinalizedUpload) TableName() string {
	return "uploads"
}
