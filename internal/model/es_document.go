package model

import "time"

// EsUploadDocument 是写入 Elasticsearch 的已完成上传文档，文档 ID 即 fileId。
type EsUploadDocument struct {
	FileID      string    `json:"file_id"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	ContentType string    `json:"content_type"`
	ObjectKey   string    `json:"object_key"`
	Username    string    `json:"username"`
	IP          string    `json:"ip"`
	CompletedAt time.Time `json:"completed_at"`
}

// UploadSearchHit 是管理端搜索接口返回的单条结果。
type UploadSearchHit struct {
	ID          string    `json:"id"`
	FileName    string    `json:"fileName"`
	FileSize    int64     `json:"fileSize"`
	ContentType string    `json:"contentType"`
	Username    string    `json:"username"`
	CompletedAt LocalTime `json:"completedAt"`
	Score       float64   `json:"score"`
	DownloadURL string    `json:"downloadUrl"`
}
