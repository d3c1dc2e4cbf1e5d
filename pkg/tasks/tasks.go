// Package tasks defines the events that are sent to Kafka.
package tasks

import (
	"time"

	"github.com/google/uuid"
)

// Event types carried in UploadEvent.Type.
const (
	EventUploadCompleted = "upload.completed"
	EventUploadFailed    = "upload.failed"
)

// UploadEvent is published once per finished or failed upload.
type UploadEvent struct {
	EventID     string    `json:"eventId"`
	Type        string    `json:"type"`
	FileID      string    `json:"fileId,omitempty"`
	FileName    string    `json:"fileName"`
	FileSize    int64     `json:"fileSize,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	ObjectKey   string    `json:"objectKey,omitempty"`
	DownloadURL string    `json:"downloadUrl,omitempty"`
	UserID      uint      `json:"userId,omitempty"`
	Username    string    `json:"username,omitempty"`
	IP          string    `json:"ip,omitempty"`
	UserAgent   string    `json:"userAgent,omitempty"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// NewUploadEvent fills in the event id and timestamp.
func NewUploadEvent(eventType string) UploadEvent {
	return UploadEvent{
		EventID:    uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
	}
}
