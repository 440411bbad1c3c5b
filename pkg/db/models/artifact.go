package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/memeline/memeline-backend/pkg/enums"
)

// Artifact is an uploaded piece of media moving through the processing
// pipeline. Status leaves pending/processing only via the media worker.
type Artifact struct {
	ID            uuid.UUID            `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerID       uuid.UUID            `gorm:"column:owner_id;type:uuid;not null;index"`
	Status        enums.ArtifactStatus `gorm:"column:status;type:artifact_status;not null;default:'pending'"`
	Caption       string               `gorm:"column:caption;type:text;not null;default:''"`
	RawKey        string               `gorm:"column:raw_key;not null;unique"`
	MediaKey      *string              `gorm:"column:media_key"`
	ThumbnailKey  *string              `gorm:"column:thumbnail_key"`
	MimeType      string               `gorm:"column:mime_type;not null"`
	SizeBytes     int64                `gorm:"column:size_bytes;not null"`
	DurationMS    *int64               `gorm:"column:duration_ms"`
	Width         *int                 `gorm:"column:width"`
	Height        *int                 `gorm:"column:height"`
	HasAudio      bool                 `gorm:"column:has_audio;not null;default:false"`
	FailureReason *string              `gorm:"column:failure_reason"`
	UploadedAt    *time.Time           `gorm:"column:uploaded_at"`
	CreatedAt     time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}
