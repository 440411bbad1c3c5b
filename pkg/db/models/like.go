package models

import (
	"time"

	"github.com/google/uuid"
)

// Like records a single user liking a single artifact.
type Like struct {
	ID         uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_likes_pair"`
	ArtifactID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_likes_pair"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}
