package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/memeline/memeline-backend/pkg/enums"
)

// Notification stores one in-app event addressed to a recipient. Rows are
// mutated only by the recipient marking them read and cascade with their
// referenced artifact.
type Notification struct {
	ID          uuid.UUID              `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	RecipientID uuid.UUID              `gorm:"type:uuid;not null;index"`
	SenderID    uuid.UUID              `gorm:"type:uuid;not null"`
	Type        enums.NotificationType `gorm:"type:notification_type;not null"`
	ArtifactID  *uuid.UUID             `gorm:"type:uuid"`
	Text        *string                `gorm:"type:text"`
	IsRead      bool                   `gorm:"column:is_read;not null;default:false"`
	CreatedAt   time.Time              `gorm:"type:timestamptz;default:now()"`
}
