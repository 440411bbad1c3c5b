package models

import (
	"time"

	"github.com/google/uuid"
)

// Follow links a follower to a followee. The notify flag controls whether
// the follower receives fan-out when the followee publishes a new artifact.
type Follow struct {
	ID                  uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	FollowerID          uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_follows_pair"`
	FolloweeID          uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_follows_pair"`
	NotifyOnNewArtifact bool      `gorm:"column:notify_on_new_artifact;not null;default:true"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime"`
}
