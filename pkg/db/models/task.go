package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/memeline/memeline-backend/pkg/enums"
)

// Task is a durable unit of work awaiting a media worker. A row disappears
// only on ack; locked_until implements the redelivery visibility window.
type Task struct {
	ID           uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Kind         enums.TaskKind  `gorm:"column:kind;type:task_kind;not null"`
	Payload      json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	AttemptCount int             `gorm:"column:attempt_count;not null;default:0"`
	LockedUntil  *time.Time      `gorm:"column:locked_until"`
	LastError    *string         `gorm:"column:last_error"`
	CreatedAt    time.Time       `gorm:"column:created_at;autoCreateTime"`
}
