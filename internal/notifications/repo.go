package notifications

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/memeline/memeline-backend/pkg/db/models"
	"github.com/memeline/memeline-backend/pkg/enums"
	"github.com/memeline/memeline-backend/pkg/pagination"
)

// Repository exposes notification persistence operations.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a notification repository bound to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create persists a notification record.
func (r *Repository) Create(ctx context.Context, notification *models.Notification) (*models.Notification, error) {
	if err := r.db.WithContext(ctx).Create(notification).Error; err != nil {
		return nil, err
	}
	return notification, nil
}

// FindUnreadFollow returns the existing unread follow notification from the
// sender to the recipient, if any.
func (r *Repository) FindUnreadFollow(ctx context.Context, recipientID, senderID uuid.UUID) (*models.Notification, error) {
	var n models.Notification
	err := r.db.WithContext(ctx).
		Where("recipient_id = ? AND sender_id = ? AND type = ? AND is_read = false",
			recipientID, senderID, enums.NotificationTypeFollow).
		First(&n).Error
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ListByRecipient returns notifications newest first, keyed by the cursor.
func (r *Repository) ListByRecipient(ctx context.Context, recipientID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.Notification, error) {
	query := r.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at DESC, id DESC").
		Limit(limit)
	if cursor != nil {
		query = query.Where("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	}
	var rows []models.Notification
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkRead flips a single notification owned by the recipient. Returns the
// number of rows changed so callers can distinguish not-found from already-read.
func (r *Repository) MarkRead(ctx context.Context, recipientID, notificationID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND recipient_id = ? AND is_read = false", notificationID, recipientID).
		Update("is_read", true)
	return result.RowsAffected, result.Error
}

// Exists reports whether the notification belongs to the recipient.
func (r *Repository) Exists(ctx context.Context, recipientID, notificationID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND recipient_id = ?", notificationID, recipientID).
		Count(&count).Error
	return count > 0, err
}

// MarkAllRead flips every unread notification for the recipient.
func (r *Repository) MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("recipient_id = ? AND is_read = false", recipientID).
		Update("is_read", true)
	return result.RowsAffected, result.Error
}

// CountUnread returns the recipient's unread total straight from the table.
func (r *Repository) CountUnread(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("recipient_id = ? AND is_read = false", recipientID).
		Count(&count).Error
	return count, err
}

// DeleteUnreadLike removes the still-unread like notification a sender left
// on an artifact. Read notifications stay: the recipient already saw them.
func (r *Repository) DeleteUnreadLike(ctx context.Context, recipientID, senderID, artifactID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("recipient_id = ? AND sender_id = ? AND artifact_id = ? AND type = ? AND is_read = false",
			recipientID, senderID, artifactID, enums.NotificationTypeLike).
		Delete(&models.Notification{})
	return result.RowsAffected, result.Error
}
