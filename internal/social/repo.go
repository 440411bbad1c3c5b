package social

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/memeline/memeline-backend/pkg/db/models"
	"github.com/memeline/memeline-backend/pkg/pagination"
)

// Repository exposes follow/like/comment persistence operations.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a social repository bound to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// CreateFollow persists a follow edge.
func (r *Repository) CreateFollow(ctx context.Context, follow *models.Follow) (*models.Follow, error) {
	if err := r.db.WithContext(ctx).Create(follow).Error; err != nil {
		return nil, err
	}
	return follow, nil
}

// DeleteFollow removes the follow edge. Returns rows affected so unfollow
// can stay idempotent.
func (r *Repository) DeleteFollow(ctx context.Context, followerID, followeeID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("follower_id = ? AND followee_id = ?", followerID, followeeID).
		Delete(&models.Follow{})
	return result.RowsAffected, result.Error
}

// IsFollowing reports whether the edge exists.
func (r *Repository) IsFollowing(ctx context.Context, followerID, followeeID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Follow{}).
		Where("follower_id = ? AND followee_id = ?", followerID, followeeID).
		Count(&count).Error
	return count > 0, err
}

// ListNotifiableFollowers returns followers of the followee who opted into
// new-artifact fan-out.
func (r *Repository) ListNotifiableFollowers(ctx context.Context, followeeID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.Follow{}).
		Where("followee_id = ? AND notify_on_new_artifact = true", followeeID).
		Pluck("follower_id", &ids).Error
	return ids, err
}

// CreateLike persists a like.
func (r *Repository) CreateLike(ctx context.Context, like *models.Like) (*models.Like, error) {
	if err := r.db.WithContext(ctx).Create(like).Error; err != nil {
		return nil, err
	}
	return like, nil
}

// DeleteLike removes a like. Returns rows affected so unlike can detect
// whether a notification retraction is due.
func (r *Repository) DeleteLike(ctx context.Context, userID, artifactID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND artifact_id = ?", userID, artifactID).
		Delete(&models.Like{})
	return result.RowsAffected, result.Error
}

// CountLikes returns the like total for an artifact.
func (r *Repository) CountLikes(ctx context.Context, artifactID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Like{}).
		Where("artifact_id = ?", artifactID).
		Count(&count).Error
	return count, err
}

// CreateComment persists a comment.
func (r *Repository) CreateComment(ctx context.Context, comment *models.Comment) (*models.Comment, error) {
	if err := r.db.WithContext(ctx).Create(comment).Error; err != nil {
		return nil, err
	}
	return comment, nil
}

// ListComments returns an artifact's comments oldest first, keyed by the cursor.
func (r *Repository) ListComments(ctx context.Context, artifactID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.Comment, error) {
	query := r.db.WithContext(ctx).
		Where("artifact_id = ?", artifactID).
		Order("created_at ASC, id ASC").
		Limit(limit)
	if cursor != nil {
		query = query.Where("(created_at, id) > (?, ?)", cursor.CreatedAt, cursor.ID)
	}
	var rows []models.Comment
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
