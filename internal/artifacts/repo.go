package artifacts

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/memeline/memeline-backend/pkg/db/models"
	"github.com/memeline/memeline-backend/pkg/enums"
)

// Repository exposes artifact persistence operations.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs an artifact repository bound to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create persists an artifact record.
func (r *Repository) Create(ctx context.Context, artifact *models.Artifact) (*models.Artifact, error) {
	if err := r.db.WithContext(ctx).Create(artifact).Error; err != nil {
		return nil, err
	}
	return artifact, nil
}

// CreateTx persists an artifact record inside the caller's transaction.
func (r *Repository) CreateTx(tx *gorm.DB, artifact *models.Artifact) (*models.Artifact, error) {
	if err := tx.Create(artifact).Error; err != nil {
		return nil, err
	}
	return artifact, nil
}

// FindByID retrieves an artifact by ID.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Artifact, error) {
	var a models.Artifact
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// FindByRawKey retrieves an artifact by its raw upload object key.
func (r *Repository) FindByRawKey(ctx context.Context, rawKey string) (*models.Artifact, error) {
	var a models.Artifact
	if err := r.db.WithContext(ctx).First(&a, "raw_key = ?", rawKey).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// MarkUploadedTx stamps uploaded_at once, inside the caller's transaction so
// the stamp and the processing-task insert commit or roll back together.
// Returns the number of rows changed so a redelivered storage event can
// detect it already ran.
func (r *Repository) MarkUploadedTx(tx *gorm.DB, id uuid.UUID) (int64, error) {
	result := tx.
		Model(&models.Artifact{}).
		Where("id = ? AND uploaded_at IS NULL", id).
		Update("uploaded_at", gorm.Expr("now()"))
	return result.RowsAffected, result.Error
}

// TransitionStatus performs a compare-and-set status move, applying updates
// only when the row is still in the expected status. Returns false when the
// guard missed, meaning another handler already moved the row.
func (r *Repository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to enums.ArtifactStatus, updates map[string]any) (bool, error) {
	values := map[string]any{"status": to}
	for k, v := range updates {
		values[k] = v
	}
	result := r.db.WithContext(ctx).
		Model(&models.Artifact{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Delete removes an artifact row. Likes, comments and notifications that
// reference it go with it via FK cascade.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Artifact{}).Error
}

// ListByOwner returns the owner's artifacts newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]models.Artifact, error) {
	var rows []models.Artifact
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
