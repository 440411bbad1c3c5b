package artifacts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/memeline/memeline-backend/pkg/config"
	"github.com/memeline/memeline-backend/pkg/db/models"
	"github.com/memeline/memeline-backend/pkg/enums"
	pkgerrors "github.com/memeline/memeline-backend/pkg/errors"
	"github.com/memeline/memeline-backend/pkg/logger"
	"github.com/memeline/memeline-backend/pkg/types"
)

type artifactRepository interface {
	Create(ctx context.Context, artifact *models.Artifact) (*models.Artifact, error)
	CreateTx(tx *gorm.DB, artifact *models.Artifact) (*models.Artifact, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Artifact, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]models.Artifact, error)
}

type gcsClient interface {
	SignedURL(bucket, object, method, contentType string, expires time.Duration) (string, error)
	DeleteObject(ctx context.Context, bucket, object string) error
}

type editEnqueuer interface {
	EnqueueTx(tx *gorm.DB, kind enums.TaskKind, payload any) (*models.Task, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service exposes the upload-side artifact surface: presigned ingest,
// status polling, edit submission and owner deletion.
type Service interface {
	PresignUpload(ctx context.Context, userID uuid.UUID, input PresignInput) (*PresignOutput, error)
	GetStatus(ctx context.Context, userID, artifactID uuid.UUID) (*StatusOutput, error)
	SubmitEdit(ctx context.Context, userID, artifactID uuid.UUID, parameters map[string]string) (*EditOutput, error)
	Delete(ctx context.Context, userID, artifactID uuid.UUID) error
	ListOwn(ctx context.Context, userID uuid.UUID, limit int) ([]models.Artifact, error)
}

type service struct {
	repo        artifactRepository
	gcs         gcsClient
	queue       editEnqueuer
	tx          txRunner
	bucket      string
	uploadTTL   time.Duration
	downloadTTL time.Duration
	maxBytes    int64
	logger      *logger.Logger
}

// NewService constructs the artifact service backed by the repository, the
// GCS signer and the task queue.
func NewService(repo artifactRepository, gcs gcsClient, queue editEnqueuer, tx txRunner, gcsCfg config.GCSConfig, uploadCfg config.UploadConfig, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("artifact repository required")
	}
	if gcs == nil {
		return nil, fmt.Errorf("gcs client required")
	}
	if queue == nil {
		return nil, fmt.Errorf("task queue required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if gcsCfg.BucketName == "" {
		return nil, fmt.Errorf("gcs bucket required")
	}
	if gcsCfg.UploadURLExpiry <= 0 {
		return nil, fmt.Errorf("upload url expiry must be positive")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	maxBytes := int64(uploadCfg.MaxUploadMB) * 1024 * 1024
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max upload size must be positive")
	}
	return &service{
		repo:        repo,
		gcs:         gcs,
		queue:       queue,
		tx:          tx,
		bucket:      gcsCfg.BucketName,
		uploadTTL:   gcsCfg.UploadURLExpiry,
		downloadTTL: gcsCfg.DownloadURLExpiry,
		maxBytes:    maxBytes,
		logger:      logg,
	}, nil
}

// PresignInput models the payload required to request an upload URL.
type PresignInput struct {
	FileName  string
	MimeType  string
	SizeBytes int64
	Caption   string
}

// PresignOutput contains the data returned to the client after creating the
// pending artifact record.
type PresignOutput struct {
	ArtifactID   uuid.UUID `json:"artifact_id"`
	RawKey       string    `json:"raw_key"`
	SignedPUTURL string    `json:"signed_put_url"`
	ContentType  string    `json:"content_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// EditOutput identifies the derived artifact an edit job will produce.
type EditOutput struct {
	ArtifactID uuid.UUID            `json:"artifact_id"`
	SourceID   uuid.UUID            `json:"source_id"`
	Status     enums.ArtifactStatus `json:"status"`
}

// StatusOutput reports where an artifact sits in the pipeline.
type StatusOutput struct {
	ArtifactID   uuid.UUID            `json:"artifact_id"`
	Status       enums.ArtifactStatus `json:"status"`
	ThumbnailRef *string              `json:"thumbnail_ref,omitempty"`
	Error        *string              `json:"error,omitempty"`
}

var allowedUploadMimeTypes = []string{
	"image/png", "image/jpeg", "image/webp", "image/gif",
	"video/mp4", "video/webm", "video/quicktime",
}

const maxCaptionLength = 2200

func (s *service) PresignUpload(ctx context.Context, userID uuid.UUID, input PresignInput) (*PresignOutput, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user identity missing")
	}

	fileName := strings.TrimSpace(input.FileName)
	if fileName == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "file_name is required")
	}

	if input.SizeBytes <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "size_bytes must be positive")
	}
	if input.SizeBytes > s.maxBytes {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("size_bytes must be <= %d bytes", s.maxBytes))
	}

	mimeType := strings.TrimSpace(input.MimeType)
	if mimeType == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "mime_type is required")
	}
	if !isAllowedMime(mimeType) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "mime_type is not supported")
	}

	if len(input.Caption) > maxCaptionLength {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("caption must be <= %d characters", maxCaptionLength))
	}

	artifactID := uuid.New()
	rawKey := buildRawKey(userID, artifactID, fileName)

	row := &models.Artifact{
		ID:        artifactID,
		OwnerID:   userID,
		Status:    enums.ArtifactStatusPending,
		Caption:   strings.TrimSpace(input.Caption),
		RawKey:    rawKey,
		MimeType:  mimeType,
		SizeBytes: input.SizeBytes,
	}

	if _, err := s.repo.Create(ctx, row); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist artifact row")
	}

	expiresAt := time.Now().Add(s.uploadTTL)
	signedURL, err := s.gcs.SignedURL(s.bucket, rawKey, http.MethodPut, mimeType, s.uploadTTL)
	if err != nil {
		_ = s.repo.Delete(ctx, artifactID)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sign upload url")
	}

	return &PresignOutput{
		ArtifactID:   artifactID,
		RawKey:       rawKey,
		SignedPUTURL: signedURL,
		ContentType:  mimeType,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *service) GetStatus(ctx context.Context, userID, artifactID uuid.UUID) (*StatusOutput, error) {
	artifact, err := s.findOwned(ctx, userID, artifactID)
	if err != nil {
		return nil, err
	}

	out := &StatusOutput{
		ArtifactID: artifact.ID,
		Status:     artifact.Status,
		Error:      artifact.FailureReason,
	}

	if artifact.Status == enums.ArtifactStatusApproved && artifact.ThumbnailKey != nil {
		signed, err := s.gcs.SignedURL(s.bucket, *artifact.ThumbnailKey, http.MethodGet, "", s.downloadTTL)
		if err != nil {
			// Status polling still works without the preview link.
			s.logger.Warn(s.logger.WithArtifactID(ctx, artifact.ID.String()), "signing thumbnail url failed")
		} else {
			out.ThumbnailRef = &signed
		}
	}

	return out, nil
}

const (
	maxEditParameters     = 16
	maxEditParameterValue = 256
)

// SubmitEdit creates a new pending artifact derived from an approved source
// and enqueues the edit job for it, both in one transaction. The source
// artifact is left untouched; the derived artifact runs through the pipeline
// like any fresh upload, minus the follower fan-out.
func (s *service) SubmitEdit(ctx context.Context, userID, artifactID uuid.UUID, parameters map[string]string) (*EditOutput, error) {
	source, err := s.findOwned(ctx, userID, artifactID)
	if err != nil {
		return nil, err
	}
	if source.Status != enums.ArtifactStatusApproved {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "artifact has not finished processing")
	}
	if err := validateEditParameters(parameters); err != nil {
		return nil, err
	}

	sourceKey := source.RawKey
	if source.MediaKey != nil && *source.MediaKey != "" {
		sourceKey = *source.MediaKey
	}

	derivedID := uuid.New()
	derived := &models.Artifact{
		ID:      derivedID,
		OwnerID: userID,
		Status:  enums.ArtifactStatusPending,
		Caption: source.Caption,
		// Edits never pass through the upload bucket; the synthetic key sits
		// outside the raw/ prefix the ingest consumer watches.
		RawKey:    fmt.Sprintf("edit/%s/%s", userID.String(), derivedID.String()),
		MimeType:  source.MimeType,
		SizeBytes: source.SizeBytes,
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := s.repo.CreateTx(tx, derived); err != nil {
			return err
		}
		_, err := s.queue.EnqueueTx(tx, enums.TaskKindEditJob, types.EditJobTask{
			ArtifactID: derivedID,
			SourceKey:  sourceKey,
			Parameters: parameters,
		})
		return err
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "submit edit job")
	}

	s.logger.Info(
		s.logger.WithFields(ctx, map[string]any{"artifact_id": derivedID, "source_id": source.ID}),
		"edit job submitted",
	)
	return &EditOutput{ArtifactID: derivedID, SourceID: source.ID, Status: enums.ArtifactStatusPending}, nil
}

func validateEditParameters(parameters map[string]string) error {
	if len(parameters) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "parameters are required")
	}
	if len(parameters) > maxEditParameters {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("at most %d parameters allowed", maxEditParameters))
	}
	for key, value := range parameters {
		if strings.TrimSpace(key) == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, "parameter names must not be empty")
		}
		if len(value) > maxEditParameterValue {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("parameter %q must be <= %d characters", key, maxEditParameterValue))
		}
	}
	return nil
}

func (s *service) Delete(ctx context.Context, userID, artifactID uuid.UUID) error {
	artifact, err := s.findOwned(ctx, userID, artifactID)
	if err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, artifact.ID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete artifact row")
	}

	// Blob cleanup is best effort; orphaned objects are cheaper than a
	// delete that fails halfway.
	for _, key := range blobKeys(artifact) {
		if err := s.gcs.DeleteObject(ctx, s.bucket, key); err != nil {
			s.logger.Warn(
				s.logger.WithFields(ctx, map[string]any{"artifact_id": artifact.ID, "object": key}),
				"deleting blob failed",
			)
		}
	}
	return nil
}

func (s *service) ListOwn(ctx context.Context, userID uuid.UUID, limit int) ([]models.Artifact, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user identity missing")
	}
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	rows, err := s.repo.ListByOwner(ctx, userID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list artifacts")
	}
	return rows, nil
}

func (s *service) findOwned(ctx context.Context, userID, artifactID uuid.UUID) (*models.Artifact, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user identity missing")
	}
	if artifactID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "artifact id is required")
	}

	artifact, err := s.repo.FindByID(ctx, artifactID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "artifact not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load artifact")
	}
	if artifact.OwnerID != userID {
		// Hide other users' artifacts rather than confirming they exist.
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "artifact not found")
	}
	return artifact, nil
}

func blobKeys(artifact *models.Artifact) []string {
	keys := []string{artifact.RawKey}
	if artifact.MediaKey != nil {
		keys = append(keys, *artifact.MediaKey)
	}
	if artifact.ThumbnailKey != nil {
		keys = append(keys, *artifact.ThumbnailKey)
	}
	return keys
}

func buildRawKey(ownerID, artifactID uuid.UUID, fileName string) string {
	cleanName := sanitizeFileName(fileName)
	if cleanName == "" {
		cleanName = artifactID.String()
	}
	return fmt.Sprintf("raw/%s/%s/%s", ownerID.String(), artifactID.String(), cleanName)
}

func isAllowedMime(mimeType string) bool {
	for _, candidate := range allowedUploadMimeTypes {
		if strings.EqualFold(candidate, mimeType) {
			return true
		}
	}
	return false
}

func sanitizeFileName(name string) string {
	if name == "" {
		return ""
	}
	clean := path.Base(strings.TrimSpace(name))
	if clean == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(clean))
	for _, r := range clean {
		switch {
		case r == '/' || r == '\\' || unicode.IsControl(r):
			continue
		case unicode.IsSpace(r):
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-_.")
}
