package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/memeline/memeline-backend/pkg/config"
	"github.com/memeline/memeline-backend/pkg/db"
	"github.com/memeline/memeline-backend/pkg/db/models"
	"github.com/memeline/memeline-backend/pkg/enums"
	pkgerrors "github.com/memeline/memeline-backend/pkg/errors"
	"github.com/memeline/memeline-backend/pkg/logger"
	"github.com/memeline/memeline-backend/pkg/metrics"
	"github.com/memeline/memeline-backend/pkg/pagination"
	redisclient "github.com/memeline/memeline-backend/pkg/redis"
)

type notificationRepository interface {
	Create(ctx context.Context, notification *models.Notification) (*models.Notification, error)
	FindUnreadFollow(ctx context.Context, recipientID, senderID uuid.UUID) (*models.Notification, error)
	ListByRecipient(ctx context.Context, recipientID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, recipientID, notificationID uuid.UUID) (int64, error)
	Exists(ctx context.Context, recipientID, notificationID uuid.UUID) (bool, error)
	MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error)
	CountUnread(ctx context.Context, recipientID uuid.UUID) (int64, error)
	DeleteUnreadLike(ctx context.Context, recipientID, senderID, artifactID uuid.UUID) (int64, error)
}

type userFinder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type artifactFinder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Artifact, error)
}

type livePublisher interface {
	Publish(ctx context.Context, recipientID uuid.UUID, payload []byte) error
}

// NotifyInput is one notification event to deliver.
type NotifyInput struct {
	RecipientID uuid.UUID
	SenderID    uuid.UUID
	Type        enums.NotificationType
	ArtifactID  *uuid.UUID
	Text        *string
}

// ListParams selects a page of the recipient's notification history.
type ListParams struct {
	Limit  int
	Cursor string
}

// ListResult is one page of notifications plus the cursor for the next.
type ListResult struct {
	Notifications []models.Notification `json:"notifications"`
	NextCursor    *string               `json:"next_cursor,omitempty"`
}

// WireNotification is the payload pushed to live websocket sessions.
type WireNotification struct {
	ID        uuid.UUID              `json:"id"`
	Type      enums.NotificationType `json:"type"`
	IsRead    bool                   `json:"is_read"`
	CreatedAt time.Time              `json:"created_at"`
	Text      *string                `json:"text,omitempty"`
	Sender    WireSender             `json:"sender"`
	Artifact  *WireArtifact          `json:"artifact,omitempty"`
}

// WireSender identifies who triggered the notification.
type WireSender struct {
	Username  string  `json:"username"`
	AvatarRef *string `json:"avatar_ref,omitempty"`
}

// WireArtifact points at the artifact the notification is about.
type WireArtifact struct {
	ID           uuid.UUID `json:"id"`
	ThumbnailRef *string   `json:"thumbnail_ref,omitempty"`
}

// Service owns the durable notification store, the unread-count cache and
// the best-effort live publish.
type Service interface {
	Notify(ctx context.Context, input NotifyInput) (*models.Notification, error)
	List(ctx context.Context, recipientID uuid.UUID, params ListParams) (*ListResult, error)
	MarkRead(ctx context.Context, recipientID, notificationID uuid.UUID) error
	MarkAllRead(ctx context.Context, recipientID uuid.UUID) error
	UnreadCount(ctx context.Context, recipientID uuid.UUID) (int64, error)
	RetractLike(ctx context.Context, recipientID, senderID, artifactID uuid.UUID) error
}

type service struct {
	repo      notificationRepository
	users     userFinder
	artifacts artifactFinder
	cache     counterCache
	publisher livePublisher
	metrics   *metrics.PipelineMetrics
	logger    *logger.Logger
	unreadTTL time.Duration
}

// NewService wires the notification service.
func NewService(
	repo notificationRepository,
	users userFinder,
	artifacts artifactFinder,
	cache counterCache,
	publisher livePublisher,
	pipelineMetrics *metrics.PipelineMetrics,
	cfg config.NotifyConfig,
	logg *logger.Logger,
) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("notification repository required")
	}
	if users == nil {
		return nil, fmt.Errorf("user repository required")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("artifact repository required")
	}
	if cache == nil {
		return nil, fmt.Errorf("counter cache required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("live publisher required")
	}
	if cfg.UnreadCountTTL <= 0 {
		return nil, fmt.Errorf("unread count ttl must be positive")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:      repo,
		users:     users,
		artifacts: artifacts,
		cache:     cache,
		publisher: publisher,
		metrics:   pipelineMetrics,
		logger:    logg,
		unreadTTL: cfg.UnreadCountTTL,
	}, nil
}

func (s *service) Notify(ctx context.Context, input NotifyInput) (*models.Notification, error) {
	if input.RecipientID == uuid.Nil || input.SenderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "recipient and sender are required")
	}
	if input.RecipientID == input.SenderID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "self-notification is not allowed")
	}
	if !input.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid notification type")
	}
	if requiresArtifact(input.Type) && input.ArtifactID == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "artifact_id is required for this notification type")
	}

	if input.Type == enums.NotificationTypeFollow {
		existing, err := s.repo.FindUnreadFollow(ctx, input.RecipientID, input.SenderID)
		if err == nil {
			// Re-follow while the previous notification is still unread:
			// nothing new to tell the recipient.
			return existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check follow dedupe")
		}
	}

	row := &models.Notification{
		RecipientID: input.RecipientID,
		SenderID:    input.SenderID,
		Type:        input.Type,
		ArtifactID:  input.ArtifactID,
		Text:        input.Text,
	}

	created, err := s.repo.Create(ctx, row)
	if err != nil {
		if input.Type == enums.NotificationTypeFollow && db.IsUniqueViolation(err, "") {
			// Lost the race against a concurrent follow; the winner's row
			// is the notification.
			if existing, findErr := s.repo.FindUnreadFollow(ctx, input.RecipientID, input.SenderID); findErr == nil {
				return existing, nil
			}
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist notification")
	}

	s.metrics.IncNotificationCreated(string(created.Type))
	s.invalidateUnread(ctx, input.RecipientID)
	s.publishLive(ctx, created)
	return created, nil
}

func (s *service) List(ctx context.Context, recipientID uuid.UUID, params ListParams) (*ListResult, error) {
	if recipientID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "recipient is required")
	}

	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid cursor")
	}

	limit := pagination.NormalizeLimit(params.Limit)
	rows, err := s.repo.ListByRecipient(ctx, recipientID, cursor, pagination.LimitWithBuffer(params.Limit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list notifications")
	}

	result := &ListResult{Notifications: rows}
	if len(rows) > limit {
		result.Notifications = rows[:limit]
		last := result.Notifications[limit-1]
		next := pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		result.NextCursor = &next
	}
	return result, nil
}

func (s *service) MarkRead(ctx context.Context, recipientID, notificationID uuid.UUID) error {
	if recipientID == uuid.Nil || notificationID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "recipient and notification id are required")
	}

	// Invalidate on both sides of the write so a read hitting the window
	// between them cannot re-warm the cache with the stale value.
	s.invalidateUnread(ctx, recipientID)

	changed, err := s.repo.MarkRead(ctx, recipientID, notificationID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark notification read")
	}
	if changed == 0 {
		exists, err := s.repo.Exists(ctx, recipientID, notificationID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check notification")
		}
		if !exists {
			return pkgerrors.New(pkgerrors.CodeNotFound, "notification not found")
		}
		// Already read: idempotent success.
	}

	s.invalidateUnread(ctx, recipientID)
	return nil
}

func (s *service) MarkAllRead(ctx context.Context, recipientID uuid.UUID) error {
	if recipientID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "recipient is required")
	}

	s.invalidateUnread(ctx, recipientID)

	if _, err := s.repo.MarkAllRead(ctx, recipientID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark all notifications read")
	}

	s.invalidateUnread(ctx, recipientID)
	return nil
}

func (s *service) UnreadCount(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	if recipientID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "recipient is required")
	}

	name := unreadCounterName(recipientID.String())
	cached, err := s.cache.GetCounter(ctx, name)
	if err == nil {
		return cached, nil
	}
	if !isCacheMiss(err) {
		// Cache outage degrades to a table count, never to an error.
		s.logger.Warn(s.logger.WithUserID(ctx, recipientID.String()), "unread cache read failed")
	}

	count, err := s.repo.CountUnread(ctx, recipientID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count unread notifications")
	}

	if err := s.cache.SetCounter(ctx, name, count, s.unreadTTL); err != nil {
		s.logger.Warn(s.logger.WithUserID(ctx, recipientID.String()), "unread cache write failed")
	}
	return count, nil
}

func (s *service) RetractLike(ctx context.Context, recipientID, senderID, artifactID uuid.UUID) error {
	if recipientID == uuid.Nil || senderID == uuid.Nil || artifactID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "recipient, sender and artifact are required")
	}

	removed, err := s.repo.DeleteUnreadLike(ctx, recipientID, senderID, artifactID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "retract like notification")
	}
	if removed > 0 {
		s.invalidateUnread(ctx, recipientID)
	}
	return nil
}

func (s *service) invalidateUnread(ctx context.Context, recipientID uuid.UUID) {
	if err := s.cache.DeleteCounter(ctx, unreadCounterName(recipientID.String())); err != nil {
		s.logger.Warn(s.logger.WithUserID(ctx, recipientID.String()), "unread cache invalidation failed")
		return
	}
	s.metrics.IncCacheInvalidation()
}

// publishLive pushes the notification to any open websocket sessions. The
// store row is already committed, so every failure here is swallowed.
func (s *service) publishLive(ctx context.Context, created *models.Notification) {
	payload, err := s.buildWirePayload(ctx, created)
	if err != nil {
		s.metrics.IncPublishDropped()
		s.logger.Warn(s.logger.WithUserID(ctx, created.RecipientID.String()), "building live payload failed")
		return
	}
	if err := s.publisher.Publish(ctx, created.RecipientID, payload); err != nil {
		s.metrics.IncPublishDropped()
		s.logger.Warn(s.logger.WithUserID(ctx, created.RecipientID.String()), "live publish failed")
	}
}

func (s *service) buildWirePayload(ctx context.Context, created *models.Notification) ([]byte, error) {
	sender, err := s.users.FindByID(ctx, created.SenderID)
	if err != nil {
		return nil, fmt.Errorf("load sender: %w", err)
	}

	wire := WireNotification{
		ID:        created.ID,
		Type:      created.Type,
		IsRead:    created.IsRead,
		CreatedAt: created.CreatedAt,
		Text:      created.Text,
		Sender: WireSender{
			Username:  sender.Username,
			AvatarRef: sender.AvatarKey,
		},
	}

	if created.ArtifactID != nil {
		wire.Artifact = &WireArtifact{ID: *created.ArtifactID}
		if artifact, err := s.artifacts.FindByID(ctx, *created.ArtifactID); err == nil {
			wire.Artifact.ThumbnailRef = artifact.ThumbnailKey
		}
	}

	return json.Marshal(wire)
}

func requiresArtifact(t enums.NotificationType) bool {
	switch t {
	case enums.NotificationTypeLike, enums.NotificationTypeComment, enums.NotificationTypeNewArtifact:
		return true
	default:
		return false
	}
}

func isCacheMiss(err error) bool {
	return errors.Is(err, redisclient.ErrCacheMiss)
}
