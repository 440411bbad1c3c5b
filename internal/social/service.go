package social

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/memeline/memeline-backend/internal/notifications"
	"github.com/memeline/memeline-backend/pkg/db"
	"github.com/memeline/memeline-backend/pkg/db/models"
	"github.com/memeline/memeline-backend/pkg/enums"
	pkgerrors "github.com/memeline/memeline-backend/pkg/errors"
	"github.com/memeline/memeline-backend/pkg/logger"
	"github.com/memeline/memeline-backend/pkg/pagination"
)

const maxCommentLength = 1000

type socialRepository interface {
	CreateFollow(ctx context.Context, follow *models.Follow) (*models.Follow, error)
	DeleteFollow(ctx context.Context, followerID, followeeID uuid.UUID) (int64, error)
	IsFollowing(ctx context.Context, followerID, followeeID uuid.UUID) (bool, error)
	CreateLike(ctx context.Context, like *models.Like) (*models.Like, error)
	DeleteLike(ctx context.Context, userID, artifactID uuid.UUID) (int64, error)
	CreateComment(ctx context.Context, comment *models.Comment) (*models.Comment, error)
	ListComments(ctx context.Context, artifactID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.Comment, error)
}

type artifactFinder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Artifact, error)
}

type userFinder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type notifier interface {
	Notify(ctx context.Context, input notifications.NotifyInput) (*models.Notification, error)
	RetractLike(ctx context.Context, recipientID, senderID, artifactID uuid.UUID) error
}

// Service exposes the social graph surface: follows, likes and comments.
type Service interface {
	Follow(ctx context.Context, followerID, followeeID uuid.UUID) error
	Unfollow(ctx context.Context, followerID, followeeID uuid.UUID) error
	Like(ctx context.Context, userID, artifactID uuid.UUID) error
	Unlike(ctx context.Context, userID, artifactID uuid.UUID) error
	Comment(ctx context.Context, userID, artifactID uuid.UUID, body string) (*models.Comment, error)
	ListComments(ctx context.Context, artifactID uuid.UUID, limit int, cursor string) ([]models.Comment, error)
}

type service struct {
	repo      socialRepository
	artifacts artifactFinder
	users     userFinder
	notify    notifier
	logger    *logger.Logger
}

// NewService wires the social service.
func NewService(repo socialRepository, artifacts artifactFinder, users userFinder, notify notifier, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("social repository required")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("artifact repository required")
	}
	if users == nil {
		return nil, fmt.Errorf("user repository required")
	}
	if notify == nil {
		return nil, fmt.Errorf("notification service required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{repo: repo, artifacts: artifacts, users: users, notify: notify, logger: logg}, nil
}

func (s *service) Follow(ctx context.Context, followerID, followeeID uuid.UUID) error {
	if followerID == uuid.Nil || followeeID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "follower and followee are required")
	}
	if followerID == followeeID {
		return pkgerrors.New(pkgerrors.CodeValidation, "cannot follow yourself")
	}

	if _, err := s.users.FindByID(ctx, followeeID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load followee")
	}

	_, err := s.repo.CreateFollow(ctx, &models.Follow{
		FollowerID:          followerID,
		FolloweeID:          followeeID,
		NotifyOnNewArtifact: true,
	})
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			// Already following: nothing changed, nothing to announce.
			return nil
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist follow")
	}

	if _, err := s.notify.Notify(ctx, notifications.NotifyInput{
		RecipientID: followeeID,
		SenderID:    followerID,
		Type:        enums.NotificationTypeFollow,
	}); err != nil {
		// The edge is committed; the recipient just misses one ping.
		s.logger.Warn(s.logger.WithUserID(ctx, followeeID.String()), "follow notification failed")
	}
	return nil
}

func (s *service) Unfollow(ctx context.Context, followerID, followeeID uuid.UUID) error {
	if followerID == uuid.Nil || followeeID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "follower and followee are required")
	}

	if _, err := s.repo.DeleteFollow(ctx, followerID, followeeID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete follow")
	}
	return nil
}

func (s *service) Like(ctx context.Context, userID, artifactID uuid.UUID) error {
	artifact, err := s.findVisibleArtifact(ctx, artifactID)
	if err != nil {
		return err
	}
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user identity missing")
	}

	if _, err := s.repo.CreateLike(ctx, &models.Like{UserID: userID, ArtifactID: artifactID}); err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist like")
	}

	if artifact.OwnerID != userID {
		if _, err := s.notify.Notify(ctx, notifications.NotifyInput{
			RecipientID: artifact.OwnerID,
			SenderID:    userID,
			Type:        enums.NotificationTypeLike,
			ArtifactID:  &artifact.ID,
		}); err != nil {
			s.logger.Warn(s.logger.WithArtifactID(ctx, artifact.ID.String()), "like notification failed")
		}
	}
	return nil
}

func (s *service) Unlike(ctx context.Context, userID, artifactID uuid.UUID) error {
	if userID == uuid.Nil || artifactID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user and artifact are required")
	}

	removed, err := s.repo.DeleteLike(ctx, userID, artifactID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete like")
	}
	if removed == 0 {
		return nil
	}

	artifact, err := s.artifacts.FindByID(ctx, artifactID)
	if err != nil {
		// The like is already gone; the stale notification is cleaned up
		// next time the artifact is touched.
		return nil
	}
	if err := s.notify.RetractLike(ctx, artifact.OwnerID, userID, artifactID); err != nil {
		s.logger.Warn(s.logger.WithArtifactID(ctx, artifactID.String()), "like retraction failed")
	}
	return nil
}

func (s *service) Comment(ctx context.Context, userID, artifactID uuid.UUID, body string) (*models.Comment, error) {
	artifact, err := s.findVisibleArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user identity missing")
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "comment body is required")
	}
	if len(body) > maxCommentLength {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("comment must be <= %d characters", maxCommentLength))
	}

	comment, err := s.repo.CreateComment(ctx, &models.Comment{
		ArtifactID: artifactID,
		UserID:     userID,
		Body:       body,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist comment")
	}

	if artifact.OwnerID != userID {
		preview := commentPreview(body)
		if _, err := s.notify.Notify(ctx, notifications.NotifyInput{
			RecipientID: artifact.OwnerID,
			SenderID:    userID,
			Type:        enums.NotificationTypeComment,
			ArtifactID:  &artifact.ID,
			Text:        &preview,
		}); err != nil {
			s.logger.Warn(s.logger.WithArtifactID(ctx, artifact.ID.String()), "comment notification failed")
		}
	}
	return comment, nil
}

func (s *service) ListComments(ctx context.Context, artifactID uuid.UUID, limit int, cursorValue string) ([]models.Comment, error) {
	if _, err := s.findVisibleArtifact(ctx, artifactID); err != nil {
		return nil, err
	}

	cursor, err := pagination.ParseCursor(cursorValue)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid cursor")
	}

	rows, err := s.repo.ListComments(ctx, artifactID, cursor, pagination.NormalizeLimit(limit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list comments")
	}
	return rows, nil
}

// findVisibleArtifact loads the artifact and requires it to have cleared the
// pipeline. Pending/processing/failed artifacts are invisible to social actions.
func (s *service) findVisibleArtifact(ctx context.Context, artifactID uuid.UUID) (*models.Artifact, error) {
	if artifactID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "artifact id is required")
	}
	artifact, err := s.artifacts.FindByID(ctx, artifactID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "artifact not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load artifact")
	}
	if artifact.Status != enums.ArtifactStatusApproved {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "artifact not found")
	}
	return artifact, nil
}

// commentPreview keeps the first 140 characters of the body, cutting on a
// rune boundary so multi-byte input never yields a truncated sequence.
func commentPreview(body string) string {
	const max = 140
	if len(body) <= max {
		return body
	}
	seen := 0
	for i := range body {
		if seen == max {
			return body[:i]
		}
		seen++
	}
	return body
}
