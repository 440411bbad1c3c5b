package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/memeline/memeline-backend/pkg/config"
	"github.com/memeline/memeline-backend/pkg/db/models"
	"github.com/memeline/memeline-backend/pkg/enums"
	pkgerrors "github.com/memeline/memeline-backend/pkg/errors"
	"github.com/memeline/memeline-backend/pkg/logger"
	"github.com/memeline/memeline-backend/pkg/pagination"
	redisclient "github.com/memeline/memeline-backend/pkg/redis"
)

type stubNotificationRepo struct {
	created      []*models.Notification
	unreadFollow *models.Notification
	unread       int64
	markReadRows int64
	exists       bool
	listRows     []models.Notification
	createErr    error
	countErr     error

	markAllCalls  int
	deletedUnread int64
}

func (s *stubNotificationRepo) Create(ctx context.Context, n *models.Notification) (*models.Notification, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = time.Now()
	s.created = append(s.created, n)
	return n, nil
}

func (s *stubNotificationRepo) FindUnreadFollow(ctx context.Context, recipientID, senderID uuid.UUID) (*models.Notification, error) {
	if s.unreadFollow != nil {
		return s.unreadFollow, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubNotificationRepo) ListByRecipient(ctx context.Context, recipientID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.Notification, error) {
	if len(s.listRows) > limit {
		return s.listRows[:limit], nil
	}
	return s.listRows, nil
}

func (s *stubNotificationRepo) MarkRead(ctx context.Context, recipientID, notificationID uuid.UUID) (int64, error) {
	return s.markReadRows, nil
}

func (s *stubNotificationRepo) Exists(ctx context.Context, recipientID, notificationID uuid.UUID) (bool, error) {
	return s.exists, nil
}

func (s *stubNotificationRepo) MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	s.markAllCalls++
	return s.unread, nil
}

func (s *stubNotificationRepo) CountUnread(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	return s.unread, nil
}

func (s *stubNotificationRepo) DeleteUnreadLike(ctx context.Context, recipientID, senderID, artifactID uuid.UUID) (int64, error) {
	return s.deletedUnread, nil
}

type stubUsers struct {
	user *models.User
	err  error
}

func (s *stubUsers) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.user, nil
}

type stubArtifacts struct {
	artifact *models.Artifact
}

func (s *stubArtifacts) FindByID(ctx context.Context, id uuid.UUID) (*models.Artifact, error) {
	if s.artifact == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return s.artifact, nil
}

type fakeCache struct {
	values      map[string]int64
	getErr      error
	setErr      error
	deleteErr   error
	invalidated []string
	sets        []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: map[string]int64{}}
}

func (f *fakeCache) GetCounter(ctx context.Context, name string) (int64, error) {
	if f.getErr != nil {
		return 0, f.getErr
	}
	if v, ok := f.values[name]; ok {
		return v, nil
	}
	return 0, redisclient.ErrCacheMiss
}

func (f *fakeCache) SetCounter(ctx context.Context, name string, value int64, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.values[name] = value
	f.sets = append(f.sets, name)
	return nil
}

func (f *fakeCache) DeleteCounter(ctx context.Context, name string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.values, name)
	f.invalidated = append(f.invalidated, name)
	return nil
}

type stubPublisher struct {
	published [][]byte
	to        []uuid.UUID
	err       error
}

func (s *stubPublisher) Publish(ctx context.Context, recipientID uuid.UUID, payload []byte) error {
	if s.err != nil {
		return s.err
	}
	s.published = append(s.published, payload)
	s.to = append(s.to, recipientID)
	return nil
}

type fixture struct {
	repo      *stubNotificationRepo
	users     *stubUsers
	artifacts *stubArtifacts
	cache     *fakeCache
	publisher *stubPublisher
	svc       Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:      &stubNotificationRepo{},
		users:     &stubUsers{user: &models.User{ID: uuid.New(), Username: "sender"}},
		artifacts: &stubArtifacts{},
		cache:     newFakeCache(),
		publisher: &stubPublisher{},
	}
	logg := logger.New(logger.Options{ServiceName: "notifications-test", Level: zerolog.ErrorLevel, Output: io.Discard})
	svc, err := NewService(f.repo, f.users, f.artifacts, f.cache, f.publisher, nil, config.NotifyConfig{UnreadCountTTL: 300 * time.Second}, logg)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	return f
}

func TestNotifyRejectsSelfNotification(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := uuid.New()
	_, err := f.svc.Notify(context.Background(), NotifyInput{
		RecipientID: id,
		SenderID:    id,
		Type:        enums.NotificationTypeFollow,
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(f.repo.created) != 0 {
		t.Fatal("self-notification must not persist")
	}
}

func TestNotifyPersistsInvalidatesAndPublishes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	recipient := uuid.New()
	artifactID := uuid.New()

	created, err := f.svc.Notify(context.Background(), NotifyInput{
		RecipientID: recipient,
		SenderID:    f.users.user.ID,
		Type:        enums.NotificationTypeLike,
		ArtifactID:  &artifactID,
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(f.repo.created) != 1 {
		t.Fatalf("expected one persisted row, got %d", len(f.repo.created))
	}
	if len(f.cache.invalidated) != 1 {
		t.Fatalf("expected cache invalidation, got %v", f.cache.invalidated)
	}
	if len(f.publisher.published) != 1 || f.publisher.to[0] != recipient {
		t.Fatalf("expected one live publish to recipient, got %v", f.publisher.to)
	}

	var wire WireNotification
	if err := json.Unmarshal(f.publisher.published[0], &wire); err != nil {
		t.Fatalf("unmarshal wire payload: %v", err)
	}
	if wire.ID != created.ID || wire.Type != enums.NotificationTypeLike || wire.IsRead {
		t.Fatalf("unexpected wire payload %+v", wire)
	}
	if wire.Sender.Username != "sender" {
		t.Fatalf("expected hydrated sender, got %+v", wire.Sender)
	}
	if wire.Artifact == nil || wire.Artifact.ID != artifactID {
		t.Fatalf("expected artifact in payload, got %+v", wire.Artifact)
	}
}

func TestNotifyPublishFailureDoesNotFailTheWrite(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.publisher.err = fmt.Errorf("no subscribers reachable")

	artifactID := uuid.New()
	_, err := f.svc.Notify(context.Background(), NotifyInput{
		RecipientID: uuid.New(),
		SenderID:    f.users.user.ID,
		Type:        enums.NotificationTypeComment,
		ArtifactID:  &artifactID,
	})
	if err != nil {
		t.Fatalf("publish failure must be swallowed, got %v", err)
	}
	if len(f.repo.created) != 1 {
		t.Fatal("row must persist regardless of publish outcome")
	}
}

func TestNotifyFollowDedupesUnread(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	recipient := uuid.New()
	existing := &models.Notification{
		ID:          uuid.New(),
		RecipientID: recipient,
		SenderID:    f.users.user.ID,
		Type:        enums.NotificationTypeFollow,
	}
	f.repo.unreadFollow = existing

	got, err := f.svc.Notify(context.Background(), NotifyInput{
		RecipientID: recipient,
		SenderID:    f.users.user.ID,
		Type:        enums.NotificationTypeFollow,
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.ID != existing.ID {
		t.Fatalf("expected existing notification back, got %s", got.ID)
	}
	if len(f.repo.created) != 0 {
		t.Fatal("duplicate unread follow must not create a second row")
	}
	if len(f.publisher.published) != 0 {
		t.Fatal("dedupe hit must not publish")
	}
}

func TestNotifyRequiresArtifactForLike(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.Notify(context.Background(), NotifyInput{
		RecipientID: uuid.New(),
		SenderID:    f.users.user.ID,
		Type:        enums.NotificationTypeLike,
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMarkReadInvalidatesBeforeAndAfter(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.repo.markReadRows = 1
	recipient := uuid.New()

	if err := f.svc.MarkRead(context.Background(), recipient, uuid.New()); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if len(f.cache.invalidated) != 2 {
		t.Fatalf("expected invalidation on both sides of the write, got %d", len(f.cache.invalidated))
	}
}

func TestMarkReadIdempotentWhenAlreadyRead(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.repo.markReadRows = 0
	f.repo.exists = true

	if err := f.svc.MarkRead(context.Background(), uuid.New(), uuid.New()); err != nil {
		t.Fatalf("already-read mark must succeed, got %v", err)
	}
}

func TestMarkReadUnknownNotificationIsNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.repo.markReadRows = 0
	f.repo.exists = false

	err := f.svc.MarkRead(context.Background(), uuid.New(), uuid.New())
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkAllReadClearsWarmCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	recipient := uuid.New()
	f.repo.unread = 7

	// Warm the cache first.
	count, err := f.svc.UnreadCount(context.Background(), recipient)
	if err != nil || count != 7 {
		t.Fatalf("warm read: count=%d err=%v", count, err)
	}

	f.repo.unread = 0
	if err := f.svc.MarkAllRead(context.Background(), recipient); err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}

	count, err = f.svc.UnreadCount(context.Background(), recipient)
	if err != nil {
		t.Fatalf("post-mark read: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected zero after mark-all-read, got %d", count)
	}
}

func TestUnreadCountCachesOnMiss(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	recipient := uuid.New()
	f.repo.unread = 3

	count, err := f.svc.UnreadCount(context.Background(), recipient)
	if err != nil || count != 3 {
		t.Fatalf("first read: count=%d err=%v", count, err)
	}
	if len(f.cache.sets) != 1 {
		t.Fatalf("expected cache fill on miss, got %v", f.cache.sets)
	}

	// Table changes but cache is warm: the stale value is served until TTL
	// or invalidation.
	f.repo.unread = 99
	count, err = f.svc.UnreadCount(context.Background(), recipient)
	if err != nil || count != 3 {
		t.Fatalf("warm read: count=%d err=%v", count, err)
	}
}

func TestUnreadCountDegradesWhenCacheDown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.cache.getErr = fmt.Errorf("redis down")
	f.cache.setErr = fmt.Errorf("redis down")
	f.repo.unread = 5

	count, err := f.svc.UnreadCount(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("cache outage must degrade to table count, got %v", err)
	}
	if count != 5 {
		t.Fatalf("expected table count 5, got %d", count)
	}
}

func TestRetractLikeInvalidatesOnlyWhenRowRemoved(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.repo.deletedUnread = 1
	if err := f.svc.RetractLike(context.Background(), uuid.New(), uuid.New(), uuid.New()); err != nil {
		t.Fatalf("RetractLike: %v", err)
	}
	if len(f.cache.invalidated) != 1 {
		t.Fatalf("expected one invalidation, got %d", len(f.cache.invalidated))
	}

	g := newFixture(t)
	g.repo.deletedUnread = 0
	if err := g.svc.RetractLike(context.Background(), uuid.New(), uuid.New(), uuid.New()); err != nil {
		t.Fatalf("RetractLike: %v", err)
	}
	if len(g.cache.invalidated) != 0 {
		t.Fatal("nothing removed, nothing to invalidate")
	}
}

func TestListPaginatesWithCursor(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	recipient := uuid.New()
	now := time.Now()
	for i := 0; i < 26; i++ {
		f.repo.listRows = append(f.repo.listRows, models.Notification{
			ID:          uuid.New(),
			RecipientID: recipient,
			Type:        enums.NotificationTypeFollow,
			CreatedAt:   now.Add(-time.Duration(i) * time.Minute),
		})
	}

	result, err := f.svc.List(context.Background(), recipient, ListParams{Limit: 25})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(result.Notifications) != 25 {
		t.Fatalf("expected 25 rows, got %d", len(result.Notifications))
	}
	if result.NextCursor == nil {
		t.Fatal("expected next cursor for overfull page")
	}

	cursor, err := pagination.ParseCursor(*result.NextCursor)
	if err != nil || cursor == nil {
		t.Fatalf("next cursor must parse, got %v", err)
	}
}
