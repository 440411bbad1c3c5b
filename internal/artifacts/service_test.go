package artifacts

import (
	"context"
	"fmt"
	"io"
	"strings"
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
	"github.com/memeline/memeline-backend/pkg/types"
)

type stubArtifactRepo struct {
	created     *models.Artifact
	createdTx   []*models.Artifact
	createdTxIn []*gorm.DB
	byID        map[uuid.UUID]*models.Artifact
	deleted     []uuid.UUID
	createErr   error
	deleteErr   error
}

func (s *stubArtifactRepo) Create(ctx context.Context, artifact *models.Artifact) (*models.Artifact, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created = artifact
	return artifact, nil
}

func (s *stubArtifactRepo) CreateTx(tx *gorm.DB, artifact *models.Artifact) (*models.Artifact, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.createdTx = append(s.createdTx, artifact)
	s.createdTxIn = append(s.createdTxIn, tx)
	if s.byID != nil {
		s.byID[artifact.ID] = artifact
	}
	return artifact, nil
}

func (s *stubArtifactRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Artifact, error) {
	if a, ok := s.byID[id]; ok {
		return a, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubArtifactRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubArtifactRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]models.Artifact, error) {
	var rows []models.Artifact
	for _, a := range s.byID {
		if a.OwnerID == ownerID {
			rows = append(rows, *a)
		}
	}
	return rows, nil
}

type stubGCS struct {
	url        string
	signErr    error
	deleteErr  error
	signed     []string
	deleted    []string
	lastMethod string
}

func (s *stubGCS) SignedURL(bucket, object, method, contentType string, expires time.Duration) (string, error) {
	s.signed = append(s.signed, object)
	s.lastMethod = method
	if s.signErr != nil {
		return "", s.signErr
	}
	return s.url, nil
}

func (s *stubGCS) DeleteObject(ctx context.Context, bucket, object string) error {
	s.deleted = append(s.deleted, object)
	return s.deleteErr
}

type stubEditQueue struct {
	enqueued []enums.TaskKind
	payloads []any
	handles  []*gorm.DB
	err      error
}

func (s *stubEditQueue) EnqueueTx(tx *gorm.DB, kind enums.TaskKind, payload any) (*models.Task, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.enqueued = append(s.enqueued, kind)
	s.payloads = append(s.payloads, payload)
	s.handles = append(s.handles, tx)
	return &models.Task{ID: uuid.New(), Kind: kind}, nil
}

type stubTxRun struct {
	handle *gorm.DB
	calls  int
}

func (s *stubTxRun) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.handle == nil {
		s.handle = &gorm.DB{}
	}
	s.calls++
	return fn(s.handle)
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "artifacts-test", Level: zerolog.ErrorLevel, Output: io.Discard})
}

func newTestService(t *testing.T, repo *stubArtifactRepo, gcs *stubGCS) Service {
	t.Helper()
	return newTestServiceWithQueue(t, repo, gcs, &stubEditQueue{}, &stubTxRun{})
}

func newTestServiceWithQueue(t *testing.T, repo *stubArtifactRepo, gcs *stubGCS, queue *stubEditQueue, tx *stubTxRun) Service {
	t.Helper()
	svc, err := NewService(
		repo,
		gcs,
		queue,
		tx,
		config.GCSConfig{BucketName: "bucket", UploadURLExpiry: time.Minute, DownloadURLExpiry: time.Minute},
		config.UploadConfig{MaxUploadMB: 10},
		testLogger(),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestPresignUploadSuccess(t *testing.T) {
	t.Parallel()

	repo := &stubArtifactRepo{}
	gcs := &stubGCS{url: "https://signed.example"}
	svc := newTestService(t, repo, gcs)

	userID := uuid.New()
	res, err := svc.PresignUpload(context.Background(), userID, PresignInput{
		FileName:  "clip.mp4",
		MimeType:  "video/mp4",
		SizeBytes: 2048,
		Caption:   "first post",
	})
	if err != nil {
		t.Fatalf("PresignUpload returned error: %v", err)
	}
	if res.SignedPUTURL != gcs.url {
		t.Fatalf("unexpected signed url %s", res.SignedPUTURL)
	}
	if repo.created == nil {
		t.Fatal("expected artifact created")
	}
	if repo.created.Status != enums.ArtifactStatusPending {
		t.Fatalf("expected pending status got %s", repo.created.Status)
	}
	if !strings.Contains(res.RawKey, res.ArtifactID.String()) {
		t.Fatalf("raw key %s missing artifact id", res.RawKey)
	}
	if !strings.HasPrefix(res.RawKey, "raw/"+userID.String()) {
		t.Fatalf("raw key %s missing owner prefix", res.RawKey)
	}
	if gcs.lastMethod != "PUT" {
		t.Fatalf("expected PUT signing got %s", gcs.lastMethod)
	}
}

func TestPresignUploadValidation(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &stubArtifactRepo{}, &stubGCS{url: "ok"})

	cases := []struct {
		name  string
		input PresignInput
	}{
		{name: "missing file name", input: PresignInput{MimeType: "image/png", SizeBytes: 100}},
		{name: "zero size", input: PresignInput{FileName: "a.png", MimeType: "image/png"}},
		{name: "size too large", input: PresignInput{FileName: "a.png", MimeType: "image/png", SizeBytes: 11 * 1024 * 1024}},
		{name: "unsupported mime", input: PresignInput{FileName: "a.pdf", MimeType: "application/pdf", SizeBytes: 100}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.PresignUpload(context.Background(), uuid.New(), tc.input)
			if err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
			if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
				t.Fatalf("expected validation code got %v", pkgerrors.As(err).Code())
			}
		})
	}
}

func TestPresignUploadGcsErrorCleansUp(t *testing.T) {
	t.Parallel()

	repo := &stubArtifactRepo{}
	gcs := &stubGCS{signErr: fmt.Errorf("boom")}
	svc := newTestService(t, repo, gcs)

	_, err := svc.PresignUpload(context.Background(), uuid.New(), PresignInput{
		FileName:  "a.png",
		MimeType:  "image/png",
		SizeBytes: 100,
	})
	if err == nil {
		t.Fatal("expected error from gcs")
	}
	if len(repo.deleted) != 1 || repo.deleted[0] != repo.created.ID {
		t.Fatalf("expected pending row cleanup, deleted=%v", repo.deleted)
	}
}

func TestGetStatusHidesForeignArtifacts(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	artifact := &models.Artifact{ID: uuid.New(), OwnerID: owner, Status: enums.ArtifactStatusProcessing}
	repo := &stubArtifactRepo{byID: map[uuid.UUID]*models.Artifact{artifact.ID: artifact}}
	svc := newTestService(t, repo, &stubGCS{url: "ok"})

	_, err := svc.GetStatus(context.Background(), uuid.New(), artifact.ID)
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found for foreign artifact, got %v", err)
	}

	out, err := svc.GetStatus(context.Background(), owner, artifact.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if out.Status != enums.ArtifactStatusProcessing {
		t.Fatalf("unexpected status %s", out.Status)
	}
	if out.ThumbnailRef != nil {
		t.Fatal("processing artifact should have no thumbnail ref")
	}
}

func TestGetStatusSignsThumbnailWhenApproved(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	thumb := "thumbs/abc.jpg"
	artifact := &models.Artifact{
		ID:           uuid.New(),
		OwnerID:      owner,
		Status:       enums.ArtifactStatusApproved,
		ThumbnailKey: &thumb,
	}
	repo := &stubArtifactRepo{byID: map[uuid.UUID]*models.Artifact{artifact.ID: artifact}}
	gcs := &stubGCS{url: "https://signed.example/thumb"}
	svc := newTestService(t, repo, gcs)

	out, err := svc.GetStatus(context.Background(), owner, artifact.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if out.ThumbnailRef == nil || *out.ThumbnailRef != gcs.url {
		t.Fatalf("expected signed thumbnail ref, got %v", out.ThumbnailRef)
	}
	if gcs.lastMethod != "GET" {
		t.Fatalf("expected GET signing got %s", gcs.lastMethod)
	}
}

func TestGetStatusReportsFailureReason(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	reason := "corrupt container"
	artifact := &models.Artifact{
		ID:            uuid.New(),
		OwnerID:       owner,
		Status:        enums.ArtifactStatusFailed,
		FailureReason: &reason,
	}
	repo := &stubArtifactRepo{byID: map[uuid.UUID]*models.Artifact{artifact.ID: artifact}}
	svc := newTestService(t, repo, &stubGCS{})

	out, err := svc.GetStatus(context.Background(), owner, artifact.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if out.Error == nil || *out.Error != reason {
		t.Fatalf("expected failure reason, got %v", out.Error)
	}
}

func TestDeleteRemovesRowAndBlobs(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	media := "media/abc.mp4"
	thumb := "thumbs/abc.jpg"
	artifact := &models.Artifact{
		ID:           uuid.New(),
		OwnerID:      owner,
		Status:       enums.ArtifactStatusApproved,
		RawKey:       "raw/abc",
		MediaKey:     &media,
		ThumbnailKey: &thumb,
	}
	repo := &stubArtifactRepo{byID: map[uuid.UUID]*models.Artifact{artifact.ID: artifact}}
	gcs := &stubGCS{}
	svc := newTestService(t, repo, gcs)

	if err := svc.Delete(context.Background(), owner, artifact.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(repo.deleted) != 1 || repo.deleted[0] != artifact.ID {
		t.Fatalf("expected row deletion, got %v", repo.deleted)
	}
	if len(gcs.deleted) != 3 {
		t.Fatalf("expected 3 blob deletions, got %v", gcs.deleted)
	}
}

func TestSubmitEditCreatesDerivedArtifactAndTask(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	media := "derived/abc/media.mp4"
	source := &models.Artifact{
		ID:        uuid.New(),
		OwnerID:   owner,
		Status:    enums.ArtifactStatusApproved,
		RawKey:    "raw/abc",
		MediaKey:  &media,
		MimeType:  "video/mp4",
		SizeBytes: 2048,
		Caption:   "original",
	}
	repo := &stubArtifactRepo{byID: map[uuid.UUID]*models.Artifact{source.ID: source}}
	queue := &stubEditQueue{}
	tx := &stubTxRun{}
	svc := newTestServiceWithQueue(t, repo, &stubGCS{}, queue, tx)

	out, err := svc.SubmitEdit(context.Background(), owner, source.ID, map[string]string{"rotate": "90"})
	if err != nil {
		t.Fatalf("SubmitEdit: %v", err)
	}
	if out.SourceID != source.ID {
		t.Fatalf("unexpected source id %s", out.SourceID)
	}
	if out.Status != enums.ArtifactStatusPending {
		t.Fatalf("derived artifact must start pending, got %s", out.Status)
	}
	if len(repo.createdTx) != 1 {
		t.Fatalf("expected one derived row, got %d", len(repo.createdTx))
	}
	derived := repo.createdTx[0]
	if derived.ID != out.ArtifactID || derived.OwnerID != owner {
		t.Fatalf("unexpected derived row %+v", derived)
	}
	if derived.Status != enums.ArtifactStatusPending {
		t.Fatalf("derived row must be pending, got %s", derived.Status)
	}
	if strings.HasPrefix(derived.RawKey, "raw/") {
		t.Fatalf("derived raw key %s must not feed the ingest consumer", derived.RawKey)
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0] != enums.TaskKindEditJob {
		t.Fatalf("expected edit_job task, got %v", queue.enqueued)
	}
	payload, ok := queue.payloads[0].(types.EditJobTask)
	if !ok {
		t.Fatalf("unexpected payload %+v", queue.payloads[0])
	}
	if payload.ArtifactID != derived.ID {
		t.Fatalf("task must target the derived artifact, got %s", payload.ArtifactID)
	}
	if payload.SourceKey != media {
		t.Fatalf("expected approved media as source, got %s", payload.SourceKey)
	}
	if payload.Parameters["rotate"] != "90" {
		t.Fatalf("parameters not carried: %v", payload.Parameters)
	}
	if tx.calls != 1 || repo.createdTxIn[0] != tx.handle || queue.handles[0] != tx.handle {
		t.Fatal("row insert and task enqueue must share one transaction")
	}
}

func TestSubmitEditRejectsUnfinishedSource(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	for _, status := range []enums.ArtifactStatus{
		enums.ArtifactStatusPending,
		enums.ArtifactStatusProcessing,
		enums.ArtifactStatusFailed,
	} {
		source := &models.Artifact{ID: uuid.New(), OwnerID: owner, Status: status, RawKey: "raw/x"}
		repo := &stubArtifactRepo{byID: map[uuid.UUID]*models.Artifact{source.ID: source}}
		queue := &stubEditQueue{}
		svc := newTestServiceWithQueue(t, repo, &stubGCS{}, queue, &stubTxRun{})

		_, err := svc.SubmitEdit(context.Background(), owner, source.ID, map[string]string{"rotate": "90"})
		if !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
			t.Fatalf("status %s: expected state conflict, got %v", status, err)
		}
		if len(queue.enqueued) != 0 {
			t.Fatalf("status %s: nothing must be enqueued", status)
		}
	}
}

func TestSubmitEditHidesForeignArtifacts(t *testing.T) {
	t.Parallel()

	source := &models.Artifact{ID: uuid.New(), OwnerID: uuid.New(), Status: enums.ArtifactStatusApproved}
	repo := &stubArtifactRepo{byID: map[uuid.UUID]*models.Artifact{source.ID: source}}
	svc := newTestService(t, repo, &stubGCS{})

	_, err := svc.SubmitEdit(context.Background(), uuid.New(), source.ID, map[string]string{"rotate": "90"})
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found for foreign artifact, got %v", err)
	}
}

func TestSubmitEditValidatesParameters(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	source := &models.Artifact{ID: uuid.New(), OwnerID: owner, Status: enums.ArtifactStatusApproved, RawKey: "raw/x"}
	repo := &stubArtifactRepo{byID: map[uuid.UUID]*models.Artifact{source.ID: source}}
	svc := newTestService(t, repo, &stubGCS{})

	cases := []struct {
		name       string
		parameters map[string]string
	}{
		{name: "nil parameters", parameters: nil},
		{name: "empty parameters", parameters: map[string]string{}},
		{name: "blank key", parameters: map[string]string{"  ": "x"}},
		{name: "oversized value", parameters: map[string]string{"crop": strings.Repeat("v", 300)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SubmitEdit(context.Background(), owner, source.ID, tc.parameters)
			if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestSubmitEditMapsEnqueueFailure(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	source := &models.Artifact{ID: uuid.New(), OwnerID: owner, Status: enums.ArtifactStatusApproved, RawKey: "raw/x"}
	repo := &stubArtifactRepo{byID: map[uuid.UUID]*models.Artifact{source.ID: source}}
	queue := &stubEditQueue{err: fmt.Errorf("db down")}
	svc := newTestServiceWithQueue(t, repo, &stubGCS{}, queue, &stubTxRun{})

	_, err := svc.SubmitEdit(context.Background(), owner, source.ID, map[string]string{"rotate": "90"})
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestDeleteToleratesBlobFailures(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	artifact := &models.Artifact{ID: uuid.New(), OwnerID: owner, RawKey: "raw/abc"}
	repo := &stubArtifactRepo{byID: map[uuid.UUID]*models.Artifact{artifact.ID: artifact}}
	gcs := &stubGCS{deleteErr: fmt.Errorf("gcs down")}
	svc := newTestService(t, repo, gcs)

	if err := svc.Delete(context.Background(), owner, artifact.ID); err != nil {
		t.Fatalf("blob failure should not fail delete: %v", err)
	}
}
