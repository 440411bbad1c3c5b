package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/memeline/memeline-backend/api/middleware"
	"github.com/memeline/memeline-backend/internal/artifacts"
	"github.com/memeline/memeline-backend/pkg/db/models"
	"github.com/memeline/memeline-backend/pkg/enums"
	pkgerrors "github.com/memeline/memeline-backend/pkg/errors"
)

type testArtifactsService struct {
	presignFn func(ctx context.Context, userID uuid.UUID, input artifacts.PresignInput) (*artifacts.PresignOutput, error)
	statusFn  func(ctx context.Context, userID, artifactID uuid.UUID) (*artifacts.StatusOutput, error)
	editFn    func(ctx context.Context, userID, artifactID uuid.UUID, parameters map[string]string) (*artifacts.EditOutput, error)
	deleteFn  func(ctx context.Context, userID, artifactID uuid.UUID) error
	listFn    func(ctx context.Context, userID uuid.UUID, limit int) ([]models.Artifact, error)
}

func (s *testArtifactsService) PresignUpload(ctx context.Context, userID uuid.UUID, input artifacts.PresignInput) (*artifacts.PresignOutput, error) {
	if s.presignFn != nil {
		return s.presignFn(ctx, userID, input)
	}
	return &artifacts.PresignOutput{}, nil
}

func (s *testArtifactsService) GetStatus(ctx context.Context, userID, artifactID uuid.UUID) (*artifacts.StatusOutput, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, userID, artifactID)
	}
	return &artifacts.StatusOutput{}, nil
}

func (s *testArtifactsService) SubmitEdit(ctx context.Context, userID, artifactID uuid.UUID, parameters map[string]string) (*artifacts.EditOutput, error) {
	if s.editFn != nil {
		return s.editFn(ctx, userID, artifactID, parameters)
	}
	return &artifacts.EditOutput{}, nil
}

func (s *testArtifactsService) Delete(ctx context.Context, userID, artifactID uuid.UUID) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, userID, artifactID)
	}
	return nil
}

func (s *testArtifactsService) ListOwn(ctx context.Context, userID uuid.UUID, limit int) ([]models.Artifact, error) {
	if s.listFn != nil {
		return s.listFn(ctx, userID, limit)
	}
	return nil, nil
}

func TestArtifactPresignSuccess(t *testing.T) {
	userID := uuid.New()
	artifactID := uuid.New()
	svc := &testArtifactsService{
		presignFn: func(ctx context.Context, uid uuid.UUID, input artifacts.PresignInput) (*artifacts.PresignOutput, error) {
			if uid != userID {
				t.Fatalf("unexpected user %s", uid)
			}
			if input.FileName != "clip.mp4" || input.MimeType != "video/mp4" || input.SizeBytes != 1024 {
				t.Fatalf("unexpected input %+v", input)
			}
			return &artifacts.PresignOutput{ArtifactID: artifactID, SignedPUTURL: "https://signed.example"}, nil
		},
	}

	body := `{"file_name":"clip.mp4","mime_type":"video/mp4","size_bytes":1024,"caption":"first clip"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/artifacts/presign", strings.NewReader(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), userID.String()))

	resp := httptest.NewRecorder()
	ArtifactPresign(svc, testLogger())(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", resp.Code, resp.Body.String())
	}
	var envelope struct {
		Data artifacts.PresignOutput `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.ArtifactID != artifactID {
		t.Fatalf("unexpected artifact id %s", envelope.Data.ArtifactID)
	}
}

func TestArtifactPresignRejectsMissingFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/artifacts/presign", strings.NewReader(`{"mime_type":"video/mp4"}`))
	req = req.WithContext(middleware.WithUserID(req.Context(), uuid.NewString()))

	resp := httptest.NewRecorder()
	ArtifactPresign(&testArtifactsService{}, testLogger())(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}

func TestArtifactPresignRejectsUnknownFields(t *testing.T) {
	body := `{"file_name":"a.png","mime_type":"image/png","size_bytes":10,"owner_id":"spoof"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/artifacts/presign", strings.NewReader(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), uuid.NewString()))

	resp := httptest.NewRecorder()
	ArtifactPresign(&testArtifactsService{}, testLogger())(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}

func TestArtifactStatusReturnsPipelineState(t *testing.T) {
	userID := uuid.New()
	artifactID := uuid.New()
	svc := &testArtifactsService{
		statusFn: func(ctx context.Context, uid, aid uuid.UUID) (*artifacts.StatusOutput, error) {
			if uid != userID || aid != artifactID {
				t.Fatalf("unexpected lookup %s/%s", uid, aid)
			}
			return &artifacts.StatusOutput{ArtifactID: aid, Status: enums.ArtifactStatusProcessing}, nil
		},
	}

	req := authedRequest(http.MethodGet, "/api/v1/artifacts/"+artifactID.String()+"/status", userID)
	req = withURLParam(req, "artifactId", artifactID.String())

	resp := httptest.NewRecorder()
	ArtifactStatus(svc, testLogger())(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.Code)
	}
	var envelope struct {
		Data artifacts.StatusOutput `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.Status != enums.ArtifactStatusProcessing {
		t.Fatalf("unexpected pipeline status %s", envelope.Data.Status)
	}
}

func TestArtifactStatusMapsNotFound(t *testing.T) {
	svc := &testArtifactsService{
		statusFn: func(ctx context.Context, uid, aid uuid.UUID) (*artifacts.StatusOutput, error) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "artifact not found")
		},
	}

	artifactID := uuid.New()
	req := authedRequest(http.MethodGet, "/api/v1/artifacts/"+artifactID.String()+"/status", uuid.New())
	req = withURLParam(req, "artifactId", artifactID.String())

	resp := httptest.NewRecorder()
	ArtifactStatus(svc, testLogger())(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}

func TestArtifactEditAccepted(t *testing.T) {
	userID := uuid.New()
	sourceID := uuid.New()
	derivedID := uuid.New()
	svc := &testArtifactsService{
		editFn: func(ctx context.Context, uid, aid uuid.UUID, parameters map[string]string) (*artifacts.EditOutput, error) {
			if uid != userID || aid != sourceID {
				t.Fatalf("unexpected edit %s/%s", uid, aid)
			}
			if parameters["rotate"] != "90" {
				t.Fatalf("unexpected parameters %v", parameters)
			}
			return &artifacts.EditOutput{ArtifactID: derivedID, SourceID: aid, Status: enums.ArtifactStatusPending}, nil
		},
	}

	body := `{"parameters":{"rotate":"90"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/artifacts/"+sourceID.String()+"/edit", strings.NewReader(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), userID.String()))
	req = withURLParam(req, "artifactId", sourceID.String())

	resp := httptest.NewRecorder()
	ArtifactEdit(svc, testLogger())(resp, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", resp.Code, resp.Body.String())
	}
	var envelope struct {
		Data artifacts.EditOutput `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.ArtifactID != derivedID {
		t.Fatalf("unexpected derived artifact %s", envelope.Data.ArtifactID)
	}
}

func TestArtifactEditRejectsEmptyParameters(t *testing.T) {
	sourceID := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/artifacts/"+sourceID.String()+"/edit", strings.NewReader(`{"parameters":{}}`))
	req = req.WithContext(middleware.WithUserID(req.Context(), uuid.NewString()))
	req = withURLParam(req, "artifactId", sourceID.String())

	resp := httptest.NewRecorder()
	ArtifactEdit(&testArtifactsService{}, testLogger())(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}

func TestArtifactDeleteSuccess(t *testing.T) {
	userID := uuid.New()
	artifactID := uuid.New()
	called := false
	svc := &testArtifactsService{
		deleteFn: func(ctx context.Context, uid, aid uuid.UUID) error {
			called = true
			if uid != userID || aid != artifactID {
				t.Fatalf("unexpected delete %s/%s", uid, aid)
			}
			return nil
		},
	}

	req := authedRequest(http.MethodDelete, "/api/v1/artifacts/"+artifactID.String(), userID)
	req = withURLParam(req, "artifactId", artifactID.String())

	resp := httptest.NewRecorder()
	ArtifactDelete(svc, testLogger())(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.Code)
	}
	if !called {
		t.Fatal("expected service called")
	}
}
