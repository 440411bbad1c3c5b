package controllers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/memeline/memeline-backend/api/responses"
	"github.com/memeline/memeline-backend/api/validators"
	"github.com/memeline/memeline-backend/internal/artifacts"
	pkgerrors "github.com/memeline/memeline-backend/pkg/errors"
	"github.com/memeline/memeline-backend/pkg/logger"
)

type presignUploadRequest struct {
	FileName  string `json:"file_name" validate:"required,max=512"`
	MimeType  string `json:"mime_type" validate:"required,max=128"`
	SizeBytes int64  `json:"size_bytes" validate:"required,gt=0"`
	Caption   string `json:"caption" validate:"max=2200"`
}

// ArtifactPresign creates a pending artifact and returns the signed PUT URL
// the client uploads the raw media to.
func ArtifactPresign(svc artifacts.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req presignUploadRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out, err := svc.PresignUpload(r.Context(), userID, artifacts.PresignInput{
			FileName:  req.FileName,
			MimeType:  req.MimeType,
			SizeBytes: req.SizeBytes,
			Caption:   req.Caption,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, out)
	}
}

// ArtifactStatus reports where the caller's artifact sits in the pipeline.
func ArtifactStatus(svc artifacts.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		artifactID, err := uuid.Parse(chi.URLParam(r, "artifactId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid artifact id"))
			return
		}

		out, err := svc.GetStatus(r.Context(), userID, artifactID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, out)
	}
}

type submitEditRequest struct {
	Parameters map[string]string `json:"parameters" validate:"required,min=1"`
}

// ArtifactEdit submits an edit job against an approved artifact. The edit
// produces a new pending artifact; 202 because the result lands asynchronously.
func ArtifactEdit(svc artifacts.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		artifactID, err := uuid.Parse(chi.URLParam(r, "artifactId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid artifact id"))
			return
		}

		var req submitEditRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out, err := svc.SubmitEdit(r.Context(), userID, artifactID, req.Parameters)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, out)
	}
}

// ArtifactDelete removes the caller's artifact and its stored blobs.
func ArtifactDelete(svc artifacts.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		artifactID, err := uuid.Parse(chi.URLParam(r, "artifactId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid artifact id"))
			return
		}

		if err := svc.Delete(r.Context(), userID, artifactID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]bool{"deleted": true})
	}
}

// ArtifactList returns the caller's own artifacts, newest first.
func ArtifactList(svc artifacts.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit := 0
		if limitStr := strings.TrimSpace(r.URL.Query().Get("limit")); limitStr != "" {
			value, err := strconv.Atoi(limitStr)
			if err != nil || value <= 0 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "limit must be a positive integer"))
				return
			}
			limit = value
		}

		rows, err := svc.ListOwn(r.Context(), userID, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"artifacts": rows})
	}
}
