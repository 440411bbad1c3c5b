package controllers

import (
	"context"

	"github.com/google/uuid"

	"github.com/memeline/memeline-backend/api/middleware"
	pkgerrors "github.com/memeline/memeline-backend/pkg/errors"
)

// callerID resolves the authenticated user id seeded by the auth middleware.
func callerID(ctx context.Context) (uuid.UUID, error) {
	raw := middleware.UserIDFromContext(ctx)
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user context")
	}
	return id, nil
}
