package types

import "github.com/google/uuid"

// NewArtifactTask is the payload carried by new_artifact queue tasks.
type NewArtifactTask struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
}

// EditJobTask is the payload carried by edit_job queue tasks. ArtifactID is
// the pending artifact the edit produces; SourceKey is the approved media it
// derives from. Parameters are passed through to the transform service
// untouched.
type EditJobTask struct {
	ArtifactID uuid.UUID         `json:"artifact_id"`
	SourceKey  string            `json:"source_key,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}
