package enums

import "fmt"

// ArtifactStatus describes the processing lifecycle of an uploaded artifact.
type ArtifactStatus string

const (
	ArtifactStatusPending    ArtifactStatus = "pending"
	ArtifactStatusProcessing ArtifactStatus = "processing"
	ArtifactStatusApproved   ArtifactStatus = "approved"
	ArtifactStatusFailed     ArtifactStatus = "failed"
)

var validArtifactStatuses = []ArtifactStatus{
	ArtifactStatusPending,
	ArtifactStatusProcessing,
	ArtifactStatusApproved,
	ArtifactStatusFailed,
}

// String returns the literal string for the status.
func (a ArtifactStatus) String() string {
	return string(a)
}

// IsValid reports whether the status is known.
func (a ArtifactStatus) IsValid() bool {
	for _, candidate := range validArtifactStatuses {
		if candidate == a {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (a ArtifactStatus) IsTerminal() bool {
	return a == ArtifactStatusApproved || a == ArtifactStatusFailed
}

// ParseArtifactStatus converts raw input into an ArtifactStatus.
func ParseArtifactStatus(value string) (ArtifactStatus, error) {
	for _, candidate := range validArtifactStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid artifact status %q", value)
}
