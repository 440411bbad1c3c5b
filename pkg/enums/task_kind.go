package enums

import "fmt"

// TaskKind labels queued work so workers can route payloads.
type TaskKind string

const (
	TaskKindNewArtifact TaskKind = "new_artifact"
	TaskKindEditJob     TaskKind = "edit_job"
	TaskKindOther       TaskKind = "other"
)

var validTaskKinds = []TaskKind{
	TaskKindNewArtifact,
	TaskKindEditJob,
	TaskKindOther,
}

func (t TaskKind) String() string {
	return string(t)
}

// IsValid reports whether the kind is known.
func (t TaskKind) IsValid() bool {
	for _, candidate := range validTaskKinds {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseTaskKind converts raw input into a TaskKind.
func ParseTaskKind(value string) (TaskKind, error) {
	for _, candidate := range validTaskKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid task kind %q", value)
}
