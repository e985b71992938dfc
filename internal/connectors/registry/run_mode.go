package registry

import "strings"

// RunMode selects how a sync treats previously persisted cursors.
type RunMode string

const (
	RunModeFull        RunMode = "full"
	RunModeIncremental RunMode = "incremental"
)

func ParseRunMode(v string) RunMode {
	mode := RunMode(strings.ToLower(strings.TrimSpace(v)))
	return mode.Normalize()
}

func (m RunMode) Normalize() RunMode {
	switch m {
	case RunModeIncremental:
		return RunModeIncremental
	default:
		return RunModeFull
	}
}

// ModeFor downgrades incremental to full for entities that cannot resume.
func ModeFor(requested RunMode, e EntityDefinition) RunMode {
	if requested.Normalize() == RunModeIncremental && e.SupportsIncremental {
		return RunModeIncremental
	}
	return RunModeFull
}
