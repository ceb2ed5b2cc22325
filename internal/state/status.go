package state

import (
	"errors"
	"fmt"
)

// Status is the per-attachment migration state. StatusNone is the absence
// of a stored status.
type Status string

const (
	StatusNone            Status = ""
	StatusSkippedAnimated Status = "skipped_animated"
	StatusConvertFailed   Status = "convert_failed"
	StatusMetadataFailed  Status = "metadata_failed"
	StatusCriticalFailure Status = "critical_failure"
	StatusRelinked        Status = "relinked"
	StatusCommitted       Status = "committed"
)

// ErrInvalidStatus is returned when a value outside the closed status set
// would be persisted or parsed.
var ErrInvalidStatus = errors.New("invalid migration status")

var allStatuses = []Status{
	StatusNone, StatusSkippedAnimated, StatusConvertFailed, StatusMetadataFailed,
	StatusCriticalFailure, StatusRelinked, StatusCommitted,
}

// AllStatuses returns the closed status set.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// Valid reports whether s is a member of the closed set.
func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether the scheduler must never pick s up again.
func (s Status) Terminal() bool {
	return s == StatusRelinked || s == StatusCommitted || s == StatusSkippedAnimated
}

// Failed reports whether s records a pipeline failure.
func (s Status) Failed() bool {
	return s == StatusConvertFailed || s == StatusMetadataFailed || s == StatusCriticalFailure
}

// Label is the metric/display name; "none" for StatusNone.
func (s Status) Label() string {
	if s == StatusNone {
		return "none"
	}
	return string(s)
}

// ParseStatus accepts the persisted spelling (or "none").
func ParseStatus(v string) (Status, error) {
	if v == "none" {
		return StatusNone, nil
	}
	s := Status(v)
	if !s.Valid() {
		return StatusNone, fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return s, nil
}

// TerminalStatuses lists the statuses excluded from automatic selection.
func TerminalStatuses() []Status {
	return []Status{StatusRelinked, StatusCommitted, StatusSkippedAnimated}
}
