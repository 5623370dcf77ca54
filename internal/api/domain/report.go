package domain

import "errors"

// Report status values as exposed by the API. They mirror the pipeline's
// progression; clients poll until a terminal status appears.
const (
	StatusPending    = "pending"
	StatusGenerating = "generating"
	StatusComposing  = "composing"
	StatusUploading  = "uploading"
	StatusNotifying  = "notifying"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

var (
	// ErrReportNotFound is returned when a report id does not exist
	ErrReportNotFound = errors.New("report not found")

	// ErrReportNotTerminal is returned when regeneration is requested for a
	// report that is still in flight
	ErrReportNotTerminal = errors.New("report is still being processed")

	// ErrArtifactNotReady is returned when a download is requested before
	// the report completed
	ErrArtifactNotReady = errors.New("report artifact is not ready")
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}
