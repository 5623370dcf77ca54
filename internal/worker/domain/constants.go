package domain

// Report status constants. Transitions move strictly forward:
// pending -> generating -> composing -> uploading -> notifying -> completed,
// with failed reachable from any non-terminal status.
const (
	StatusPending    = "pending"
	StatusGenerating = "generating"
	StatusComposing  = "composing"
	StatusUploading  = "uploading"
	StatusNotifying  = "notifying"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Error kind constants recorded on failed reports.
const (
	// ErrorKindTransient marks failures that exhausted their retry budget.
	ErrorKindTransient = "transient"
	// ErrorKindContract marks failures that retrying cannot fix, such as a
	// malformed generator response.
	ErrorKindContract = "contract"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}
