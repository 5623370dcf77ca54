package artifact

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a ref does not resolve to a stored artifact.
var ErrNotFound = errors.New("artifact not found")

// Store persists finished report documents. Put is an idempotent overwrite:
// storing the same ref twice keeps the last write, so a crash-resumed upload
// never duplicates or corrupts an artifact.
type Store interface {
	// Put stores data under the given ref and returns the ref unchanged.
	Put(ctx context.Context, ref string, data []byte) error
	// Get returns the stored bytes for ref, or ErrNotFound.
	Get(ctx context.Context, ref string) ([]byte, error)
	// SignedURL returns a time-limited download link for ref. Local stores
	// return an application download URL instead of a cryptographic one.
	SignedURL(ctx context.Context, ref string) (string, error)
}

// Ref builds the canonical artifact reference for a report. One report,
// one ref: regeneration overwrites in place.
func Ref(reportID string) string {
	return fmt.Sprintf("reports/%s.pdf", reportID)
}
