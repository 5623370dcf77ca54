package artifact

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps artifacts on the local filesystem, for development and
// single-node deployments. Refs map to paths under the base directory;
// anything escaping it is rejected.
type LocalStore struct {
	baseDir string
	baseURL string
}

// NewLocalStore creates the base directory if needed. baseURL is the public
// address of the API service, used to build download links.
func NewLocalStore(baseDir, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &LocalStore{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

func (s *LocalStore) Put(_ context.Context, ref string, data []byte) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact subdir: %w", err)
	}

	// Write to a temp file then rename so readers never observe a partial
	// artifact.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize artifact: %w", err)
	}
	return nil
}

func (s *LocalStore) Get(_ context.Context, ref string) ([]byte, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// SignedURL returns the API download endpoint for the report. The local
// backend has no signing key, so the link carries no expiry.
func (s *LocalStore) SignedURL(_ context.Context, ref string) (string, error) {
	id := strings.TrimSuffix(strings.TrimPrefix(ref, "reports/"), ".pdf")
	if id == "" || id == ref {
		return "", fmt.Errorf("invalid artifact ref: %q", ref)
	}
	return fmt.Sprintf("%s/api/v1/reports/%s/download", s.baseURL, url.PathEscape(id)), nil
}

func (s *LocalStore) resolve(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid artifact ref: %q", ref)
	}
	return filepath.Join(s.baseDir, clean), nil
}
