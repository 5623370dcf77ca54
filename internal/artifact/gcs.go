package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStore keeps artifacts in a Google Cloud Storage bucket and hands out V4
// signed URLs for download.
type GCSStore struct {
	client        *storage.Client
	bucket        string
	prefix        string
	presignExpiry time.Duration
}

// NewGCSStore connects to GCS. credentialsFile may be empty, in which case
// application default credentials are used.
func NewGCSStore(ctx context.Context, bucket, prefix, credentialsFile string, presignExpiry time.Duration) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}

	return &GCSStore{
		client:        client,
		bucket:        bucket,
		prefix:        prefix,
		presignExpiry: presignExpiry,
	}, nil
}

func (s *GCSStore) Put(ctx context.Context, ref string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(s.key(ref)).NewWriter(ctx)
	w.ContentType = "application/pdf"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write artifact to gcs: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize gcs artifact: %w", err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.key(ref)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to open gcs artifact: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read gcs artifact: %w", err)
	}
	return data, nil
}

func (s *GCSStore) SignedURL(_ context.Context, ref string) (string, error) {
	u, err := s.client.Bucket(s.bucket).SignedURL(s.key(ref), &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(s.presignExpiry),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign artifact url: %w", err)
	}
	return u, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) key(ref string) string {
	if s.prefix == "" {
		return ref
	}
	return s.prefix + "/" + ref
}
