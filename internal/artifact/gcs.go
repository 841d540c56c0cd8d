package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
)

// GCSBlobStore keeps blobs as objects in a Google Cloud Storage bucket.
type GCSBlobStore struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

// GCSClientOptions builds client options from a service-account key file or
// a pre-issued access token. With neither, application default credentials
// are used.
func GCSClientOptions(credentialsFile, accessToken string) []option.ClientOption {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	if accessToken != "" {
		opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})))
	}
	return opts
}

// NewGCSBlobStore connects to bucket. baseURL overrides the public object URL
// prefix, e.g. a CDN in front of the bucket.
func NewGCSBlobStore(ctx context.Context, bucket, baseURL string, opts ...option.ClientOption) (*GCSBlobStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("artifact: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("artifact: create gcs client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: bucket, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put uploads data to key.
func (s *GCSBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("artifact: upload gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("artifact: finalize gs://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// Get downloads key, returning ErrNotFound if the object does not exist.
func (s *GCSBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: gs://%s/%s", ErrNotFound, s.bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: open gs://%s/%s: %w", s.bucket, key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("artifact: read gs://%s/%s: %w", s.bucket, key, err)
	}
	return data, nil
}

// URL returns the public URL of key.
func (s *GCSBlobStore) URL(key string) string {
	if s.baseURL != "" {
		return s.baseURL + "/" + key
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, key)
}

// Close releases the underlying client.
func (s *GCSBlobStore) Close() error {
	return s.client.Close()
}
