//go:build gcp

package payload

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/castellan-io/castellan/pkg/canonicalize"
)

// GCSStore is a Google Cloud Storage backed Store.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds GCS store settings.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed payload store using application
// default credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("payload: create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(raw string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + raw + ".blob")
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	fingerprint := canonicalize.Fingerprint(data)
	raw, err := rawHash(fingerprint)
	if err != nil {
		return "", err
	}

	obj := s.object(raw)
	if _, err := obj.Attrs(ctx); err == nil {
		return fingerprint, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("payload: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("payload: gcs close: %w", err)
	}
	return fingerprint, nil
}

func (s *GCSStore) Get(ctx context.Context, fingerprint string) ([]byte, error) {
	raw, err := rawHash(fingerprint)
	if err != nil {
		return nil, err
	}
	reader, err := s.object(raw).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("payload: gcs get %s: %w", fingerprint, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("payload: gcs read %s: %w", fingerprint, err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, fingerprint string) (bool, error) {
	raw, err := rawHash(fingerprint)
	if err != nil {
		return false, err
	}
	if _, err := s.object(raw).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("payload: gcs attrs: %w", err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, fingerprint string) error {
	raw, err := rawHash(fingerprint)
	if err != nil {
		return err
	}
	if err := s.object(raw).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("payload: gcs delete %s: %w", fingerprint, err)
	}
	return nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
