package payload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects the payload storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv creates a payload store from environment variables.
//
//   - PAYLOAD_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory for the fs store (default "data")
//
// For S3:
//   - PAYLOAD_S3_BUCKET (required)
//   - PAYLOAD_S3_REGION or AWS_REGION
//   - PAYLOAD_S3_ENDPOINT (optional, MinIO/LocalStack)
//   - PAYLOAD_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - PAYLOAD_GCS_BUCKET (required)
//   - PAYLOAD_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("PAYLOAD_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFSStore(filepath.Join(dataDir, "payloads"))

	case StoreTypeS3:
		bucket := os.Getenv("PAYLOAD_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("payload: PAYLOAD_S3_BUCKET is required for S3 storage")
		}
		region := os.Getenv("PAYLOAD_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("PAYLOAD_S3_ENDPOINT"),
			Prefix:   os.Getenv("PAYLOAD_S3_PREFIX"),
		})

	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)

	default:
		return nil, fmt.Errorf("payload: unsupported storage type: %s", storeType)
	}
}
