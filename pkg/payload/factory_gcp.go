//go:build gcp

package payload

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("PAYLOAD_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("payload: PAYLOAD_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSStore(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("PAYLOAD_GCS_PREFIX"),
	})
}
