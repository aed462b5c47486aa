//go:build !gcp

package payload

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(_ context.Context) (Store, error) {
	return nil, fmt.Errorf("payload: GCS storage is not enabled in this build (use -tags gcp)")
}
