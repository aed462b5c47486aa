package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/castellan-io/castellan/pkg/contracts"
)

// ManifestBytes produces the canonical JCS (RFC 8785) encoding of a
// manifest with its signature block zeroed. This is the exact byte
// sequence signatures are computed and verified over: two manifests that
// differ only in key order or whitespace sign identically.
func ManifestBytes(m *contracts.Manifest) ([]byte, error) {
	unsigned := *m
	unsigned.Signature = contracts.SignatureBlock{}

	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}
	return canonical, nil
}

// Fingerprint returns the sha256-prefixed hash of data.
func Fingerprint(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}
