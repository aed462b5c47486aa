package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/pkg/contracts"
)

var validManifest = `{
  "artifact_id": "artifact-1",
  "root": "bundle",
  "entries": [
    {"path": "lib/a.so", "offset": 0, "size": 64},
    {"path": "bin/tool", "offset": 64, "size": 128, "requires": ["lib/a.so"]}
  ],
  "signature": {
    "signer_id": "signer-1",
    "signature": "` + strings.Repeat("ab", 64) + `"
  }
}`

func TestDecodeValidManifest(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	m, err := v.Decode([]byte(validManifest))
	require.NoError(t, err)
	assert.Equal(t, "artifact-1", m.ArtifactID)
	require.Len(t, m.Entries, 2)
	assert.Equal(t, []string{"lib/a.so"}, m.Entries[1].Requires)
	assert.Equal(t, "signer-1", m.Signature.SignerID)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	_, err = v.Decode([]byte(`{"artifact_id": `))
	assert.ErrorIs(t, err, contracts.ErrCorruptArtifact)
}

func TestDecodeRejectsSchemaViolations(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	cases := map[string]string{
		"missing entries":    `{"artifact_id": "a", "root": "r", "signature": {"signer_id": "s", "signature": "` + strings.Repeat("ab", 64) + `"}}`,
		"empty entries":      `{"artifact_id": "a", "root": "r", "entries": [], "signature": {"signer_id": "s", "signature": "` + strings.Repeat("ab", 64) + `"}}`,
		"negative offset":    `{"artifact_id": "a", "root": "r", "entries": [{"path": "p", "offset": -1, "size": 0}], "signature": {"signer_id": "s", "signature": "` + strings.Repeat("ab", 64) + `"}}`,
		"short signature":    `{"artifact_id": "a", "root": "r", "entries": [{"path": "p", "offset": 0, "size": 0}], "signature": {"signer_id": "s", "signature": "abcd"}}`,
		"unknown field":      `{"artifact_id": "a", "root": "r", "entries": [{"path": "p", "offset": 0, "size": 0}], "signature": {"signer_id": "s", "signature": "` + strings.Repeat("ab", 64) + `"}, "extra": true}`,
		"bad fingerprint":    `{"artifact_id": "a", "root": "r", "entries": [{"path": "p", "offset": 0, "size": 0, "fingerprint": "md5:abc"}], "signature": {"signer_id": "s", "signature": "` + strings.Repeat("ab", 64) + `"}}`,
		"missing signer":     `{"artifact_id": "a", "root": "r", "entries": [{"path": "p", "offset": 0, "size": 0}], "signature": {"signature": "` + strings.Repeat("ab", 64) + `"}}`,
		"empty artifact id":  `{"artifact_id": "", "root": "r", "entries": [{"path": "p", "offset": 0, "size": 0}], "signature": {"signer_id": "s", "signature": "` + strings.Repeat("ab", 64) + `"}}`,
		"non-integer offset": `{"artifact_id": "a", "root": "r", "entries": [{"path": "p", "offset": 1.5, "size": 0}], "signature": {"signer_id": "s", "signature": "` + strings.Repeat("ab", 64) + `"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Decode([]byte(raw))
			assert.ErrorIs(t, err, contracts.ErrCorruptArtifact)
		})
	}
}
