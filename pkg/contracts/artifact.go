package contracts

import "time"

// Entry is one declared path in an artifact manifest.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Entry struct {
	// Path is the raw declared path, exactly as submitted. Untrusted.
	Path string `json:"path"`

	// Offset and Size locate the entry's bytes within the payload.
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`

	// LinkTarget, if non-empty, marks the entry as a symbolic link with
	// the given declared target. Targets are validated lexically against
	// the artifact root before any consumer sees them.
	LinkTarget string `json:"link_target,omitempty"`

	// Fingerprint is the sha256-prefixed content hash of the entry bytes.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Requires lists declared paths within the same artifact that must be
	// admitted alongside this entry.
	Requires []string `json:"requires,omitempty"`
}

// SignatureBlock carries the manifest signature and signer identity.
type SignatureBlock struct {
	// SignerID identifies the key pair record the signature claims.
	SignerID string `json:"signer_id"`

	// Signature is the hex-encoded Ed25519 signature over the canonical
	// manifest bytes.
	Signature string `json:"signature"`
}

// Manifest is the ordered declaration of an artifact's contents.
type Manifest struct {
	ArtifactID string `json:"artifact_id"`

	// Root is the declared extraction root all paths resolve against.
	Root string `json:"root"`

	Entries []Entry `json:"entries"`

	// MinEngineVersion is an optional semver constraint the evaluating
	// engine must satisfy, e.g. ">= 1.2.0".
	MinEngineVersion string `json:"min_engine_version,omitempty"`

	Signature SignatureBlock `json:"signature"`
}

// Artifact is an untrusted candidate bundle: an opaque payload plus the
// manifest describing it. Immutable once received; owned exclusively by
// the admission engine during evaluation.
type Artifact struct {
	Manifest Manifest `json:"manifest"`

	// Payload is the opaque bytes. Never exposed before an Admit verdict.
	Payload []byte `json:"-"`

	ReceivedAt time.Time `json:"received_at"`
}
