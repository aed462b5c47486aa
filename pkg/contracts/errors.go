package contracts

import "errors"

// Admission and consensus error taxonomy. Admission-path errors are
// terminal for the artifact being evaluated and are never retried by the
// engine; a caller must resubmit a corrected artifact. Consensus timeouts
// drive trial progression and are not engine failures.
var (
	// ErrPathTraversal is returned when a declared entry resolves outside
	// the artifact root.
	ErrPathTraversal = errors.New("path traversal: entry resolves outside artifact root")

	// ErrCorruptArtifact is returned for malformed or ambiguous manifests:
	// duplicate canonical paths, unresolvable or cyclic entry requirements.
	ErrCorruptArtifact = errors.New("corrupt artifact: manifest is malformed or ambiguous")

	// ErrIndexMismatch is returned when a canonical path is absent from the
	// trust index or marked not admitted. Absence is never default-permit.
	ErrIndexMismatch = errors.New("index mismatch: path not present or not admitted")

	// ErrSignatureVerification is returned when the manifest signature
	// matches neither provisioned public key.
	ErrSignatureVerification = errors.New("signature verification: signature matches neither public key")

	// ErrInsufficientPermission is returned when the resolved tier is lower
	// than a matched index entry requires.
	ErrInsufficientPermission = errors.New("insufficient permission: tier below entry requirement")

	// ErrConsensusTimeout marks a single trial whose deadline elapsed
	// without a strict majority. Expected; drives trial progression.
	ErrConsensusTimeout = errors.New("consensus timeout: trial deadline elapsed without majority")

	// ErrConsensusDeadlock marks a dispute whose three trials were all
	// exhausted without a decisive majority. The configured default policy
	// resolves it operationally; the condition stays visible for audit.
	ErrConsensusDeadlock = errors.New("consensus deadlock: all trials exhausted without majority")
)
