package contracts

import (
	"time"

	"github.com/castellan-io/castellan/pkg/tiers"
)

// Outcome is the terminal result of an evaluation or dispute.
type Outcome string

const (
	OutcomeAdmit     Outcome = "ADMIT"
	OutcomeReject    Outcome = "REJECT"
	OutcomeCancelled Outcome = "CANCELLED"
)

// RejectionCause categorizes a rejection reason for audit.
type RejectionCause string

const (
	CauseTraversal    RejectionCause = "PATH_TRAVERSAL"
	CauseCorrupt      RejectionCause = "CORRUPT_ARTIFACT"
	CauseIndex        RejectionCause = "INDEX_MISMATCH"
	CauseSignature    RejectionCause = "SIGNATURE_VERIFICATION"
	CausePermission   RejectionCause = "INSUFFICIENT_PERMISSION"
	CauseVersion      RejectionCause = "ENGINE_VERSION"
	CauseDeadlock     RejectionCause = "CONSENSUS_DEADLOCK"
	CauseCancellation RejectionCause = "SUPERVISORY_CANCEL"
)

// Reason is one ordered rejection cause with its detail.
type Reason struct {
	Cause  RejectionCause `json:"cause"`
	Detail string         `json:"detail"`
}

// Verdict is the immutable, atomic result of evaluating one artifact.
// Produced once per evaluation and recorded in the governance log; the
// log is the only place external consumers ever see it.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Verdict struct {
	VerdictID  string     `json:"verdict_id"`
	ArtifactID string     `json:"artifact_id"`
	Outcome    Outcome    `json:"outcome"`
	Tier       tiers.Tier `json:"tier"`

	// Reasons lists rejection causes in the order they were hit.
	// Empty for admitted artifacts.
	Reasons []Reason `json:"reasons,omitempty"`

	// DisputeID links the verdict to the dispute that produced it, when
	// the admission was resolved by consensus rather than automatically.
	DisputeID string `json:"dispute_id,omitempty"`

	// RiskLevel is the observer's classification of the evaluation.
	RiskLevel string `json:"risk_level,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Admitted reports whether the verdict admits the artifact.
func (v *Verdict) Admitted() bool {
	return v.Outcome == OutcomeAdmit
}
