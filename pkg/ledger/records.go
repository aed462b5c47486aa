package ledger

import (
	"github.com/castellan-io/castellan/pkg/contracts"
)

// RecordVerdict appends an admission verdict. Called by the admission
// engine after steps 1-5 have fully run; nothing partially evaluated is
// ever logged.
func (l *Log) RecordVerdict(v *contracts.Verdict) (uint64, error) {
	data := map[string]any{
		"verdict_id":  v.VerdictID,
		"artifact_id": v.ArtifactID,
		"outcome":     string(v.Outcome),
		"tier":        string(v.Tier),
	}
	if len(v.Reasons) > 0 {
		reasons := make([]any, 0, len(v.Reasons))
		for _, r := range v.Reasons {
			reasons = append(reasons, map[string]any{"cause": string(r.Cause), "detail": r.Detail})
		}
		data["reasons"] = reasons
	}
	if v.DisputeID != "" {
		data["dispute_id"] = v.DisputeID
	}
	if v.RiskLevel != "" {
		data["risk_level"] = v.RiskLevel
	}
	return l.Append(EntryVerdict, "admission-engine", data)
}

// RecordDisputeOutcome appends a closed dispute. Deadlocked disputes are
// flagged distinctly even though the default policy resolves them.
func (l *Log) RecordDisputeOutcome(disputeID, subject string, outcome contracts.Outcome, trialsRun int, deadlocked bool) (uint64, error) {
	data := map[string]any{
		"dispute_id": disputeID,
		"subject":    subject,
		"outcome":    string(outcome),
		"trials_run": trialsRun,
	}
	if deadlocked {
		data["deadlock"] = true
		data["error"] = contracts.ErrConsensusDeadlock.Error()
	}
	return l.Append(EntryDispute, "consensus-engine", data)
}

// RecordCancellation appends a supervisory override. An override is an
// explicit, logged cancellation, not a bypass.
func (l *Log) RecordCancellation(disputeID, supervisor, reason string) (uint64, error) {
	return l.Append(EntryCancellation, supervisor, map[string]any{
		"dispute_id": disputeID,
		"reason":     reason,
	})
}

// RecordIndexChange appends a committed trust index mutation.
func (l *Log) RecordIndexChange(path, authority string, admitted bool, tier string, contested bool) (uint64, error) {
	return l.Append(EntryIndexChange, authority, map[string]any{
		"path":      path,
		"admitted":  admitted,
		"tier":      tier,
		"contested": contested,
	})
}
