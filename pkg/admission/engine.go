// Package admission composes canonicalization, index lookup, and
// dual-key authorization into an atomic accept/reject decision for a
// whole artifact. An artifact is either admitted in full or rejected in
// full; no partial exposure ever occurs, and every verdict is recorded
// in the governance log before it is returned.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/castellan-io/castellan/pkg/authz"
	"github.com/castellan-io/castellan/pkg/canonicalize"
	"github.com/castellan-io/castellan/pkg/consensus"
	"github.com/castellan-io/castellan/pkg/contracts"
	"github.com/castellan-io/castellan/pkg/index"
	"github.com/castellan-io/castellan/pkg/ledger"
	"github.com/castellan-io/castellan/pkg/tiers"
)

// Config tunes the admission engine.
type Config struct {
	// EngineVersion is this engine's semver, checked against manifest
	// MinEngineVersion constraints.
	EngineVersion string

	// Roster is the participant set used when an ambiguous index state
	// forces a dispute.
	Roster []consensus.Participant
}

// Engine evaluates artifacts. Safe for concurrent use: independent
// artifacts may be admitted in parallel, each through its own
// sequential pipeline.
type Engine struct {
	cfg      Config
	version  *semver.Version
	idx      *index.Index
	verifier *authz.Verifier
	disputes *consensus.Engine
	log      *ledger.Log
	observer *Observer
	clock    func() time.Time
}

// NewEngine creates an admission engine.
func NewEngine(cfg Config, idx *index.Index, verifier *authz.Verifier, disputes *consensus.Engine, log *ledger.Log, observer *Observer) (*Engine, error) {
	if cfg.EngineVersion == "" {
		cfg.EngineVersion = "0.0.0"
	}
	version, err := semver.NewVersion(cfg.EngineVersion)
	if err != nil {
		return nil, fmt.Errorf("admission: invalid engine version %q: %w", cfg.EngineVersion, err)
	}
	if observer == nil {
		observer = NewObserver(nil)
	}
	return &Engine{
		cfg:      cfg,
		version:  version,
		idx:      idx,
		verifier: verifier,
		disputes: disputes,
		log:      log,
		observer: observer,
		clock:    time.Now,
	}, nil
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Admit evaluates one artifact to a verdict. Rejections are verdicts,
// not errors; the error return is reserved for engine faults such as a
// failed log append. The returned verdict has already been recorded in
// the governance log.
func (e *Engine) Admit(ctx context.Context, a *contracts.Artifact) (*contracts.Verdict, error) {
	m := &a.Manifest
	eval := e.observer.Begin(m.ArtifactID)
	disputeID := ""

	// Manifest-level preconditions.
	if len(m.Entries) == 0 {
		eval.note("empty manifest", weightCorrupt)
		return e.reject(m, eval, disputeID, contracts.CauseCorrupt, "manifest declares no entries")
	}
	if m.MinEngineVersion != "" {
		constraint, err := semver.NewConstraint(m.MinEngineVersion)
		if err != nil {
			eval.note("unparsable engine constraint", weightCorrupt)
			return e.reject(m, eval, disputeID, contracts.CauseCorrupt,
				fmt.Sprintf("invalid min_engine_version %q: %v", m.MinEngineVersion, err))
		}
		if !constraint.Check(e.version) {
			return e.reject(m, eval, disputeID, contracts.CauseVersion,
				fmt.Sprintf("engine %s does not satisfy %q", e.version, m.MinEngineVersion))
		}
	}

	// Step 1: canonicalize every declared entry. First failure rejects
	// the whole artifact.
	paths, err := canonicalize.Entries(m)
	if err != nil {
		cause := contracts.CauseTraversal
		weight := weightTraversal
		if isCorrupt(err) {
			cause = contracts.CauseCorrupt
			weight = weightCorrupt
		}
		eval.note(err.Error(), weight)
		return e.reject(m, eval, disputeID, cause, err.Error())
	}
	if err := resolveRequirements(m, paths); err != nil {
		eval.note(err.Error(), weightCorrupt)
		return e.reject(m, eval, disputeID, contracts.CauseCorrupt, err.Error())
	}

	// Step 2: every canonical path must be present and admitted in the
	// trust index. Absence is never default-permit. An ambiguous path
	// is not guessed at; it goes to a dispute first.
	required := tiers.TierNone
	for i, p := range paths {
		if e.idx.Ambiguous(p) {
			eval.note(fmt.Sprintf("ambiguous index state for %q", p), weightDispute)
			id, err := e.settleAmbiguity(ctx, p)
			if err != nil {
				return nil, err
			}
			if disputeID == "" {
				disputeID = id
			}
			d, err := e.disputes.Get(id)
			if err != nil {
				return nil, err
			}
			if d.State == consensus.DisputeCancelled {
				return e.reject(m, eval, disputeID, contracts.CauseCancellation,
					fmt.Sprintf("dispute over %q cancelled by supervisory override", p))
			}
			if d.Deadlocked {
				eval.note("dispute deadlocked", weightDeadlock)
				return e.reject(m, eval, disputeID, contracts.CauseDeadlock,
					fmt.Sprintf("dispute over %q exhausted all trials", p))
			}
		}

		entry, ok := e.idx.Lookup(p)
		if !ok || !entry.Admitted {
			eval.note(fmt.Sprintf("path %q not admitted", p), weightIndexMiss)
			return e.reject(m, eval, disputeID, contracts.CauseIndex,
				fmt.Sprintf("%v: path %q", contracts.ErrIndexMismatch, p))
		}
		if entry.Fingerprint != "" && entry.Fingerprint != m.Entries[i].Fingerprint {
			eval.note(fmt.Sprintf("fingerprint mismatch for %q", p), weightIndexMiss)
			return e.reject(m, eval, disputeID, contracts.CauseIndex,
				fmt.Sprintf("%v: fingerprint mismatch for %q", contracts.ErrIndexMismatch, p))
		}
		required = tiers.Max(required, entry.RequiredTier)
	}

	// Step 3: verify the manifest signature over its canonical bytes.
	message, err := canonicalize.ManifestBytes(m)
	if err != nil {
		eval.note("uncanonicalizable manifest", weightCorrupt)
		return e.reject(m, eval, disputeID, contracts.CauseCorrupt, err.Error())
	}
	tier, err := e.verifier.Verify(m.Signature.SignerID, message, m.Signature.Signature)
	if err != nil {
		eval.note("signature verification failed", weightSignature)
		return e.reject(m, eval, disputeID, contracts.CauseSignature, err.Error())
	}

	// Step 4: the resolved tier must satisfy the strictest matched
	// index entry.
	if !tier.Satisfies(required) {
		eval.note(fmt.Sprintf("tier %s below required %s", tier, required), weightTierGap)
		return e.reject(m, eval, disputeID, contracts.CausePermission,
			fmt.Sprintf("%v: tier %s, required %s", contracts.ErrInsufficientPermission, tier, required))
	}

	// Step 5: admit.
	obs := eval.Finish()
	v := &contracts.Verdict{
		VerdictID:   uuid.New().String(),
		ArtifactID:  m.ArtifactID,
		Outcome:     contracts.OutcomeAdmit,
		Tier:        tier,
		DisputeID:   disputeID,
		RiskLevel:   string(obs.Level),
		EvaluatedAt: e.clock(),
	}
	if _, err := e.log.RecordVerdict(v); err != nil {
		return nil, fmt.Errorf("admission: record verdict: %w", err)
	}
	return v, nil
}

// settleAmbiguity opens a dispute over the path's pending change and
// blocks until the trial engine resolves it, then commits or discards
// the pending change accordingly. Deadlock and cancellation leave the
// pending change in place for a later governed resolution.
func (e *Engine) settleAmbiguity(ctx context.Context, p canonicalize.CanonicalPath) (string, error) {
	d, err := e.disputes.Open(string(p), e.cfg.Roster)
	if err != nil {
		return "", fmt.Errorf("admission: open dispute for %q: %w", p, err)
	}

	outcome, err := e.disputes.Resolve(ctx, d.ID)
	if err != nil {
		return "", fmt.Errorf("admission: resolve dispute %s: %w", d.ID, err)
	}

	final, err := e.disputes.Get(d.ID)
	if err != nil {
		return "", err
	}
	if outcome == contracts.OutcomeCancelled || final.Deadlocked {
		return d.ID, nil
	}

	if err := e.idx.Resolve(p, outcome == contracts.OutcomeAdmit); err != nil {
		if errors.Is(err, index.ErrNoPendingChange) {
			// Another admission settled the same path first.
			return d.ID, nil
		}
		return d.ID, fmt.Errorf("admission: commit dispute outcome for %q: %w", p, err)
	}
	return d.ID, nil
}

// reject builds, logs, and returns a rejection verdict.
func (e *Engine) reject(m *contracts.Manifest, eval *Evaluation, disputeID string, cause contracts.RejectionCause, detail string) (*contracts.Verdict, error) {
	obs := eval.Finish()
	v := &contracts.Verdict{
		VerdictID:  uuid.New().String(),
		ArtifactID: m.ArtifactID,
		Outcome:    contracts.OutcomeReject,
		Tier:       tiers.TierNone,
		Reasons: []contracts.Reason{
			{Cause: cause, Detail: detail},
		},
		DisputeID:   disputeID,
		RiskLevel:   string(obs.Level),
		EvaluatedAt: e.clock(),
	}
	if _, err := e.log.RecordVerdict(v); err != nil {
		return nil, fmt.Errorf("admission: record verdict: %w", err)
	}
	return v, nil
}

// resolveRequirements checks intra-artifact entry dependencies: every
// required path must be declared in the same manifest, and the
// dependency graph must be acyclic.
func resolveRequirements(m *contracts.Manifest, paths []canonicalize.CanonicalPath) error {
	declared := make(map[canonicalize.CanonicalPath]bool, len(paths))
	for _, p := range paths {
		declared[p] = true
	}

	graph := make(map[canonicalize.CanonicalPath][]canonicalize.CanonicalPath)
	for i, entry := range m.Entries {
		from := paths[i]
		for _, raw := range entry.Requires {
			to, err := canonicalize.Path(raw)
			if err != nil {
				return fmt.Errorf("%w: entry %q requires invalid path %q",
					contracts.ErrCorruptArtifact, from, raw)
			}
			if !declared[to] {
				return fmt.Errorf("%w: entry %q requires undeclared path %q",
					contracts.ErrCorruptArtifact, from, to)
			}
			graph[from] = append(graph[from], to)
		}
	}

	visited := make(map[canonicalize.CanonicalPath]bool)
	onStack := make(map[canonicalize.CanonicalPath]bool)

	var visit func(node canonicalize.CanonicalPath) error
	visit = func(node canonicalize.CanonicalPath) error {
		visited[node] = true
		onStack[node] = true
		for _, dep := range graph[node] {
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			} else if onStack[dep] {
				return fmt.Errorf("%w: dependency cycle through %q and %q",
					contracts.ErrCorruptArtifact, node, dep)
			}
		}
		onStack[node] = false
		return nil
	}

	for _, p := range paths {
		if !visited[p] {
			if err := visit(p); err != nil {
				return err
			}
		}
	}
	return nil
}

func isCorrupt(err error) bool {
	return errors.Is(err, contracts.ErrCorruptArtifact)
}
