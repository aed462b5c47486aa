package admission

import (
	"log/slog"
	"sync"
)

// RiskLevel classifies one evaluation for the audit trail.
type RiskLevel string

const (
	RiskSafe      RiskLevel = "SAFE"
	RiskMonitored RiskLevel = "MONITORED"
	RiskCritical  RiskLevel = "CRITICAL"
)

// Finding weights. Weights accumulate per evaluation; the total decides
// the risk level.
const (
	weightTraversal   = 50
	weightCorrupt     = 30
	weightSignature   = 40
	weightIndexMiss   = 15
	weightTierGap     = 25
	weightDispute     = 15
	weightDeadlock    = 20
	criticalThreshold = 50
)

// Observation is the observer's summary of one evaluation.
type Observation struct {
	ArtifactID string    `json:"artifact_id"`
	Score      int       `json:"score"`
	Level      RiskLevel `json:"level"`

	// Containment is raised for critical findings. Consumers treat it
	// as a signal to quarantine the submitter, not the engine.
	Containment bool     `json:"containment"`
	Findings    []string `json:"findings,omitempty"`
}

// Observer scores evaluations and records findings. One observer serves
// all concurrent admissions.
type Observer struct {
	mu     sync.Mutex
	logger *slog.Logger
	recent []Observation
	keep   int
}

// NewObserver creates an observer logging findings through logger.
func NewObserver(logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{logger: logger, keep: 128}
}

// Begin opens the observation for one artifact evaluation.
func (o *Observer) Begin(artifactID string) *Evaluation {
	return &Evaluation{observer: o, obs: Observation{ArtifactID: artifactID}}
}

// Recent returns the most recent observations, newest last.
func (o *Observer) Recent() []Observation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Observation(nil), o.recent...)
}

func (o *Observer) record(obs Observation) {
	o.mu.Lock()
	o.recent = append(o.recent, obs)
	if len(o.recent) > o.keep {
		o.recent = o.recent[len(o.recent)-o.keep:]
	}
	o.mu.Unlock()

	o.logger.Info("admission evaluated",
		"artifact_id", obs.ArtifactID,
		"risk_level", string(obs.Level),
		"risk_score", obs.Score,
		"containment", obs.Containment,
	)
	if obs.Containment {
		o.logger.Warn("containment raised",
			"artifact_id", obs.ArtifactID,
			"findings", obs.Findings,
		)
	}
}

// Evaluation accumulates findings for a single artifact. Not safe for
// concurrent use; each admission owns exactly one.
type Evaluation struct {
	observer *Observer
	obs      Observation
}

func (e *Evaluation) note(finding string, weight int) {
	e.obs.Findings = append(e.obs.Findings, finding)
	e.obs.Score += weight
}

// Finish classifies the evaluation, records it, and returns the result.
func (e *Evaluation) Finish() Observation {
	switch {
	case e.obs.Score == 0:
		e.obs.Level = RiskSafe
	case e.obs.Score < criticalThreshold:
		e.obs.Level = RiskMonitored
	default:
		e.obs.Level = RiskCritical
		e.obs.Containment = true
	}
	e.observer.record(e.obs)
	return e.obs
}
