// Package consensus implements the bounded trial machinery for resolving
// disputed governance decisions.
//
// A dispute runs at most three sequential voting trials. Each trial
// collects weighted ballots inside a deadline window; a strict majority
// of cast non-abstain weight decides. If all three trials end undecided,
// the configured default outcome applies and the deadlock is flagged in
// the governance log. The three-trial bound is a hard invariant, not a
// tunable.
package consensus

import (
	"errors"
	"time"

	"github.com/castellan-io/castellan/pkg/contracts"
)

var (
	// ErrUnknownDispute is returned for an unregistered dispute id.
	ErrUnknownDispute = errors.New("consensus: unknown dispute")

	// ErrUnknownParticipant rejects ballots from identities outside the
	// trial's participant set.
	ErrUnknownParticipant = errors.New("consensus: participant not in trial")

	// ErrDuplicateBallot rejects a second ballot from the same
	// participant in the same trial. The trial itself is unaffected.
	ErrDuplicateBallot = errors.New("consensus: duplicate ballot")

	// ErrNoOpenTrial rejects ballots when no trial is collecting, or the
	// ballot names a trial other than the one collecting. Late ballots
	// land here; they are ignored, never retroactively counted.
	ErrNoOpenTrial = errors.New("consensus: no matching trial collecting ballots")

	// ErrDisputeClosed is returned when acting on a terminal dispute.
	ErrDisputeClosed = errors.New("consensus: dispute already closed")
)

// Choice is one ballot position.
type Choice string

const (
	ChoiceApprove Choice = "APPROVE"
	ChoiceReject  Choice = "REJECT"
	ChoiceAbstain Choice = "ABSTAIN"
)

// Participant is an identity that may vote in trials.
type Participant struct {
	ID string `json:"id"`

	// Weight scales the participant's vote. Defaults to 1 when zero.
	Weight int `json:"weight,omitempty"`

	// Capability tags what the participant may vote on.
	Capability string `json:"capability,omitempty"`
}

func (p Participant) weight() int {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}

// Ballot is one cast vote.
type Ballot struct {
	DisputeID     string    `json:"dispute_id"`
	TrialNumber   int       `json:"trial_number"`
	ParticipantID string    `json:"participant_id"`
	Choice        Choice    `json:"choice"`
	ReceivedAt    time.Time `json:"received_at"`
}

// TrialState is the per-trial state machine.
type TrialState string

const (
	TrialOpen       TrialState = "OPEN"
	TrialCollecting TrialState = "COLLECTING"
	TrialDecided    TrialState = "DECIDED"
	TrialUndecided  TrialState = "UNDECIDED"
)

// Trial is one voting round.
type Trial struct {
	Number       int                `json:"number"` // 1..3
	Deadline     time.Time          `json:"deadline"`
	State        TrialState         `json:"state"`
	Outcome      contracts.Outcome  `json:"outcome,omitempty"`
	Participants []Participant      `json:"participants"`
	Ballots      map[string]Ballot  `json:"ballots"`
}

// terminal reports whether the trial reached a terminal state.
func (t *Trial) terminal() bool {
	return t.State == TrialDecided || t.State == TrialUndecided
}

// tally counts cast non-abstain weight. Decided only on a strict
// majority; a tie (or nothing cast) leaves the trial undecided.
func (t *Trial) tally() (outcome contracts.Outcome, decided bool) {
	byID := make(map[string]Participant, len(t.Participants))
	for _, p := range t.Participants {
		byID[p.ID] = p
	}

	approve, reject := 0, 0
	for _, b := range t.Ballots {
		p, ok := byID[b.ParticipantID]
		if !ok {
			continue
		}
		switch b.Choice {
		case ChoiceApprove:
			approve += p.weight()
		case ChoiceReject:
			reject += p.weight()
		case ChoiceAbstain:
			// not counted
		}
	}

	switch {
	case approve > reject:
		return contracts.OutcomeAdmit, true
	case reject > approve:
		return contracts.OutcomeReject, true
	default:
		return "", false
	}
}

// DisputeState is the dispute lifecycle.
type DisputeState string

const (
	DisputeOpen      DisputeState = "OPEN"
	DisputeResolving DisputeState = "RESOLVING"
	DisputeClosed    DisputeState = "CLOSED"
	DisputeCancelled DisputeState = "CANCELLED"
)

// Dispute aggregates the trials run for one contested decision.
type Dispute struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`

	Trials []*Trial `json:"trials"`

	State        DisputeState      `json:"state"`
	FinalOutcome contracts.Outcome `json:"final_outcome,omitempty"`

	// Deadlocked is set when all three trials exhausted without a
	// decisive majority and the default outcome applied.
	Deadlocked bool `json:"deadlocked,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RevisionPolicy revises the participant set between trials. It receives
// the upcoming trial number, the previous trial's participants, and the
// ids that actually voted. The engine accepts the policy but does not
// mandate one; the default keeps the set unchanged.
type RevisionPolicy func(trialNumber int, previous []Participant, voted map[string]bool) []Participant

// KeepAll is the default revision policy: no changes between trials.
func KeepAll(_ int, previous []Participant, _ map[string]bool) []Participant {
	return previous
}

// DropNonVoters removes participants who did not vote in the previous
// trial. If that would empty the set, the previous set is kept, since a
// trial with no participants can never decide.
func DropNonVoters(_ int, previous []Participant, voted map[string]bool) []Participant {
	var kept []Participant
	for _, p := range previous {
		if voted[p.ID] {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return previous
	}
	return kept
}
