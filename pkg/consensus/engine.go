package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-io/castellan/pkg/contracts"
	"github.com/castellan-io/castellan/pkg/ledger"
)

// maxTrials is the hard bound on voting rounds per dispute.
const maxTrials = 3

// Config tunes the trial engine. The trial count is not configurable.
type Config struct {
	// TrialWindow is the ballot collection window per trial.
	TrialWindow time.Duration

	// DefaultOutcome applies when all three trials end undecided. It
	// must be explicit; admission disputes reject by default.
	DefaultOutcome contracts.Outcome

	// Revision revises the participant set between trials. Nil keeps
	// the set unchanged.
	Revision RevisionPolicy
}

// DefaultConfig returns the engine defaults: a five minute window and
// reject-by-default.
func DefaultConfig() Config {
	return Config{
		TrialWindow:    5 * time.Minute,
		DefaultOutcome: contracts.OutcomeReject,
		Revision:       KeepAll,
	}
}

type cancelRequest struct {
	supervisor string
	reason     string
}

// disputeRuntime is the engine's mutable view of one dispute.
type disputeRuntime struct {
	mu           sync.Mutex
	dispute      *Dispute
	participants []Participant

	ballotCh chan struct{}
	cancelCh chan cancelRequest
}

// Engine runs disputes. There is no privileged override path inside the
// trial machinery itself: a supervisory cancellation is an explicit,
// logged terminal transition, not a bypass.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	log      *ledger.Log
	disputes map[string]*disputeRuntime
	clock    func() time.Time
}

// NewEngine creates a trial engine recording outcomes to log.
func NewEngine(cfg Config, log *ledger.Log) *Engine {
	if cfg.TrialWindow <= 0 {
		cfg.TrialWindow = DefaultConfig().TrialWindow
	}
	if cfg.DefaultOutcome == "" {
		cfg.DefaultOutcome = contracts.OutcomeReject
	}
	if cfg.Revision == nil {
		cfg.Revision = KeepAll
	}
	return &Engine{
		cfg:      cfg,
		log:      log,
		disputes: make(map[string]*disputeRuntime),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing. Deadlines still use real
// timers; the clock stamps ballots and records.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Open registers a new dispute over subject with the given participants.
func (e *Engine) Open(subject string, participants []Participant) (*Dispute, error) {
	if subject == "" {
		return nil, fmt.Errorf("consensus: dispute subject must not be empty")
	}
	if len(participants) == 0 {
		return nil, fmt.Errorf("consensus: dispute needs at least one participant")
	}

	d := &Dispute{
		ID:        uuid.New().String(),
		Subject:   subject,
		State:     DisputeOpen,
		CreatedAt: e.clock(),
	}
	rt := &disputeRuntime{
		dispute:      d,
		participants: participants,
		ballotCh:     make(chan struct{}, 1),
		cancelCh:     make(chan cancelRequest, 1),
	}

	e.mu.Lock()
	e.disputes[d.ID] = rt
	e.mu.Unlock()
	return d, nil
}

// Get returns a snapshot view of a dispute.
func (e *Engine) Get(disputeID string) (*Dispute, error) {
	rt, err := e.runtime(disputeID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	snapshot := *rt.dispute
	snapshot.Trials = make([]*Trial, len(rt.dispute.Trials))
	for i, trial := range rt.dispute.Trials {
		t := *trial
		t.Participants = append([]Participant(nil), trial.Participants...)
		t.Ballots = make(map[string]Ballot, len(trial.Ballots))
		for id, b := range trial.Ballots {
			t.Ballots[id] = b
		}
		snapshot.Trials[i] = &t
	}
	return &snapshot, nil
}

// Submit casts one ballot. Late ballots, duplicate ballots, and ballots
// from outside the participant set are rejected without affecting the
// trial.
func (e *Engine) Submit(disputeID string, trialNumber int, participantID string, choice Choice) error {
	rt, err := e.runtime(disputeID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	d := rt.dispute
	if d.State == DisputeClosed || d.State == DisputeCancelled {
		return fmt.Errorf("%w: %s", ErrDisputeClosed, disputeID)
	}

	trial := currentTrial(d)
	if trial == nil || trial.State != TrialCollecting || trial.Number != trialNumber {
		return fmt.Errorf("%w: dispute %s trial %d", ErrNoOpenTrial, disputeID, trialNumber)
	}

	now := e.clock()
	if now.After(trial.Deadline) {
		return fmt.Errorf("%w: ballot after deadline", ErrNoOpenTrial)
	}

	if !inSet(trial.Participants, participantID) {
		return fmt.Errorf("%w: %q", ErrUnknownParticipant, participantID)
	}
	if _, dup := trial.Ballots[participantID]; dup {
		return fmt.Errorf("%w: %q in trial %d", ErrDuplicateBallot, participantID, trialNumber)
	}

	switch choice {
	case ChoiceApprove, ChoiceReject, ChoiceAbstain:
	default:
		return fmt.Errorf("consensus: unknown choice %q", choice)
	}

	trial.Ballots[participantID] = Ballot{
		DisputeID:     disputeID,
		TrialNumber:   trialNumber,
		ParticipantID: participantID,
		Choice:        choice,
		ReceivedAt:    now,
	}

	select {
	case rt.ballotCh <- struct{}{}:
	default:
	}
	return nil
}

// Cancel performs a supervisory override: the dispute transitions to a
// cancelled terminal state and the cancellation is logged. Only valid
// before a trial has decided the dispute.
func (e *Engine) Cancel(disputeID, supervisor, reason string) error {
	rt, err := e.runtime(disputeID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	d := rt.dispute
	if d.State == DisputeClosed || d.State == DisputeCancelled {
		return fmt.Errorf("%w: %s", ErrDisputeClosed, disputeID)
	}

	select {
	case rt.cancelCh <- cancelRequest{supervisor: supervisor, reason: reason}:
	default:
	}
	return nil
}

// Resolve runs the dispute to a terminal outcome: up to three strictly
// ordered trials, then the default outcome on deadlock. Trial k+1 never
// starts before trial k is terminal, and progression is an explicit
// transition here, not a retry loop. The final outcome is recorded in
// the governance log before Resolve returns.
func (e *Engine) Resolve(ctx context.Context, disputeID string) (contracts.Outcome, error) {
	rt, err := e.runtime(disputeID)
	if err != nil {
		return "", err
	}

	rt.mu.Lock()
	if rt.dispute.State != DisputeOpen {
		state := rt.dispute.State
		rt.mu.Unlock()
		return "", fmt.Errorf("%w: state %s", ErrDisputeClosed, state)
	}
	rt.dispute.State = DisputeResolving
	rt.mu.Unlock()

	for number := 1; number <= maxTrials; number++ {
		trial := e.openTrial(rt, number)

		outcome, decided, cancelledBy, err := e.collect(ctx, rt, trial)
		if err != nil {
			return "", err
		}
		if cancelledBy != nil {
			return e.closeCancelled(rt, *cancelledBy)
		}
		if decided {
			return e.closeDecided(rt, outcome)
		}
	}

	return e.closeDeadlocked(rt)
}

// openTrial appends trial `number` in Collecting state, revising the
// participant set from the previous trial.
func (e *Engine) openTrial(rt *disputeRuntime, number int) *Trial {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if number > 1 {
		prev := rt.dispute.Trials[number-2]
		voted := make(map[string]bool, len(prev.Ballots))
		for id := range prev.Ballots {
			voted[id] = true
		}
		rt.participants = e.cfg.Revision(number, rt.participants, voted)
	}

	trial := &Trial{
		Number:       number,
		Deadline:     e.clock().Add(e.cfg.TrialWindow),
		State:        TrialCollecting,
		Participants: append([]Participant(nil), rt.participants...),
		Ballots:      make(map[string]Ballot),
	}
	rt.dispute.Trials = append(rt.dispute.Trials, trial)
	return trial
}

// collect suspends until the trial deadline, an early decisive full turnout, a
// supervisory cancellation, or context cancellation, then tallies.
func (e *Engine) collect(ctx context.Context, rt *disputeRuntime, trial *Trial) (contracts.Outcome, bool, *cancelRequest, error) {
	timer := time.NewTimer(time.Until(trial.Deadline))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return e.finishTrial(rt, trial)

		case <-rt.ballotCh:
			rt.mu.Lock()
			full := len(trial.Ballots) == len(trial.Participants)
			decided := false
			if full {
				_, decided = trial.tally()
			}
			rt.mu.Unlock()
			if full && decided {
				// Every participant has voted and the tally is
				// decisive; the result cannot change before the
				// deadline. An undecided full turnout still waits
				// out the window: the trial only ends undecided at
				// its deadline.
				return e.finishTrial(rt, trial)
			}

		case req := <-rt.cancelCh:
			return "", false, &req, nil

		case <-ctx.Done():
			// Context cancellation is an escalation path too: the
			// dispute terminates cancelled rather than hanging.
			req := cancelRequest{supervisor: "context", reason: ctx.Err().Error()}
			return "", false, &req, nil
		}
	}
}

// finishTrial tallies and moves the trial to its terminal state.
func (e *Engine) finishTrial(rt *disputeRuntime, trial *Trial) (contracts.Outcome, bool, *cancelRequest, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	outcome, decided := trial.tally()
	if decided {
		trial.State = TrialDecided
		trial.Outcome = outcome
		return outcome, true, nil, nil
	}
	trial.State = TrialUndecided
	return "", false, nil, nil
}

func (e *Engine) closeDecided(rt *disputeRuntime, outcome contracts.Outcome) (contracts.Outcome, error) {
	rt.mu.Lock()
	d := rt.dispute
	d.State = DisputeClosed
	d.FinalOutcome = outcome
	trials := len(d.Trials)
	id, subject := d.ID, d.Subject
	rt.mu.Unlock()

	if _, err := e.log.RecordDisputeOutcome(id, subject, outcome, trials, false); err != nil {
		return "", fmt.Errorf("consensus: record outcome: %w", err)
	}
	return outcome, nil
}

func (e *Engine) closeDeadlocked(rt *disputeRuntime) (contracts.Outcome, error) {
	rt.mu.Lock()
	d := rt.dispute
	d.State = DisputeClosed
	d.FinalOutcome = e.cfg.DefaultOutcome
	d.Deadlocked = true
	id, subject := d.ID, d.Subject
	rt.mu.Unlock()

	if _, err := e.log.RecordDisputeOutcome(id, subject, e.cfg.DefaultOutcome, maxTrials, true); err != nil {
		return "", fmt.Errorf("consensus: record deadlock: %w", err)
	}
	return e.cfg.DefaultOutcome, nil
}

func (e *Engine) closeCancelled(rt *disputeRuntime, req cancelRequest) (contracts.Outcome, error) {
	rt.mu.Lock()
	d := rt.dispute
	d.State = DisputeCancelled
	d.FinalOutcome = contracts.OutcomeCancelled
	if trial := currentTrial(d); trial != nil && !trial.terminal() {
		trial.State = TrialUndecided
	}
	id := d.ID
	rt.mu.Unlock()

	if _, err := e.log.RecordCancellation(id, req.supervisor, req.reason); err != nil {
		return "", fmt.Errorf("consensus: record cancellation: %w", err)
	}
	return contracts.OutcomeCancelled, nil
}

// List returns snapshot views of all known disputes, in no particular
// order.
func (e *Engine) List() []*Dispute {
	e.mu.Lock()
	ids := make([]string, 0, len(e.disputes))
	for id := range e.disputes {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	out := make([]*Dispute, 0, len(ids))
	for _, id := range ids {
		if d, err := e.Get(id); err == nil {
			out = append(out, d)
		}
	}
	return out
}

func (e *Engine) runtime(disputeID string) (*disputeRuntime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.disputes[disputeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDispute, disputeID)
	}
	return rt, nil
}

func currentTrial(d *Dispute) *Trial {
	if len(d.Trials) == 0 {
		return nil
	}
	return d.Trials[len(d.Trials)-1]
}

func inSet(ps []Participant, id string) bool {
	for _, p := range ps {
		if p.ID == id {
			return true
		}
	}
	return false
}
