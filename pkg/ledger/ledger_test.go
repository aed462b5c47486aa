package ledger

import (
	"testing"
	"time"

	"github.com/castellan-io/castellan/pkg/contracts"
	"github.com/castellan-io/castellan/pkg/tiers"
)

func TestLogAppend(t *testing.T) {
	l := New()
	seq, err := l.Append(EntryVerdict, "admission-engine", map[string]any{"artifact_id": "art-1"})
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Fatalf("expected seq 1, got %d", seq)
	}
	if l.Length() != 1 {
		t.Fatalf("expected length 1, got %d", l.Length())
	}
}

func TestLogChainIntegrity(t *testing.T) {
	l := New()
	l.Append(EntryIndexChange, "authority", map[string]any{"path": "a"})
	l.Append(EntryVerdict, "admission-engine", map[string]any{"artifact_id": "art-1"})
	l.Append(EntryDispute, "consensus-engine", map[string]any{"dispute_id": "d-1"})

	ok, reason := l.Verify()
	if !ok {
		t.Fatalf("expected valid chain, got: %s", reason)
	}
}

func TestLogHashChaining(t *testing.T) {
	l := New()
	l.Append(EntryVerdict, "e", map[string]any{"x": 1})
	l.Append(EntryVerdict, "e", map[string]any{"x": 2})

	e1, _ := l.Get(1)
	e2, _ := l.Get(2)
	if e2.PrevHash != e1.ContentHash {
		t.Fatal("second entry prev_hash should match first content_hash")
	}
}

func TestLogHead(t *testing.T) {
	l := New()
	if l.Head() != "genesis" {
		t.Fatal("expected genesis head")
	}
	l.Append(EntryVerdict, "e", map[string]any{"v": "1"})
	if l.Head() == "genesis" {
		t.Fatal("head should change after append")
	}
}

func TestLogGetNotFound(t *testing.T) {
	l := New()
	if _, err := l.Get(99); err == nil {
		t.Fatal("expected error for missing entry")
	}
}

func TestLogRange(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		l.Append(EntryVerdict, "e", map[string]any{"i": i})
	}

	all := l.Range(0, 0)
	if len(all) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(all))
	}
	mid := l.Range(2, 4)
	if len(mid) != 3 || mid[0].Sequence != 2 || mid[2].Sequence != 4 {
		t.Fatalf("unexpected range result: %+v", mid)
	}
	if got := l.Range(4, 2); got != nil {
		t.Fatal("inverted range should be empty")
	}
}

func TestRecordVerdict(t *testing.T) {
	l := New().WithClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })
	v := &contracts.Verdict{
		VerdictID:  "v-1",
		ArtifactID: "art-1",
		Outcome:    contracts.OutcomeReject,
		Tier:       tiers.TierNone,
		Reasons: []contracts.Reason{
			{Cause: contracts.CauseTraversal, Detail: "entry 0 escapes root"},
		},
	}
	seq, err := l.RecordVerdict(v)
	if err != nil {
		t.Fatal(err)
	}
	entry, _ := l.Get(seq)
	if entry.EntryType != EntryVerdict {
		t.Fatalf("expected VERDICT, got %s", entry.EntryType)
	}
	if entry.Data["outcome"] != "REJECT" {
		t.Fatalf("expected REJECT, got %v", entry.Data["outcome"])
	}
	reasons, ok := entry.Data["reasons"].([]any)
	if !ok || len(reasons) != 1 {
		t.Fatal("rejection reason must be recorded")
	}
}

func TestRecordDisputeOutcome_Deadlock(t *testing.T) {
	l := New()
	seq, err := l.RecordDisputeOutcome("d-1", "art-9", contracts.OutcomeReject, 3, true)
	if err != nil {
		t.Fatal(err)
	}
	entry, _ := l.Get(seq)
	if entry.Data["deadlock"] != true {
		t.Fatal("deadlock flag must be recorded")
	}
	if entry.Data["error"] != contracts.ErrConsensusDeadlock.Error() {
		t.Fatal("deadlock error must be surfaced in the log")
	}
}

func TestRecordCancellation(t *testing.T) {
	l := New()
	seq, err := l.RecordCancellation("d-2", "supervisor-1", "escalation")
	if err != nil {
		t.Fatal(err)
	}
	entry, _ := l.Get(seq)
	if entry.EntryType != EntryCancellation {
		t.Fatalf("expected CANCELLATION, got %s", entry.EntryType)
	}
	if entry.Actor != "supervisor-1" {
		t.Fatal("cancellations must name the supervisor")
	}
}

func TestLogRestore(t *testing.T) {
	src := New()
	for i := 0; i < 3; i++ {
		src.Append(EntryVerdict, "admission-engine", map[string]any{"i": i})
	}

	restored := New()
	if err := restored.Restore(src.Range(0, 0)); err != nil {
		t.Fatal(err)
	}
	if restored.Head() != src.Head() {
		t.Fatal("restored head does not match source")
	}
	if ok, detail := restored.Verify(); !ok {
		t.Fatalf("restored chain invalid: %s", detail)
	}
	if _, err := restored.Append(EntryVerdict, "admission-engine", map[string]any{"i": 3}); err != nil {
		t.Fatal(err)
	}
}

func TestLogRestoreRejectsTampering(t *testing.T) {
	src := New()
	src.Append(EntryVerdict, "admission-engine", map[string]any{"i": 0})
	src.Append(EntryVerdict, "admission-engine", map[string]any{"i": 1})

	entries := src.Range(0, 0)
	entries[1].Data = map[string]any{"i": 99}

	restored := New()
	if err := restored.Restore(entries); err == nil {
		t.Fatal("expected tampered chain to be rejected")
	}

	populated := New()
	populated.Append(EntryVerdict, "admission-engine", nil)
	if err := populated.Restore(src.Range(0, 0)); err == nil {
		t.Fatal("expected restore into non-empty log to fail")
	}
}
