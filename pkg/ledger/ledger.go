// Package ledger implements the governance log.
//
// An append-only, hash-chained record of every admission verdict and
// dispute outcome. Each entry is immutable once written and causally
// ordered after the event it records. External consumers read verdicts
// here and nowhere else: nothing is visible until it has been logged.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EntryType categorizes a governance log entry.
type EntryType string

const (
	EntryVerdict      EntryType = "VERDICT"
	EntryDispute      EntryType = "DISPUTE_OUTCOME"
	EntryIndexChange  EntryType = "INDEX_CHANGE"
	EntryCancellation EntryType = "CANCELLATION"
	EntryContainment  EntryType = "CONTAINMENT"
)

// Entry is an immutable, hash-chained governance record.
type Entry struct {
	Sequence    uint64         `json:"sequence"`
	EntryType   EntryType      `json:"entry_type"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash"`
	Timestamp   time.Time      `json:"timestamp"`
	Actor       string         `json:"actor,omitempty"`
	Data        map[string]any `json:"data"`
}

// Backend persists entries as they are appended. The in-memory chain
// stays authoritative for reads and verification.
type Backend interface {
	Persist(e Entry) error
}

// Log is the append-only governance log.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	backend  Backend
	clock    func() time.Time
}

// New creates an empty governance log.
func New() *Log {
	return &Log{
		entries:  make([]Entry, 0),
		headHash: "genesis",
		clock:    time.Now,
	}
}

// WithBackend attaches a persistence backend.
func (l *Log) WithBackend(b Backend) *Log {
	l.backend = b
	return l
}

// WithClock overrides the clock for testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append adds an entry and returns its sequence number. The entry hash
// covers the sequence, type, data, and predecessor hash, so any later
// mutation breaks the chain.
func (l *Log) Append(entryType EntryType, actor string, data map[string]any) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	contentHash, err := entryHash(seq, entryType, data, l.headHash)
	if err != nil {
		return 0, err
	}

	entry := Entry{
		Sequence:    seq,
		EntryType:   entryType,
		ContentHash: contentHash,
		PrevHash:    l.headHash,
		Timestamp:   l.clock(),
		Actor:       actor,
		Data:        data,
	}

	if l.backend != nil {
		if err := l.backend.Persist(entry); err != nil {
			return 0, fmt.Errorf("persist entry: %w", err)
		}
	}

	l.entries = append(l.entries, entry)
	l.headHash = contentHash
	return seq, nil
}

// Restore seeds the log from previously persisted entries. It refuses
// anything but an empty log and re-verifies the whole chain, so a
// tampered store never becomes authoritative.
func (l *Log) Restore(entries []Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) != 0 {
		return fmt.Errorf("restore requires an empty log")
	}

	prev := "genesis"
	for i, e := range entries {
		want := uint64(i) + 1
		if e.Sequence != want {
			return fmt.Errorf("restore: entry %d has sequence %d", want, e.Sequence)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("restore: chain broken at sequence %d", e.Sequence)
		}
		hash, err := entryHash(e.Sequence, e.EntryType, e.Data, e.PrevHash)
		if err != nil {
			return err
		}
		if hash != e.ContentHash {
			return fmt.Errorf("restore: hash mismatch at sequence %d", e.Sequence)
		}
		prev = e.ContentHash
	}

	l.entries = append(l.entries, entries...)
	l.headHash = prev
	return nil
}

// Get retrieves an entry by sequence number.
func (l *Log) Get(seq uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.entries)) {
		return nil, fmt.Errorf("entry %d not found", seq)
	}
	entry := l.entries[seq-1]
	return &entry, nil
}

// Range returns entries with sequence in [from, to], inclusive, for the
// external read boundary. from=0 means from the start; to=0 means to the
// head.
func (l *Log) Range(from, to uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := uint64(len(l.entries))
	if from == 0 {
		from = 1
	}
	if to == 0 || to > n {
		to = n
	}
	if from > to {
		return nil
	}
	out := make([]Entry, to-from+1)
	copy(out, l.entries[from-1:to])
	return out
}

// Head returns the current head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length returns the number of entries.
func (l *Log) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify walks the whole chain, recomputing hashes.
func (l *Log) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHash := "genesis"
	for i, entry := range l.entries {
		if entry.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prevHash, entry.PrevHash)
		}
		computed, err := entryHash(entry.Sequence, entry.EntryType, entry.Data, entry.PrevHash)
		if err != nil {
			return false, fmt.Sprintf("failed to hash entry %d", i+1)
		}
		if computed != entry.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prevHash = entry.ContentHash
	}
	return true, "chain verified"
}

func entryHash(seq uint64, entryType EntryType, data map[string]any, prevHash string) (string, error) {
	hashInput := struct {
		Seq      uint64         `json:"seq"`
		Type     EntryType      `json:"type"`
		Data     map[string]any `json:"data"`
		PrevHash string         `json:"prev"`
	}{seq, entryType, data, prevHash}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}
