// Package index implements the trust index: the authoritative allow-list
// mapping canonical paths and content fingerprints to admission state.
//
// Reads are snapshot-based and never block behind writers: admissions run
// concurrently against an immutable snapshot swapped in atomically on
// every commit. Absence of an entry always means "not admitted".
package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/castellan-io/castellan/pkg/canonicalize"
	"github.com/castellan-io/castellan/pkg/tiers"
)

var (
	// ErrPendingChange is returned when a mutation targets a path that
	// already has an unresolved contested change.
	ErrPendingChange = errors.New("index: path has an unresolved pending change")

	// ErrNoPendingChange is returned when resolving a path with nothing
	// pending.
	ErrNoPendingChange = errors.New("index: no pending change for path")
)

// Entry is the admission state recorded for one canonical path.
type Entry struct {
	Path         canonicalize.CanonicalPath `json:"path"`
	Fingerprint  string                     `json:"fingerprint,omitempty"`
	Admitted     bool                       `json:"admitted"`
	RequiredTier tiers.Tier                 `json:"required_tier"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// Change is a requested index mutation.
type Change struct {
	Entry Entry `json:"entry"`

	// Remove deletes the path from the index instead of upserting.
	Remove bool `json:"remove,omitempty"`

	// Authority identifies who requested the change.
	Authority string `json:"authority"`
}

// snapshot is the immutable committed state readers see.
type snapshot struct {
	byPath        map[canonicalize.CanonicalPath]Entry
	byFingerprint map[string]Entry
}

// Persister writes committed entries through to durable storage. The
// in-memory snapshot stays the read path.
type Persister interface {
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, p canonicalize.CanonicalPath) error
}

// Index is the shared trust index. One per engine instance, initialized
// at system start and mutated only through Apply / pending resolution.
type Index struct {
	current atomic.Pointer[snapshot]

	mu      sync.Mutex // serializes writers
	pending map[canonicalize.CanonicalPath]Change
	store   Persister
	clock   func() time.Time
}

// New creates an empty index.
func New() *Index {
	idx := &Index{
		pending: make(map[canonicalize.CanonicalPath]Change),
		clock:   time.Now,
	}
	idx.current.Store(&snapshot{
		byPath:        map[canonicalize.CanonicalPath]Entry{},
		byFingerprint: map[string]Entry{},
	})
	return idx
}

// WithClock overrides the clock for testing.
func (i *Index) WithClock(clock func() time.Time) *Index {
	i.clock = clock
	return i
}

// WithStore attaches a persistence store. Commits are written through;
// a persistence failure fails the commit and leaves the snapshot
// untouched.
func (i *Index) WithStore(store Persister) *Index {
	i.store = store
	return i
}

// Lookup returns the entry for a canonical path, if present.
func (i *Index) Lookup(p canonicalize.CanonicalPath) (Entry, bool) {
	s := i.current.Load()
	e, ok := s.byPath[p]
	return e, ok
}

// LookupFingerprint returns the entry for a content fingerprint.
func (i *Index) LookupFingerprint(fp string) (Entry, bool) {
	s := i.current.Load()
	e, ok := s.byFingerprint[fp]
	return e, ok
}

// Ambiguous reports whether the path's committed state is shadowed by an
// unresolved contested change. Admission must not guess here; it opens a
// dispute instead.
func (i *Index) Ambiguous(p canonicalize.CanonicalPath) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.pending[p]
	return ok
}

// Apply commits an uncontested change from a trusted authority. The new
// snapshot becomes visible to all readers atomically; readers mid-lookup
// keep the snapshot they started with.
func (i *Index) Apply(c Change) error {
	if err := validate(c); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.pending[c.Entry.Path]; ok {
		return fmt.Errorf("%w: %q", ErrPendingChange, c.Entry.Path)
	}
	return i.commitLocked(c)
}

// Stage records a contested change as pending. The committed entry stays
// authoritative for lookups, but the path reads as ambiguous until a
// dispute resolves it.
func (i *Index) Stage(c Change) error {
	if err := validate(c); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.pending[c.Entry.Path]; ok {
		return fmt.Errorf("%w: %q", ErrPendingChange, c.Entry.Path)
	}
	i.pending[c.Entry.Path] = c
	return nil
}

// Pending returns the staged change for a path, if any.
func (i *Index) Pending(p canonicalize.CanonicalPath) (Change, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	c, ok := i.pending[p]
	return c, ok
}

// Resolve applies or discards the pending change for a path according to
// a dispute outcome.
func (i *Index) Resolve(p canonicalize.CanonicalPath, approve bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	c, ok := i.pending[p]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoPendingChange, p)
	}
	delete(i.pending, p)
	if approve {
		return i.commitLocked(c)
	}
	return nil
}

// Entries returns the committed entries, for persistence and audit.
func (i *Index) Entries() []Entry {
	s := i.current.Load()
	out := make([]Entry, 0, len(s.byPath))
	for _, e := range s.byPath {
		out = append(out, e)
	}
	return out
}

// Len returns the number of committed entries.
func (i *Index) Len() int {
	return len(i.current.Load().byPath)
}

// commitLocked swaps in a new snapshot with the change applied.
// Callers hold i.mu.
func (i *Index) commitLocked(c Change) error {
	old := i.current.Load()
	next := &snapshot{
		byPath:        make(map[canonicalize.CanonicalPath]Entry, len(old.byPath)+1),
		byFingerprint: make(map[string]Entry, len(old.byFingerprint)+1),
	}
	for k, v := range old.byPath {
		next.byPath[k] = v
	}
	for k, v := range old.byFingerprint {
		next.byFingerprint[k] = v
	}

	if c.Remove {
		if prev, ok := next.byPath[c.Entry.Path]; ok {
			delete(next.byPath, c.Entry.Path)
			if prev.Fingerprint != "" {
				delete(next.byFingerprint, prev.Fingerprint)
			}
		}
		if i.store != nil {
			if err := i.store.Delete(context.Background(), c.Entry.Path); err != nil {
				return fmt.Errorf("persist removal of %q: %w", c.Entry.Path, err)
			}
		}
	} else {
		e := c.Entry
		e.UpdatedAt = i.clock()
		if i.store != nil {
			if err := i.store.Put(context.Background(), e); err != nil {
				return fmt.Errorf("persist %q: %w", e.Path, err)
			}
		}
		next.byPath[e.Path] = e
		if e.Fingerprint != "" {
			next.byFingerprint[e.Fingerprint] = e
		}
	}

	i.current.Store(next)
	return nil
}

func validate(c Change) error {
	if c.Entry.Path == "" {
		return fmt.Errorf("index: change missing path")
	}
	if !c.Remove && !c.Entry.RequiredTier.Valid() {
		return fmt.Errorf("index: change for %q has unknown tier %q", c.Entry.Path, c.Entry.RequiredTier)
	}
	if c.Authority == "" {
		return fmt.Errorf("index: change missing authority")
	}
	return nil
}
