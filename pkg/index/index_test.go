package index

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/pkg/tiers"
)

func TestLookup_AbsenceIsNotAdmitted(t *testing.T) {
	idx := New()
	_, ok := idx.Lookup("never/added")
	assert.False(t, ok)
}

func TestApplyAndLookup(t *testing.T) {
	idx := New()
	err := idx.Apply(Change{
		Entry:     Entry{Path: "lib/core", Admitted: true, RequiredTier: tiers.TierBasic, Fingerprint: "sha256:abc"},
		Authority: "root-authority",
	})
	require.NoError(t, err)

	e, ok := idx.Lookup("lib/core")
	require.True(t, ok)
	assert.True(t, e.Admitted)
	assert.Equal(t, tiers.TierBasic, e.RequiredTier)

	byFP, ok := idx.LookupFingerprint("sha256:abc")
	require.True(t, ok)
	assert.Equal(t, e.Path, byFP.Path)
}

func TestApply_Remove(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Apply(Change{
		Entry:     Entry{Path: "x", Admitted: true, RequiredTier: tiers.TierBasic, Fingerprint: "sha256:x"},
		Authority: "a",
	}))
	require.NoError(t, idx.Apply(Change{
		Entry:     Entry{Path: "x"},
		Remove:    true,
		Authority: "a",
	}))
	_, ok := idx.Lookup("x")
	assert.False(t, ok)
	_, ok = idx.LookupFingerprint("sha256:x")
	assert.False(t, ok)
}

func TestApply_Validation(t *testing.T) {
	idx := New()
	assert.Error(t, idx.Apply(Change{Entry: Entry{Path: "", RequiredTier: tiers.TierBasic}, Authority: "a"}))
	assert.Error(t, idx.Apply(Change{Entry: Entry{Path: "p", RequiredTier: "bogus"}, Authority: "a"}))
	assert.Error(t, idx.Apply(Change{Entry: Entry{Path: "p", RequiredTier: tiers.TierBasic}}))
}

func TestStageMakesPathAmbiguous(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Apply(Change{
		Entry:     Entry{Path: "lib/core", Admitted: true, RequiredTier: tiers.TierBasic},
		Authority: "a",
	}))
	require.NoError(t, idx.Stage(Change{
		Entry:     Entry{Path: "lib/core", Admitted: true, RequiredTier: tiers.TierPrivileged},
		Authority: "b",
	}))

	assert.True(t, idx.Ambiguous("lib/core"))

	// Committed state stays authoritative while contested.
	e, ok := idx.Lookup("lib/core")
	require.True(t, ok)
	assert.Equal(t, tiers.TierBasic, e.RequiredTier)

	// A second staged change for the same path is refused.
	err := idx.Stage(Change{
		Entry:     Entry{Path: "lib/core", Admitted: false, RequiredTier: tiers.TierBasic},
		Authority: "c",
	})
	assert.ErrorIs(t, err, ErrPendingChange)

	// So is a direct apply while contested.
	err = idx.Apply(Change{
		Entry:     Entry{Path: "lib/core", Admitted: false, RequiredTier: tiers.TierBasic},
		Authority: "c",
	})
	assert.ErrorIs(t, err, ErrPendingChange)
}

func TestResolve_Approve(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Stage(Change{
		Entry:     Entry{Path: "p", Admitted: true, RequiredTier: tiers.TierPrivileged},
		Authority: "b",
	}))
	require.NoError(t, idx.Resolve("p", true))

	assert.False(t, idx.Ambiguous("p"))
	e, ok := idx.Lookup("p")
	require.True(t, ok)
	assert.Equal(t, tiers.TierPrivileged, e.RequiredTier)
}

func TestResolve_Discard(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Stage(Change{
		Entry:     Entry{Path: "p", Admitted: true, RequiredTier: tiers.TierPrivileged},
		Authority: "b",
	}))
	require.NoError(t, idx.Resolve("p", false))

	assert.False(t, idx.Ambiguous("p"))
	_, ok := idx.Lookup("p")
	assert.False(t, ok, "discarded change must not commit")

	assert.ErrorIs(t, idx.Resolve("p", true), ErrNoPendingChange)
}

func TestConcurrentReadersDuringWrites(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Apply(Change{
		Entry:     Entry{Path: "stable", Admitted: true, RequiredTier: tiers.TierBasic},
		Authority: "a",
	}))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Readers: the stable entry must never appear torn or missing.
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				e, ok := idx.Lookup("stable")
				if !ok || !e.Admitted || e.RequiredTier != tiers.TierBasic {
					t.Error("reader observed torn index state")
					return
				}
			}
		}()
	}

	// Writer churns other paths.
	for n := 0; n < 200; n++ {
		require.NoError(t, idx.Apply(Change{
			Entry:     Entry{Path: "churn", Admitted: n%2 == 0, RequiredTier: tiers.TierBasic},
			Authority: "a",
		}))
	}
	close(stop)
	wg.Wait()
}

func TestWithClock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	idx := New().WithClock(func() time.Time { return fixed })
	require.NoError(t, idx.Apply(Change{
		Entry:     Entry{Path: "p", Admitted: true, RequiredTier: tiers.TierBasic},
		Authority: "a",
	}))
	e, _ := idx.Lookup("p")
	assert.Equal(t, fixed, e.UpdatedAt)
}
