package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/pkg/index"
	"github.com/castellan-io/castellan/pkg/tiers"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine()
	require.NoError(t, err)
	require.NoError(t, e.Load("default", DefaultContestPredicate))
	return e
}

func TestContested_DefaultPredicate(t *testing.T) {
	e := newEngine(t)

	plain := index.Change{
		Entry:     index.Entry{Path: "lib/x", Admitted: true, RequiredTier: tiers.TierBasic},
		Authority: "root-authority",
	}
	assert.False(t, e.Contested("default", plain, false))

	removal := plain
	removal.Remove = true
	assert.True(t, e.Contested("default", removal, true))

	escalation := plain
	escalation.Entry.RequiredTier = tiers.TierPrivileged
	assert.True(t, e.Contested("default", escalation, false))

	outsider := plain
	outsider.Authority = "tenant-42"
	assert.True(t, e.Contested("default", outsider, false))
}

func TestContested_FailClosed(t *testing.T) {
	e := newEngine(t)

	c := index.Change{
		Entry:     index.Entry{Path: "p", Admitted: true, RequiredTier: tiers.TierBasic},
		Authority: "root-authority",
	}

	// Unknown policy id contests the change.
	assert.True(t, e.Contested("missing", c, false))

	// A predicate that does not produce a bool contests the change.
	require.NoError(t, e.Load("weird", `path`))
	assert.True(t, e.Contested("weird", c, false))
}

func TestLoad_CompileError(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)
	assert.Error(t, e.Load("bad", `not valid (`))
}

func TestDefinitions(t *testing.T) {
	e := newEngine(t)
	defs := e.Definitions()
	assert.Equal(t, DefaultContestPredicate, defs["default"])
}
