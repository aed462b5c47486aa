// Package tiers defines permission tiers for Castellan.
// A tier is derived from which provisioned public key validated an
// artifact signature; index entries declare the minimum tier they require.
package tiers

// Tier identifies a permission tier.
type Tier string

const (
	// TierNone is the zero tier. Rejected artifacts carry it.
	TierNone Tier = "none"
	// TierBasic grants access to entries with no elevated requirement.
	TierBasic Tier = "basic"
	// TierPrivileged grants access to all entries, including those
	// reserved for governed index mutations.
	TierPrivileged Tier = "privileged"
)

// rank orders tiers for comparison. Higher rank satisfies lower requirements.
var rank = map[Tier]int{
	TierNone:       0,
	TierBasic:      1,
	TierPrivileged: 2,
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := rank[t]
	return ok
}

// Satisfies reports whether t meets or exceeds the required tier.
// Unknown tiers never satisfy anything.
func (t Tier) Satisfies(required Tier) bool {
	tr, ok := rank[t]
	if !ok {
		return false
	}
	rr, ok := rank[required]
	if !ok {
		return false
	}
	return tr >= rr
}

// Max returns the higher of two tiers.
func Max(a, b Tier) Tier {
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// All lists every valid tier in ascending order.
func All() []Tier {
	return []Tier{TierNone, TierBasic, TierPrivileged}
}
