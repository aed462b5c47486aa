//go:build property
// +build property

package canonicalize

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestPathNeverEscapesRoot verifies the containment property: for any
// sequence of segments drawn from "..", ".", separators, and names, the
// canonicalizer either fails or produces a path strictly inside the root.
func TestPathNeverEscapesRoot(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	segment := gen.OneConstOf("..", ".", "", "a", "b", "etc", "passwd", "c:", "\\x", "deep/nested")

	properties.Property("canonical path stays inside root", prop.ForAll(
		func(segs []string) bool {
			raw := strings.Join(segs, "/")
			cp, err := Path(raw)
			if err != nil {
				return true // rejection is always safe
			}
			s := cp.String()
			if s == "" || strings.HasPrefix(s, "/") {
				return false
			}
			// No residual dot segments and depth never negative.
			depth := 0
			for _, seg := range strings.Split(s, "/") {
				if seg == ".." || seg == "." || seg == "" {
					return false
				}
				depth++
			}
			return depth > 0
		},
		gen.SliceOf(segment),
	))

	properties.Property("canonicalization is idempotent", prop.ForAll(
		func(segs []string) bool {
			raw := strings.Join(segs, "/")
			cp, err := Path(raw)
			if err != nil {
				return true
			}
			again, err := Path(cp.String())
			return err == nil && again == cp
		},
		gen.SliceOf(segment),
	))

	properties.TestingRun(t)
}
