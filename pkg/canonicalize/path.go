// Package canonicalize validates declared artifact paths and produces
// canonical manifest bytes for signing.
//
// Canonicalization is purely lexical. The artifact is untrusted and has
// not been admitted, so nothing here ever touches a real filesystem:
// paths resolve against the declared root by segment arithmetic alone.
package canonicalize

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/castellan-io/castellan/pkg/contracts"
)

// CanonicalPath is a normalized, root-relative path. Invariants: no "."
// or ".." segments, no absolute or drive/UNC prefix, never the root
// itself, never outside the root.
type CanonicalPath string

func (p CanonicalPath) String() string { return string(p) }

// Path canonicalizes one raw declared path against the artifact root.
// It fails with contracts.ErrPathTraversal for anything that would land
// outside the root, and with contracts.ErrCorruptArtifact for paths too
// malformed to interpret at all.
func Path(raw string) (CanonicalPath, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty path", contracts.ErrCorruptArtifact)
	}
	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("%w: path contains NUL byte", contracts.ErrCorruptArtifact)
	}

	// NFC first: visually identical paths must canonicalize identically,
	// or duplicate detection can be bypassed.
	s := norm.NFC.String(raw)

	// Manifests may arrive with Windows separators. Normalize before any
	// prefix checks so `..\..` is caught the same way as `../..`.
	s = strings.ReplaceAll(s, "\\", "/")

	if isAbsolute(s) {
		return "", fmt.Errorf("%w: absolute path %q", contracts.ErrPathTraversal, raw)
	}

	resolved, err := resolveSegments(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q escapes root", contracts.ErrPathTraversal, raw)
	}
	if len(resolved) == 0 {
		// "." or "a/.." collapse to the root; no entry may be the root.
		return "", fmt.Errorf("%w: %q resolves to the root itself", contracts.ErrPathTraversal, raw)
	}

	return CanonicalPath(strings.Join(resolved, "/")), nil
}

// LinkTarget canonicalizes a symbolic-link target declared for link,
// resolving it lexically relative to the link's directory. Absolute
// targets and targets escaping the root are rejected.
func LinkTarget(link CanonicalPath, target string) (CanonicalPath, error) {
	if target == "" {
		return "", fmt.Errorf("%w: empty link target for %q", contracts.ErrCorruptArtifact, link)
	}

	t := norm.NFC.String(target)
	t = strings.ReplaceAll(t, "\\", "/")

	if isAbsolute(t) {
		return "", fmt.Errorf("%w: absolute link target %q", contracts.ErrPathTraversal, target)
	}

	// Resolve relative to the link's parent directory.
	parent := ""
	if i := strings.LastIndex(string(link), "/"); i >= 0 {
		parent = string(link)[:i]
	}
	joined := t
	if parent != "" {
		joined = parent + "/" + t
	}

	resolved, err := resolveSegments(joined)
	if err != nil {
		return "", fmt.Errorf("%w: link %q target %q escapes root", contracts.ErrPathTraversal, link, target)
	}
	if len(resolved) == 0 {
		return "", fmt.Errorf("%w: link %q target %q resolves to the root itself", contracts.ErrPathTraversal, link, target)
	}

	return CanonicalPath(strings.Join(resolved, "/")), nil
}

// isAbsolute detects rooted paths, drive-letter prefixes, and UNC-style
// prefixes. Input has already been separator-normalized to "/".
func isAbsolute(s string) bool {
	if strings.HasPrefix(s, "/") {
		return true
	}
	// Drive letter: "C:" anywhere at the start, with or without separator.
	if len(s) >= 2 && s[1] == ':' {
		c := s[0]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			return true
		}
	}
	return false
}

// resolveSegments applies "." and ".." lexically. It errors the moment
// the depth would go negative: even a path that later dips back under the
// root ("../root/x") has observed the outside world.
func resolveSegments(s string) ([]string, error) {
	var out []string
	for _, seg := range strings.Split(s, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return nil, fmt.Errorf("escapes root")
			}
			out = out[:len(out)-1]
		default:
			out = append(out, seg)
		}
	}
	return out, nil
}

// Entries canonicalizes every entry of a manifest in declared order.
// It returns the canonical paths aligned with the manifest entries, or
// the first error hit: traversal, corrupt path, escaping link target, or
// a duplicate canonical path (an ambiguous manifest).
func Entries(m *contracts.Manifest) ([]CanonicalPath, error) {
	seen := make(map[CanonicalPath]int, len(m.Entries))
	paths := make([]CanonicalPath, 0, len(m.Entries))

	for i, e := range m.Entries {
		cp, err := Path(e.Path)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if prev, dup := seen[cp]; dup {
			return nil, fmt.Errorf("%w: entries %d and %d both canonicalize to %q",
				contracts.ErrCorruptArtifact, prev, i, cp)
		}
		seen[cp] = i

		if e.LinkTarget != "" {
			if _, err := LinkTarget(cp, e.LinkTarget); err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
		}

		paths = append(paths, cp)
	}
	return paths, nil
}
