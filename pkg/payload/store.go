// Package payload stores the raw bytes of admitted artifacts,
// content-addressed by fingerprint. Nothing reaches a store before an
// Admit verdict; the vault wrapper enforces that.
package payload

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/castellan-io/castellan/pkg/canonicalize"
)

// Store is content-addressed storage for admitted payload bytes.
type Store interface {
	// Put persists data and returns its sha256-prefixed fingerprint.
	// Idempotent: storing the same bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)

	// Get retrieves data by fingerprint.
	Get(ctx context.Context, fingerprint string) ([]byte, error)

	// Exists reports whether a fingerprint is present.
	Exists(ctx context.Context, fingerprint string) (bool, error)

	// Delete removes a fingerprint. Missing fingerprints are not an
	// error.
	Delete(ctx context.Context, fingerprint string) error
}

// rawHash strips and validates the sha256: prefix.
func rawHash(fingerprint string) (string, error) {
	raw, ok := strings.CutPrefix(fingerprint, "sha256:")
	if !ok {
		return "", fmt.Errorf("payload: invalid fingerprint format: %s", fingerprint)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("payload: invalid fingerprint hex: %w", err)
	}
	return raw, nil
}

// FSStore is a filesystem-backed Store.
type FSStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFSStore creates a filesystem store rooted at baseDir.
func NewFSStore(baseDir string) (*FSStore, error) {
	//nolint:gosec // G301: 0755 is intentional for the shared payload directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("payload: ensure dir: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

func (s *FSStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fingerprint := canonicalize.Fingerprint(data)
	raw, err := rawHash(fingerprint)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.baseDir, raw+".blob")

	if _, err := os.Stat(path); err == nil {
		return fingerprint, nil
	}

	// Write to temp, then rename, so a crashed write never leaves a
	// half-written blob under the final name.
	tmp := path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable blob files
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("payload: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("payload: commit blob: %w", err)
	}
	return fingerprint, nil
}

func (s *FSStore) Get(_ context.Context, fingerprint string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHash(fingerprint)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.baseDir, raw+".blob")

	f, err := os.Open(path) //nolint:gosec // hash validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("payload: not found: %s", fingerprint)
		}
		return nil, fmt.Errorf("payload: open blob: %w", err)
	}
	defer f.Close() //nolint:errcheck // best-effort close

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("payload: read blob: %w", err)
	}
	return data, nil
}

func (s *FSStore) Exists(_ context.Context, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHash(fingerprint)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.baseDir, raw+".blob"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("payload: stat blob: %w", err)
}

func (s *FSStore) Delete(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := rawHash(fingerprint)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.baseDir, raw+".blob")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("payload: delete blob: %w", err)
	}
	return nil
}
