package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/castellan-io/castellan/pkg/ledger"
	"github.com/castellan-io/castellan/pkg/payload"
)

var (
	// ErrInvalidRange is returned when the requested sequence range is
	// inverted or empty.
	ErrInvalidRange = errors.New("audit: export range is empty or inverted")

	// ErrLogNotConfigured is returned when export is invoked without a
	// governance log.
	ErrLogNotConfigured = errors.New("audit: governance log not configured (fail-closed)")

	// ErrChainBroken is returned when the log fails chain verification;
	// a pack is never generated from a tampered log.
	ErrChainBroken = errors.New("audit: governance log chain verification failed")
)

// ExportRequest names the governance log range to export, inclusive.
// A zero To means "through the current head".
type ExportRequest struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// EvidencePack describes a generated export.
type EvidencePack struct {
	GeneratedAt time.Time `json:"generated_at"`
	From        uint64    `json:"from"`
	To          uint64    `json:"to"`
	EntryCount  int       `json:"entry_count"`
	ChainHead   string    `json:"chain_head"`
	Checksum    string    `json:"checksum"`

	// StoredAs is the payload-store fingerprint when the pack was
	// uploaded, empty otherwise.
	StoredAs string `json:"stored_as,omitempty"`
}

// Exporter builds evidence packs from the governance log.
type Exporter struct {
	log   *ledger.Log
	store payload.Store // optional upload target
	clock func() time.Time
}

// NewExporter creates an exporter over the governance log. The store is
// optional; without it packs are returned to the caller only.
func NewExporter(log *ledger.Log, store payload.Store) *Exporter {
	return &Exporter{log: log, store: store, clock: time.Now}
}

// GeneratePack zips the requested log range with a manifest and returns
// the archive plus its description. The chain is verified first; a
// broken chain aborts the export.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, *EvidencePack, error) {
	if e.log == nil {
		return nil, nil, ErrLogNotConfigured
	}
	if req.From == 0 {
		req.From = 1
	}
	if req.To == 0 {
		req.To = uint64(e.log.Length())
	}
	if req.To < req.From {
		return nil, nil, ErrInvalidRange
	}

	if ok, detail := e.log.Verify(); !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrChainBroken, detail)
	}

	entries := e.log.Range(req.From, req.To)
	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("audit: marshal entries: %w", err)
	}

	pack := &EvidencePack{
		GeneratedAt: e.clock(),
		From:        req.From,
		To:          req.To,
		EntryCount:  len(entries),
		ChainHead:   e.log.Head(),
	}
	manifestJSON, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("entries.json")
	if err != nil {
		return nil, nil, fmt.Errorf("audit: zip entries: %w", err)
	}
	_, _ = f.Write(entriesJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, nil, fmt.Errorf("audit: zip manifest: %w", err)
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, nil, fmt.Errorf("audit: zip readme: %w", err)
	}
	_, _ = fmt.Fprintf(f, "Governance log evidence pack\nEntries %d-%d\nGenerated at %s\n",
		req.From, req.To, pack.GeneratedAt.Format(time.RFC3339))

	if err := w.Close(); err != nil {
		return nil, nil, fmt.Errorf("audit: close zip: %w", err)
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	pack.Checksum = hex.EncodeToString(sum[:])

	if e.store != nil {
		fingerprint, err := e.store.Put(ctx, zipBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("audit: store pack: %w", err)
		}
		pack.StoredAs = fingerprint
	}

	return zipBytes, pack, nil
}
