package payload

import (
	"context"
	"errors"
	"fmt"

	"github.com/castellan-io/castellan/pkg/contracts"
)

// ErrNotAdmitted is returned when a deposit is attempted without an
// admitting verdict.
var ErrNotAdmitted = errors.New("payload: artifact was not admitted")

// Vault is the only write path into a payload store. It accepts bytes
// strictly paired with the verdict that admitted them, so a rejected
// artifact's payload can never land in storage.
type Vault struct {
	store Store
}

// NewVault wraps a store with the admission gate.
func NewVault(store Store) *Vault {
	return &Vault{store: store}
}

// Deposit stores an admitted artifact's payload. The verdict must be an
// Admit for the same artifact.
func (v *Vault) Deposit(ctx context.Context, verdict *contracts.Verdict, a *contracts.Artifact) (string, error) {
	if verdict == nil || !verdict.Admitted() {
		return "", ErrNotAdmitted
	}
	if verdict.ArtifactID != a.Manifest.ArtifactID {
		return "", fmt.Errorf("%w: verdict is for %q, payload is %q",
			ErrNotAdmitted, verdict.ArtifactID, a.Manifest.ArtifactID)
	}
	return v.store.Put(ctx, a.Payload)
}

// Retrieve fetches a stored payload by fingerprint.
func (v *Vault) Retrieve(ctx context.Context, fingerprint string) ([]byte, error) {
	return v.store.Get(ctx, fingerprint)
}

// Contains reports whether a fingerprint is stored.
func (v *Vault) Contains(ctx context.Context, fingerprint string) (bool, error) {
	return v.store.Exists(ctx, fingerprint)
}
