// Package authz implements the dual-key authorization scheme.
//
// Every signer identity is provisioned with exactly two public keys, each
// bound to a permission tier. Verification tries the primary key first,
// then the secondary; the tier returned is whichever key matched. Tier
// selection is a deterministic keyed lookup, never a vote, and a single
// verification never yields both tiers.
package authz

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/castellan-io/castellan/pkg/contracts"
	"github.com/castellan-io/castellan/pkg/tiers"
)

var (
	// ErrUnknownSigner is returned when no key pair record exists for the
	// claimed signer identity.
	ErrUnknownSigner = errors.New("authz: unknown signer")
)

// KeyPairRecord binds one signer identity to two independently
// provisioned Ed25519 public keys and their tiers.
type KeyPairRecord struct {
	SignerID string `json:"signer_id"`

	// PrimaryKey and SecondaryKey are hex-encoded Ed25519 public keys.
	PrimaryKey   string `json:"primary_key"`
	SecondaryKey string `json:"secondary_key"`

	PrimaryTier   tiers.Tier `json:"primary_tier"`
	SecondaryTier tiers.Tier `json:"secondary_tier"`
}

func (r *KeyPairRecord) validate() error {
	if r.SignerID == "" {
		return fmt.Errorf("authz: record missing signer id")
	}
	for _, k := range []string{r.PrimaryKey, r.SecondaryKey} {
		raw, err := hex.DecodeString(k)
		if err != nil {
			return fmt.Errorf("authz: invalid public key hex: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return fmt.Errorf("authz: invalid public key size %d", len(raw))
		}
	}
	if !r.PrimaryTier.Valid() || !r.SecondaryTier.Valid() {
		return fmt.Errorf("authz: record %q has an unknown tier", r.SignerID)
	}
	if r.PrimaryKey == r.SecondaryKey {
		return fmt.Errorf("authz: record %q reuses one key for both tiers", r.SignerID)
	}
	return nil
}

// Verifier resolves permission tiers from manifest signatures.
type Verifier struct {
	mu      sync.RWMutex
	records map[string]KeyPairRecord
}

// NewVerifier creates an empty verifier.
func NewVerifier() *Verifier {
	return &Verifier{records: make(map[string]KeyPairRecord)}
}

// Register adds or replaces the key pair record for a signer.
func (v *Verifier) Register(r KeyPairRecord) error {
	if err := r.validate(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.records[r.SignerID] = r
	return nil
}

// Verify checks sigHex over message against the signer's two provisioned
// keys, primary first. It returns the tier bound to the matching key, or
// contracts.ErrSignatureVerification when neither key validates.
func (v *Verifier) Verify(signerID string, message []byte, sigHex string) (tiers.Tier, error) {
	v.mu.RLock()
	rec, ok := v.records[signerID]
	v.mu.RUnlock()
	if !ok {
		return tiers.TierNone, fmt.Errorf("%w: %q", ErrUnknownSigner, signerID)
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return tiers.TierNone, fmt.Errorf("%w: malformed signature", contracts.ErrSignatureVerification)
	}
	if len(sig) != ed25519.SignatureSize {
		return tiers.TierNone, fmt.Errorf("%w: signature size %d", contracts.ErrSignatureVerification, len(sig))
	}

	if verifyAgainst(rec.PrimaryKey, message, sig) {
		return rec.PrimaryTier, nil
	}
	if verifyAgainst(rec.SecondaryKey, message, sig) {
		return rec.SecondaryTier, nil
	}
	return tiers.TierNone, fmt.Errorf("%w: signer %q", contracts.ErrSignatureVerification, signerID)
}

func verifyAgainst(pubHex string, message, sig []byte) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}
