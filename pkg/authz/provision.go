package authz

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/castellan-io/castellan/pkg/tiers"
)

// ProvisionedIdentity holds the private halves of a freshly provisioned
// dual-key identity. Production deployments keep only the public record;
// the private keys live with the signer.
type ProvisionedIdentity struct {
	Record           KeyPairRecord
	PrimaryPrivate   ed25519.PrivateKey
	SecondaryPrivate ed25519.PrivateKey
}

// Provision generates a dual-key identity: two independent Ed25519 key
// pairs bound to the given tiers.
func Provision(signerID string, primary, secondary tiers.Tier) (*ProvisionedIdentity, error) {
	pub1, priv1, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("authz: primary key generation: %w", err)
	}
	pub2, priv2, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("authz: secondary key generation: %w", err)
	}

	id := &ProvisionedIdentity{
		Record: KeyPairRecord{
			SignerID:      signerID,
			PrimaryKey:    hex.EncodeToString(pub1),
			SecondaryKey:  hex.EncodeToString(pub2),
			PrimaryTier:   primary,
			SecondaryTier: secondary,
		},
		PrimaryPrivate:   priv1,
		SecondaryPrivate: priv2,
	}
	if err := id.Record.validate(); err != nil {
		return nil, err
	}
	return id, nil
}

// SignPrimary signs message with the primary private key, hex-encoded.
func (p *ProvisionedIdentity) SignPrimary(message []byte) string {
	return hex.EncodeToString(ed25519.Sign(p.PrimaryPrivate, message))
}

// SignSecondary signs message with the secondary private key.
func (p *ProvisionedIdentity) SignSecondary(message []byte) string {
	return hex.EncodeToString(ed25519.Sign(p.SecondaryPrivate, message))
}

// DeriveTokenKey derives the HMAC key used for participant tokens from a
// master secret via HKDF-SHA256. Deriving instead of reusing the secret
// keeps token signing isolated from any other use of the master material.
func DeriveTokenKey(masterSecret []byte, realm string) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("authz: master secret must not be empty")
	}
	if realm == "" {
		return nil, fmt.Errorf("authz: realm must not be empty")
	}
	r := hkdf.New(sha256.New, masterSecret, nil, []byte("castellan-token/"+realm))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("authz: hkdf expand: %w", err)
	}
	return key, nil
}
