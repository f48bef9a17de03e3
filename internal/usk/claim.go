package usk

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"Keyhold/internal/keys"
)

// claimDomain separates claim digests from block signatures.
var claimDomain = []byte("keyhold/usk-claim/v1")

var (
	// ErrInvalidClaim is returned for a claim that fails validation.
	ErrInvalidClaim = errors.New("invalid edition claim")

	// ErrBadSignature is returned when a claim's signature does not verify.
	ErrBadSignature = errors.New("claim signature does not verify")
)

// Claim is an owner's signed statement that an edition of a site exists.
type Claim struct {
	_         struct{} `cbor:",toarray"`
	PublicKey []byte   // PublicKey is the owner's compressed BLS key
	Site      string   // Site is the document name without edition
	Edition   int64    // Edition is the claimed edition number
	Signature []byte   // Signature covers Digest()
}

// NewClaim signs a claim for site at edition.
func NewClaim(owner *keys.KeyPair, site string, edition int64) Claim {
	c := Claim{
		PublicKey: owner.PublicKey(),
		Site:      site,
		Edition:   edition,
	}
	c.Signature = owner.Sign(c.Digest())

	return c
}

// Digest returns the value covered by the signature.
func (c Claim) Digest() []byte {
	var ed [8]byte
	binary.BigEndian.PutUint64(ed[:], uint64(c.Edition))

	return keys.Digest(claimDomain, c.PublicKey, []byte(c.Site), ed[:])
}

// Validate checks the claim's shape and signature.
func (c Claim) Validate(verify keys.Verifier) error {
	if len(c.PublicKey) != keys.PublicKeySize {
		return fmt.Errorf("%w: public key size %d", ErrInvalidClaim, len(c.PublicKey))
	}

	if c.Site == "" {
		return fmt.Errorf("%w: empty site", ErrInvalidClaim)
	}

	if c.Edition < 0 {
		return fmt.Errorf("%w: negative edition %d", ErrInvalidClaim, c.Edition)
	}

	if !verify(c.PublicKey, c.Signature, c.Digest()) {
		return ErrBadSignature
	}

	return nil
}

// Marshal encodes the claim as CBOR.
func (c Claim) Marshal() ([]byte, error) {
	return cbor.Marshal(c)
}

// UnmarshalClaim decodes a CBOR claim.
func UnmarshalClaim(data []byte) (Claim, error) {
	var c Claim
	if err := cbor.Unmarshal(data, &c); err != nil {
		return Claim{}, fmt.Errorf("%w: %v", ErrInvalidClaim, err)
	}

	return c, nil
}
