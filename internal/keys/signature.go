package keys

import (
	"crypto/rand"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed BLS public key in bytes.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature in bytes.
	SignatureSize = 96
)

// signatureDST is the domain separation tag for subspace signatures.
var signatureDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// Verifier checks a signature over a message digest.
type Verifier func(publicKey, signature, digest []byte) bool

// KeyPair holds the private/public key pair that owns a subspace.
type KeyPair struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// GenerateKeyPair creates a new key pair from a random seed.
func GenerateKeyPair() (*KeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return KeyPairFromSeed(ikm[:])
}

// KeyPairFromSeed creates a key pair from a deterministic seed.
// The seed must be at least 32 bytes.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &KeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Sign creates a signature over the digest.
func (k *KeyPair) Sign(digest []byte) []byte {
	sig := new(blst.P2Affine).Sign(k.secret, digest, signatureDST)
	return sig.Compress()
}

// PublicKey returns the compressed public key bytes.
func (k *KeyPair) PublicKey() []byte {
	return k.public.Compress()
}

// Verify checks a signature against a digest and public key.
func Verify(publicKey, signature, digest []byte) bool {
	if len(signature) != SignatureSize || len(publicKey) != PublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, digest, signatureDST)
}

// Digest hashes the concatenation of parts into the value that gets signed.
func Digest(parts ...[]byte) []byte {
	h := blake3.New()
	for _, p := range parts {
		h.Write(p)
	}

	return h.Sum(nil)
}
