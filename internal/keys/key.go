package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/zeebo/blake3"
)

const (
	// RoutingKeySize is the size of the routing key used to address blocks.
	RoutingKeySize = 32

	// CryptoKeySize is the size of the symmetric key that decrypts a block.
	CryptoKeySize = 32
)

// ErrInvalidKey is returned when a key string cannot be parsed.
var ErrInvalidKey = errors.New("invalid key")

// Kind distinguishes content hash keys from signed subspace keys.
type Kind uint8

const (
	// KindCHK addresses a block by the hash of its encrypted content.
	KindCHK Kind = iota + 1

	// KindSSK addresses a block by a public key and a document name.
	KindSSK
)

// String returns the URI scheme of the kind.
func (k Kind) String() string {
	switch k {
	case KindCHK:
		return "CHK"
	case KindSSK:
		return "SSK"
	default:
		return "unknown"
	}
}

// RoutingKey is the content-derived identifier used by stores and peers.
type RoutingKey [RoutingKeySize]byte

// String returns the base58 form of the routing key.
func (r RoutingKey) String() string {
	return base58.Encode(r[:])
}

// Short returns the first characters of the base58 form, for logging.
func (r RoutingKey) Short() string {
	s := r.String()
	if len(s) > 10 {
		return s[:10]
	}

	return s
}

// ClientKey identifies a block and carries what is needed to decrypt it.
// ClientKey values are immutable and compare with ==.
type ClientKey struct {
	kind    Kind                // kind selects CHK or SSK semantics
	routing RoutingKey          // routing is the store/network address
	crypto  [CryptoKeySize]byte // crypto decrypts the block payload
	pubKey  [PublicKeySize]byte // pubKey is the SSK owner's BLS key
	site    string              // site is the SSK document name without edition
	edition int64               // edition is >= 0 for updatable keys, -1 otherwise
}

// NewCHK builds a content hash key.
func NewCHK(routing RoutingKey, crypto [CryptoKeySize]byte) ClientKey {
	return ClientKey{
		kind:    KindCHK,
		routing: routing,
		crypto:  crypto,
		edition: -1,
	}
}

// NewSSK builds a signed subspace key. An edition >= 0 makes it updatable.
func NewSSK(pubKey []byte, crypto [CryptoKeySize]byte, site string, edition int64) (ClientKey, error) {
	if len(pubKey) != PublicKeySize {
		return ClientKey{}, fmt.Errorf("%w: public key size %d, want %d", ErrInvalidKey, len(pubKey), PublicKeySize)
	}

	if site == "" || strings.Contains(site, "/") {
		return ClientKey{}, fmt.Errorf("%w: bad document name %q", ErrInvalidKey, site)
	}

	if edition < -1 {
		edition = -1
	}

	k := ClientKey{
		kind:    KindSSK,
		crypto:  crypto,
		site:    site,
		edition: edition,
	}
	copy(k.pubKey[:], pubKey)
	k.routing = SSKRoutingKey(pubKey, k.DocName())

	return k, nil
}

// SSKRoutingKey derives the routing key of a signed subspace document.
func SSKRoutingKey(pubKey []byte, docName string) RoutingKey {
	pubHash := blake3.Sum256(pubKey)
	docHash := blake3.Sum256([]byte(docName))

	h := blake3.New()
	h.Write(pubHash[:])
	h.Write(docHash[:])

	var r RoutingKey
	h.Sum(r[:0])

	return r
}

// Kind returns the key kind.
func (k ClientKey) Kind() Kind { return k.kind }

// RoutingKey returns the address of the block.
func (k ClientKey) RoutingKey() RoutingKey { return k.routing }

// CryptoKey returns the symmetric decryption key.
func (k ClientKey) CryptoKey() [CryptoKeySize]byte { return k.crypto }

// PublicKey returns the owner's public key (SSK only).
func (k ClientKey) PublicKey() []byte {
	if k.kind != KindSSK {
		return nil
	}

	return k.pubKey[:]
}

// PublicKeyHash returns blake3 of the owner's public key (SSK only).
func (k ClientKey) PublicKeyHash() [32]byte {
	if k.kind != KindSSK {
		return [32]byte{}
	}

	return blake3.Sum256(k.pubKey[:])
}

// Site returns the document name without the edition suffix.
func (k ClientKey) Site() string { return k.site }

// Edition returns the edition number, or -1 if the key is not updatable.
func (k ClientKey) Edition() int64 { return k.edition }

// IsUpdatable reports whether the key belongs to an edition series.
func (k ClientKey) IsUpdatable() bool { return k.kind == KindSSK && k.edition >= 0 }

// DocName returns the full document name the routing key is derived from.
func (k ClientKey) DocName() string {
	if k.edition >= 0 {
		return k.site + "-" + strconv.FormatInt(k.edition, 10)
	}

	return k.site
}

// WithEdition returns the same updatable series at another edition.
func (k ClientKey) WithEdition(edition int64) ClientKey {
	if k.kind != KindSSK {
		return k
	}

	next, _ := NewSSK(k.pubKey[:], k.crypto, k.site, edition)
	return next
}

// Nonce returns the AEAD nonce used for this key's payload.
// CHK crypto keys are unique per plaintext so a zero nonce is used.
func (k ClientKey) Nonce(size int) []byte {
	nonce := make([]byte, size)
	if k.kind == KindSSK {
		copy(nonce, k.routing[:])
	}

	return nonce
}

// String returns the URI form of the key.
//
//	CHK@<routing>,<crypto>
//	SSK@<pubkey>,<crypto>/<doc>
//	USK@<pubkey>,<crypto>/<site>/<edition>
func (k ClientKey) String() string {
	switch k.kind {
	case KindCHK:
		return "CHK@" + base58.Encode(k.routing[:]) + "," + base58.Encode(k.crypto[:])
	case KindSSK:
		prefix := base58.Encode(k.pubKey[:]) + "," + base58.Encode(k.crypto[:]) + "/" + k.site
		if k.edition >= 0 {
			return "USK@" + prefix + "/" + strconv.FormatInt(k.edition, 10)
		}
		return "SSK@" + prefix
	default:
		return "invalid"
	}
}

// Parse parses the URI form produced by String.
func Parse(s string) (ClientKey, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok {
		return ClientKey{}, fmt.Errorf("%w: missing scheme in %q", ErrInvalidKey, s)
	}

	switch scheme {
	case "CHK":
		return parseCHK(rest)
	case "SSK", "USK":
		return parseSSK(rest, scheme == "USK")
	default:
		return ClientKey{}, fmt.Errorf("%w: unknown scheme %q", ErrInvalidKey, scheme)
	}
}

// parseCHK parses "<routing>,<crypto>".
func parseCHK(rest string) (ClientKey, error) {
	routingText, cryptoText, ok := strings.Cut(rest, ",")
	if !ok {
		return ClientKey{}, fmt.Errorf("%w: CHK needs routing and crypto parts", ErrInvalidKey)
	}

	var routing RoutingKey
	if err := decodeFixed(routingText, routing[:]); err != nil {
		return ClientKey{}, fmt.Errorf("routing key:\n%w", err)
	}

	var crypto [CryptoKeySize]byte
	if err := decodeFixed(cryptoText, crypto[:]); err != nil {
		return ClientKey{}, fmt.Errorf("crypto key:\n%w", err)
	}

	return NewCHK(routing, crypto), nil
}

// parseSSK parses "<pubkey>,<crypto>/<doc>" or "<pubkey>,<crypto>/<site>/<edition>".
func parseSSK(rest string, updatable bool) (ClientKey, error) {
	keyPart, path, ok := strings.Cut(rest, "/")
	if !ok {
		return ClientKey{}, fmt.Errorf("%w: missing document name", ErrInvalidKey)
	}

	pubText, cryptoText, ok := strings.Cut(keyPart, ",")
	if !ok {
		return ClientKey{}, fmt.Errorf("%w: SSK needs public key and crypto parts", ErrInvalidKey)
	}

	pub := base58.Decode(pubText)
	if len(pub) != PublicKeySize {
		return ClientKey{}, fmt.Errorf("%w: public key size %d", ErrInvalidKey, len(pub))
	}

	var crypto [CryptoKeySize]byte
	if err := decodeFixed(cryptoText, crypto[:]); err != nil {
		return ClientKey{}, fmt.Errorf("crypto key:\n%w", err)
	}

	edition := int64(-1)
	site := path

	if updatable {
		s, editionText, ok := strings.Cut(path, "/")
		if !ok {
			return ClientKey{}, fmt.Errorf("%w: USK needs an edition", ErrInvalidKey)
		}

		n, err := strconv.ParseInt(editionText, 10, 64)
		if err != nil || n < 0 {
			return ClientKey{}, fmt.Errorf("%w: bad edition %q", ErrInvalidKey, editionText)
		}

		site, edition = s, n
	}

	return NewSSK(pub, crypto, site, edition)
}

// decodeFixed decodes base58 text into dst, requiring an exact length.
func decodeFixed(text string, dst []byte) error {
	raw := base58.Decode(text)
	if len(raw) != len(dst) {
		return fmt.Errorf("%w: decoded %d bytes, want %d", ErrInvalidKey, len(raw), len(dst))
	}

	copy(dst, raw)
	return nil
}
