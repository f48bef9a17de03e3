package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"Keyhold/internal/keys"
)

// ErrPayloadTooLarge is returned when data does not fit in a single block.
var ErrPayloadTooLarge = errors.New("payload does not fit in a single block")

// maxContentTypeLen bounds the content-type hint stored in a block.
const maxContentTypeLen = 255

// Options controls how plaintext is packed into a block.
type Options struct {
	Codec       Codec  // Codec compresses the plaintext
	Metadata    bool   // Metadata marks the plaintext as metadata
	ContentType string // ContentType is an optional MIME hint
}

// EncodeCHK packs data into a content hash key block.
// The crypto key is derived from the plaintext, so equal inputs yield equal keys.
func EncodeCHK(data []byte, opts Options) (*Block, keys.ClientKey, error) {
	h, payload, err := pack(keys.KindCHK, data, opts)
	if err != nil {
		return nil, keys.ClientKey{}, err
	}

	hdr := encodeHeader(h)

	var crypto [keys.CryptoKeySize]byte
	hasher := blake3.New()
	hasher.Write(hdr)
	hasher.Write(payload)
	hasher.Sum(crypto[:0])

	provisional := keys.NewCHK(keys.RoutingKey{}, crypto)

	ciphertext, err := seal(crypto, provisional.Nonce(chacha20poly1305.NonceSize), hdr, payload)
	if err != nil {
		return nil, keys.ClientKey{}, err
	}

	b := &Block{Header: hdr, Data: ciphertext}

	routing, err := b.RoutingKey()
	if err != nil {
		return nil, keys.ClientKey{}, err
	}

	return b, keys.NewCHK(routing, crypto), nil
}

// EncodeSSK packs data into a block of the owner's subspace under site/edition.
func EncodeSSK(
	owner *keys.KeyPair,
	crypto [keys.CryptoKeySize]byte,
	site string,
	edition int64,
	data []byte,
	opts Options,
) (*Block, keys.ClientKey, error) {
	key, err := keys.NewSSK(owner.PublicKey(), crypto, site, edition)
	if err != nil {
		return nil, keys.ClientKey{}, err
	}

	h, payload, err := pack(keys.KindSSK, data, opts)
	if err != nil {
		return nil, keys.ClientKey{}, err
	}

	hdr := encodeHeader(h)

	ciphertext, err := seal(crypto, key.Nonce(chacha20poly1305.NonceSize), hdr, payload)
	if err != nil {
		return nil, keys.ClientKey{}, err
	}

	docHash := blake3.Sum256([]byte(key.DocName()))
	routing := key.RoutingKey()

	b := &Block{
		Header:    hdr,
		Data:      ciphertext,
		PublicKey: owner.PublicKey(),
		DocHash:   docHash[:],
		Signature: owner.Sign(signedDigest(routing, hdr, ciphertext)),
	}

	return b, key, nil
}

// pack builds the header and the plaintext payload.
// Payload format: [uvarint content-type length][content-type][compressed data]
func pack(kind keys.Kind, data []byte, opts Options) (header, []byte, error) {
	if !opts.Codec.valid() {
		return header{}, nil, fmt.Errorf("unknown codec %d", opts.Codec)
	}

	if len(opts.ContentType) > maxContentTypeLen {
		return header{}, nil, fmt.Errorf("content type longer than %d bytes", maxContentTypeLen)
	}

	if uint64(len(data)) > math.MaxUint32 {
		return header{}, nil, ErrPayloadTooLarge
	}

	body, err := compress(opts.Codec, data)
	if err != nil {
		return header{}, nil, fmt.Errorf("compress:\n%w", err)
	}

	payload := binary.AppendUvarint(nil, uint64(len(opts.ContentType)))
	payload = append(payload, opts.ContentType...)
	payload = append(payload, body...)

	if len(payload)+chacha20poly1305.Overhead > MaxPayloadSize {
		return header{}, nil, fmt.Errorf("%w: %d bytes after %s", ErrPayloadTooLarge, len(payload), opts.Codec)
	}

	h := header{
		version:  formatVersion,
		kind:     kind,
		codec:    opts.Codec,
		plainLen: uint32(len(data)),
	}
	if opts.Metadata {
		h.flags |= flagMetadata
	}

	return h, payload, nil
}

// seal encrypts payload, authenticating the header.
func seal(crypto [keys.CryptoKeySize]byte, nonce, hdr, payload []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(crypto[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher:\n%w", err)
	}

	return aead.Seal(nil, nonce, payload, hdr), nil
}
