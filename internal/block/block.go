// Package block defines raw key blocks and converts them to and from plaintext.
package block

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/zeebo/blake3"

	"Keyhold/internal/keys"
	"Keyhold/internal/types"
)

const (
	// HeaderSize is the size of the fixed block header.
	HeaderSize = 8

	// MaxPayloadSize is the largest encrypted payload a single block carries.
	MaxPayloadSize = 32 << 10 // 32 KB

	// formatVersion is the current header version.
	formatVersion = 1

	// flagMetadata marks blocks whose plaintext is metadata, not data.
	flagMetadata = 1 << 0
)

var (
	// ErrMalformed is returned when a block's structure is invalid.
	ErrMalformed = errors.New("malformed block")

	// ErrKeyMismatch is returned when a block does not belong to the requested key.
	ErrKeyMismatch = errors.New("block does not match requested key")

	// ErrBadSignature is returned when an SSK block's signature does not verify.
	ErrBadSignature = errors.New("bad block signature")
)

// Block is a raw, still-encrypted block as stored and transferred.
type Block struct {
	Header    []byte // Header is the fixed-size block header
	Data      []byte // Data is the encrypted payload
	PublicKey []byte // PublicKey is the SSK owner's key (SSK only)
	DocHash   []byte // DocHash is blake3 of the SSK document name (SSK only)
	Signature []byte // Signature covers routing key, header and data (SSK only)
}

// header is the parsed form of Block.Header.
type header struct {
	version  byte
	kind     keys.Kind
	codec    Codec
	flags    byte
	plainLen uint32
}

// encodeHeader serializes h.
// Format: [version][kind][codec][flags][4 bytes big-endian plaintext length]
func encodeHeader(h header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.version
	buf[1] = byte(h.kind)
	buf[2] = byte(h.codec)
	buf[3] = h.flags
	binary.BigEndian.PutUint32(buf[4:], h.plainLen)

	return buf
}

// parseHeader validates and parses a raw header.
func parseHeader(raw []byte) (header, error) {
	if len(raw) != HeaderSize {
		return header{}, fmt.Errorf("%w: header size %d", ErrMalformed, len(raw))
	}

	h := header{
		version:  raw[0],
		kind:     keys.Kind(raw[1]),
		codec:    Codec(raw[2]),
		flags:    raw[3],
		plainLen: binary.BigEndian.Uint32(raw[4:]),
	}

	if h.version != formatVersion {
		return header{}, fmt.Errorf("%w: version %d", ErrMalformed, h.version)
	}

	if h.kind != keys.KindCHK && h.kind != keys.KindSSK {
		return header{}, fmt.Errorf("%w: kind %d", ErrMalformed, h.kind)
	}

	if !h.codec.valid() {
		return header{}, fmt.Errorf("%w: codec %d", ErrMalformed, h.codec)
	}

	return h, nil
}

// Kind returns the key kind recorded in the header, or 0 if the header is malformed.
func (b *Block) Kind() keys.Kind {
	h, err := parseHeader(b.Header)
	if err != nil {
		return 0
	}

	return h.kind
}

// IsMetadata reports whether the plaintext is metadata rather than data.
func (b *Block) IsMetadata() bool {
	h, err := parseHeader(b.Header)
	return err == nil && h.flags&flagMetadata != 0
}

// RoutingKey derives the address the block is stored under.
func (b *Block) RoutingKey() (keys.RoutingKey, error) {
	h, err := parseHeader(b.Header)
	if err != nil {
		return keys.RoutingKey{}, err
	}

	switch h.kind {
	case keys.KindCHK:
		hasher := blake3.New()
		hasher.Write(b.Header)
		hasher.Write(b.Data)

		var r keys.RoutingKey
		hasher.Sum(r[:0])

		return r, nil
	default:
		if len(b.PublicKey) != keys.PublicKeySize || len(b.DocHash) != 32 {
			return keys.RoutingKey{}, fmt.Errorf("%w: missing SSK fields", ErrMalformed)
		}

		pubHash := blake3.Sum256(b.PublicKey)

		hasher := blake3.New()
		hasher.Write(pubHash[:])
		hasher.Write(b.DocHash)

		var r keys.RoutingKey
		hasher.Sum(r[:0])

		return r, nil
	}
}

// Verify checks that the block is stored under expected and, for SSK blocks,
// that the owner's signature holds.
func (b *Block) Verify(expected keys.RoutingKey) error {
	routing, err := b.RoutingKey()
	if err != nil {
		return err
	}

	if routing != expected {
		return fmt.Errorf("%w: got %s, want %s", ErrKeyMismatch, routing.Short(), expected.Short())
	}

	if b.Kind() == keys.KindSSK {
		digest := signedDigest(routing, b.Header, b.Data)
		if !keys.Verify(b.PublicKey, b.Signature, digest) {
			return ErrBadSignature
		}
	}

	return nil
}

// Equal reports whether two blocks are byte-identical.
func (b *Block) Equal(o *Block) bool {
	return bytes.Equal(b.Header, o.Header) &&
		bytes.Equal(b.Data, o.Data) &&
		bytes.Equal(b.PublicKey, o.PublicKey) &&
		bytes.Equal(b.DocHash, o.DocHash) &&
		bytes.Equal(b.Signature, o.Signature)
}

// signedDigest is the message an SSK owner signs.
func signedDigest(routing keys.RoutingKey, header, data []byte) []byte {
	return keys.Digest(routing[:], header, data)
}

// Marshal serializes the block as a FlatBuffers KeyBlock.
func Marshal(b *Block) []byte {
	builder := flatbuffers.NewBuilder(len(b.Data) + 256)
	offset := BuildKeyBlock(builder, b)
	builder.Finish(offset)

	return builder.FinishedBytes()
}

// BuildKeyBlock writes b into builder and returns its table offset.
func BuildKeyBlock(builder *flatbuffers.Builder, b *Block) flatbuffers.UOffsetT {
	headerOffset := builder.CreateByteVector(b.Header)
	dataOffset := builder.CreateByteVector(b.Data)

	var pubOffset, docOffset, sigOffset flatbuffers.UOffsetT
	if len(b.PublicKey) > 0 {
		pubOffset = builder.CreateByteVector(b.PublicKey)
	}
	if len(b.DocHash) > 0 {
		docOffset = builder.CreateByteVector(b.DocHash)
	}
	if len(b.Signature) > 0 {
		sigOffset = builder.CreateByteVector(b.Signature)
	}

	types.KeyBlockStart(builder)
	types.KeyBlockAddHeader(builder, headerOffset)
	types.KeyBlockAddData(builder, dataOffset)
	if pubOffset != 0 {
		types.KeyBlockAddPublicKey(builder, pubOffset)
	}
	if docOffset != 0 {
		types.KeyBlockAddDocHash(builder, docOffset)
	}
	if sigOffset != 0 {
		types.KeyBlockAddSignature(builder, sigOffset)
	}

	return types.KeyBlockEnd(builder)
}

// Unmarshal parses a FlatBuffers KeyBlock.
func Unmarshal(data []byte) (b *Block, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	return FromTable(types.GetRootAsKeyBlock(data, 0)), nil
}

// FromTable copies a KeyBlock table into a Block.
func FromTable(t *types.KeyBlock) *Block {
	return &Block{
		Header:    bytes.Clone(t.HeaderBytes()),
		Data:      bytes.Clone(t.DataBytes()),
		PublicKey: bytes.Clone(t.PublicKeyBytes()),
		DocHash:   bytes.Clone(t.DocHashBytes()),
		Signature: bytes.Clone(t.SignatureBytes()),
	}
}
