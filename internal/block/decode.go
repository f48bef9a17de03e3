package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"Keyhold/internal/bucket"
	"Keyhold/internal/fetcherr"
	"Keyhold/internal/keys"
)

// Decoded is the plaintext recovered from a block.
type Decoded struct {
	Data        bucket.Bucket // Data holds the plaintext; the receiver must Free it
	IsMetadata  bool          // IsMetadata is true if the plaintext is metadata
	ContentType string        // ContentType is the MIME hint stored with the block
}

// Decode verifies b against key, decrypts and decompresses it into a bucket
// from buckets, refusing plaintext longer than maxLength.
//
// Errors are *fetcherr.Error values. A mismatch between block and key is
// structural (see IsStructural); every other failure may succeed on retry.
// No bucket is returned on failure.
func Decode(b *Block, key keys.ClientKey, maxLength int64, buckets bucket.Factory) (*Decoded, error) {
	h, err := parseHeader(b.Header)
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.BlockDecodeError, err)
	}

	if h.kind != key.Kind() {
		return nil, fetcherr.Wrap(fetcherr.BlockDecodeError,
			fmt.Errorf("%w: %s block for %s key", ErrKeyMismatch, h.kind, key.Kind()))
	}

	if err := b.Verify(key.RoutingKey()); err != nil {
		return nil, fetcherr.Wrap(fetcherr.BlockDecodeError, err)
	}

	if int64(h.plainLen) > maxLength {
		return nil, fetcherr.Newf(fetcherr.TooBig, "%d bytes > limit %d", h.plainLen, maxLength)
	}

	payload, err := open(key, b.Header, b.Data)
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.BlockDecodeError, err)
	}

	contentType, body, err := splitPayload(payload)
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.BlockDecodeError, err)
	}

	out, err := buckets.MakeBucket(int64(h.plainLen))
	if err != nil {
		if errors.Is(err, bucket.ErrInsufficientDiskSpace) {
			return nil, fetcherr.Wrap(fetcherr.NotEnoughDiskSpace, err)
		}
		return nil, fetcherr.Wrap(fetcherr.BucketError, err)
	}

	if err := materialize(h, body, out, maxLength); err != nil {
		out.Free()
		return nil, err
	}

	return &Decoded{
		Data:        out,
		IsMetadata:  h.flags&flagMetadata != 0,
		ContentType: contentType,
	}, nil
}

// IsStructural reports whether a decode error means the block can never
// satisfy the key, so retrying is pointless.
func IsStructural(err error) bool {
	return errors.Is(err, ErrKeyMismatch)
}

// open decrypts the payload with the key's crypto key.
func open(key keys.ClientKey, hdr, ciphertext []byte) ([]byte, error) {
	crypto := key.CryptoKey()

	aead, err := chacha20poly1305.New(crypto[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher:\n%w", err)
	}

	payload, err := aead.Open(nil, key.Nonce(aead.NonceSize()), ciphertext, hdr)
	if err != nil {
		return nil, fmt.Errorf("decrypt:\n%w", err)
	}

	return payload, nil
}

// splitPayload separates the content-type hint from the compressed body.
func splitPayload(payload []byte) (string, []byte, error) {
	n, size := binary.Uvarint(payload)
	if size <= 0 || n > maxContentTypeLen || uint64(len(payload)-size) < n {
		return "", nil, fmt.Errorf("%w: bad content type prefix", ErrMalformed)
	}

	rest := payload[size:]
	return string(rest[:n]), rest[n:], nil
}

// materialize decompresses body into out and checks the declared length.
func materialize(h header, body []byte, out bucket.Bucket, maxLength int64) error {
	w := &trackingWriter{w: out}

	err := decompress(h.codec, body, w, maxLength)
	switch {
	case errors.Is(err, errLimitExceeded):
		return fetcherr.Newf(fetcherr.TooBig, "plaintext exceeds limit %d", maxLength)
	case w.err != nil:
		return fetcherr.Wrap(fetcherr.BucketError, w.err)
	case err != nil:
		return fetcherr.Wrap(fetcherr.BlockDecodeError, err)
	}

	if out.Size() != int64(h.plainLen) {
		return fetcherr.Newf(fetcherr.BlockDecodeError,
			"decoded %d bytes, header declares %d", out.Size(), h.plainLen)
	}

	return nil
}

// trackingWriter remembers the first error returned by the bucket so that
// output I/O failures can be told apart from decompression failures.
type trackingWriter struct {
	w   io.Writer
	err error
}

// Write forwards p and records a write failure.
func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil && t.err == nil {
		t.err = err
	}

	return n, err
}
