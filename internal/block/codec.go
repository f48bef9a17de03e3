package block

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"
)

// Codec selects how a block's plaintext is compressed before encryption.
type Codec uint8

const (
	// CodecNone stores plaintext uncompressed.
	CodecNone Codec = iota

	// CodecZstd compresses with zstd.
	CodecZstd

	// CodecLZMA compresses with LZMA.
	CodecLZMA
)

// errLimitExceeded is returned by limitWriter once the limit is passed.
var errLimitExceeded = errors.New("output limit exceeded")

// valid reports whether c is a known codec.
func (c Codec) valid() bool {
	return c <= CodecLZMA
}

// String returns the codec name.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZMA:
		return "lzma"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps a codec name to a Codec. The empty string is CodecNone.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lzma":
		return CodecLZMA, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", name)
	}
}

// compress encodes data with the codec.
func compress(c Codec, data []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return bytes.Clone(data), nil
	case CodecZstd:
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return nil, fmt.Errorf("create encoder:\n%w", err)
		}
		defer encoder.Close()

		return encoder.EncodeAll(data, nil), nil
	case CodecLZMA:
		var buf bytes.Buffer

		w, err := lzma.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("create lzma writer:\n%w", err)
		}

		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lzma write:\n%w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lzma close:\n%w", err)
		}

		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown codec %d", c)
	}
}

// decompress streams the decoded form of data into w, failing with
// errLimitExceeded as soon as more than limit bytes are produced.
func decompress(c Codec, data []byte, w io.Writer, limit int64) error {
	out := &limitWriter{w: w, remaining: limit}

	switch c {
	case CodecNone:
		_, err := out.Write(data)
		return err
	case CodecZstd:
		decoder, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create decoder:\n%w", err)
		}
		defer decoder.Close()

		_, err = io.Copy(out, decoder)
		return err
	case CodecLZMA:
		r, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create lzma reader:\n%w", err)
		}

		_, err = io.Copy(out, r)
		return err
	default:
		return fmt.Errorf("unknown codec %d", c)
	}
}

// limitWriter forwards writes until remaining is exhausted.
type limitWriter struct {
	w         io.Writer
	remaining int64
}

// Write forwards p or fails if it would cross the limit.
func (l *limitWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.remaining {
		return 0, errLimitExceeded
	}

	n, err := l.w.Write(p)
	l.remaining -= int64(n)

	return n, err
}
