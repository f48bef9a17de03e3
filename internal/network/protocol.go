package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// maxFrameSize bounds a single request or response. A block response
	// carries at most one block plus its envelope.
	maxFrameSize = 1 << 20 // 1 MB

	// framePrefixSize is the size of the length prefix in bytes.
	framePrefixSize = 4
)

// ErrFrameTooLarge is returned for frames above maxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// writeFrame writes a length-prefixed frame.
// Format: [4 bytes big-endian length][payload]
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), maxFrameSize)
	}

	buf := make([]byte, framePrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[framePrefixSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame:\n%w", err)
	}

	return nil
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [framePrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read frame length:\n%w", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxFrameSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload:\n%w", err)
	}

	return payload, nil
}
