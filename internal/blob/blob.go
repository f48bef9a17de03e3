// Package blob mirrors raw blocks into a portable binary blob and loads
// them back. A blob is a zstd stream of CBOR records, one per block.
package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"Keyhold/internal/block"
	"Keyhold/internal/keys"
	"Keyhold/internal/logger"
)

const (
	// version is written in every record.
	version = 1

	// defaultQueue is the capture queue length.
	defaultQueue = 256
)

// ErrCorrupt is returned for records that do not decode or verify.
var ErrCorrupt = errors.New("corrupt blob record")

// record is one block in the stream.
type record struct {
	_       struct{} `cbor:",toarray"`
	Version uint8
	Routing []byte
	Block   []byte
}

// Writer appends blocks to a blob. Capture never blocks: blocks are
// queued and written by a background goroutine, and dropped when the
// queue is full. Each routing key is written once.
type Writer struct {
	zw     *zstd.Encoder
	enc    *cbor.Encoder
	closer io.Closer

	queue chan *block.Block
	done  chan struct{}

	mu      sync.Mutex
	seen    map[keys.RoutingKey]struct{}
	closed  bool
	err     error
	written atomic.Int64
	dropped atomic.Int64
}

// NewWriter starts a writer on w.
func NewWriter(w io.Writer) (*Writer, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder:\n%w", err)
	}

	bw := &Writer{
		zw:    zw,
		enc:   cbor.NewEncoder(zw),
		queue: make(chan *block.Block, defaultQueue),
		done:  make(chan struct{}),
		seen:  make(map[keys.RoutingKey]struct{}),
	}

	go bw.run()

	return bw, nil
}

// Create opens a new blob file at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create blob file:\n%w", err)
	}

	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f

	return w, nil
}

// Capture queues b for writing. It matches the fetch.Hooks Capture signature.
func (w *Writer) Capture(b *block.Block) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	select {
	case w.queue <- b:
	default:
		w.dropped.Add(1)
	}
}

// Written returns the number of records written.
func (w *Writer) Written() int64 { return w.written.Load() }

// Dropped returns the number of blocks dropped because the queue was full.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Close writes queued blocks, finishes the stream and closes the
// underlying file if the writer opened it.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done

	err := w.err
	if cerr := w.zw.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("finish zstd stream:\n%w", cerr)
	}

	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}

	return err
}

// run writes queued blocks until the queue is closed.
func (w *Writer) run() {
	defer close(w.done)

	for b := range w.queue {
		if err := w.write(b); err != nil && w.err == nil {
			w.err = err
			logger.Warn("blob write failed", "error", err)
		}
	}
}

// write appends one record unless its routing key was already written.
func (w *Writer) write(b *block.Block) error {
	if w.err != nil {
		return nil
	}

	routing, err := b.RoutingKey()
	if err != nil {
		return nil
	}

	if _, ok := w.seen[routing]; ok {
		return nil
	}
	w.seen[routing] = struct{}{}

	rec := record{Version: version, Routing: routing[:], Block: block.Marshal(b)}
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode record:\n%w", err)
	}

	w.written.Add(1)

	return nil
}

// Reader iterates the blocks of a blob.
type Reader struct {
	zr  *zstd.Decoder
	dec *cbor.Decoder
}

// NewReader opens a blob stream.
func NewReader(r io.Reader) (*Reader, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder:\n%w", err)
	}

	return &Reader{zr: zr, dec: cbor.NewDecoder(zr)}, nil
}

// Next returns the next verified block, or io.EOF at the end of the blob.
func (r *Reader) Next() (*block.Block, error) {
	var rec record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if rec.Version != version {
		return nil, fmt.Errorf("%w: version %d", ErrCorrupt, rec.Version)
	}

	if len(rec.Routing) != keys.RoutingKeySize {
		return nil, fmt.Errorf("%w: routing key of %d bytes", ErrCorrupt, len(rec.Routing))
	}

	b, err := block.Unmarshal(rec.Block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var routing keys.RoutingKey
	copy(routing[:], rec.Routing)

	if err := b.Verify(routing); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return b, nil
}

// Close releases the decoder.
func (r *Reader) Close() {
	r.zr.Close()
}

// importBatch is the number of blocks written per store batch.
const importBatch = 64

// BatchPutter stores blocks in atomic batches.
type BatchPutter interface {
	PutBatch(blocks []*block.Block) error
}

// Import loads every block of the blob in r into store and returns how
// many were stored. Blocks before a read error are kept.
func Import(r io.Reader, store BatchPutter) (int, error) {
	br, err := NewReader(r)
	if err != nil {
		return 0, err
	}
	defer br.Close()

	n := 0
	pending := make([]*block.Block, 0, importBatch)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := store.PutBatch(pending); err != nil {
			return fmt.Errorf("store blocks %d-%d:\n%w", n, n+len(pending)-1, err)
		}
		n += len(pending)
		pending = pending[:0]
		return nil
	}

	for {
		b, err := br.Next()
		if errors.Is(err, io.EOF) {
			return n, flush()
		}
		if err != nil {
			if ferr := flush(); ferr != nil {
				return n, ferr
			}
			return n, fmt.Errorf("read block %d:\n%w", n, err)
		}

		pending = append(pending, b)
		if len(pending) == importBatch {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
}
