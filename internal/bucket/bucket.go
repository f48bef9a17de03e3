// Package bucket holds decoded block output until its consumer releases it.
package bucket

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	// ErrInsufficientDiskSpace is returned when a bucket cannot be allocated
	// without dropping below the configured free-space floor.
	ErrInsufficientDiskSpace = errors.New("insufficient disk space")

	// ErrFreed is returned when a freed bucket is used.
	ErrFreed = errors.New("bucket freed")
)

// Bucket is a write-once, read-many byte container.
// The owner must call Free exactly when the data is no longer needed.
type Bucket interface {
	io.Writer

	// Size returns the number of bytes written so far.
	Size() int64

	// Reader opens a reader over the full contents.
	Reader() (io.ReadCloser, error)

	// Bytes returns a copy of the full contents.
	Bytes() ([]byte, error)

	// Free releases the backing storage. Further use returns ErrFreed.
	Free() error
}

// Factory allocates buckets for decoded output.
type Factory interface {
	// MakeBucket returns an empty bucket able to hold about size bytes.
	MakeBucket(size int64) (Bucket, error)
}

// ArrayBucket keeps its contents in memory.
type ArrayBucket struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	freed bool
}

// NewArrayBucket creates an empty in-memory bucket.
func NewArrayBucket(sizeHint int64) *ArrayBucket {
	b := &ArrayBucket{}
	if sizeHint > 0 {
		b.buf.Grow(int(sizeHint))
	}

	return b
}

// Write appends p to the bucket.
func (b *ArrayBucket) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return 0, ErrFreed
	}

	return b.buf.Write(p)
}

// Size returns the number of bytes held.
func (b *ArrayBucket) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return int64(b.buf.Len())
}

// Reader opens a reader over a snapshot of the contents.
func (b *ArrayBucket) Reader() (io.ReadCloser, error) {
	data, err := b.Bytes()
	if err != nil {
		return nil, err
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// Bytes returns a copy of the contents.
func (b *ArrayBucket) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return nil, ErrFreed
	}

	return bytes.Clone(b.buf.Bytes()), nil
}

// Free drops the contents.
func (b *ArrayBucket) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.freed = true
	b.buf = bytes.Buffer{}

	return nil
}

// Freed reports whether Free has been called.
func (b *ArrayBucket) Freed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.freed
}

// FileBucket keeps its contents in a temporary file.
type FileBucket struct {
	mu    sync.Mutex
	file  *os.File
	size  int64
	freed bool
}

// NewFileBucket creates an empty bucket backed by a new temp file in dir.
func NewFileBucket(dir string) (*FileBucket, error) {
	f, err := os.CreateTemp(dir, "keyhold-bucket-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file:\n%w", err)
	}

	return &FileBucket{file: f}, nil
}

// Path returns the backing file path.
func (b *FileBucket) Path() string {
	return b.file.Name()
}

// Write appends p to the backing file.
func (b *FileBucket) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return 0, ErrFreed
	}

	n, err := b.file.Write(p)
	b.size += int64(n)

	return n, err
}

// Size returns the number of bytes written.
func (b *FileBucket) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.size
}

// Reader opens an independent reader over the file.
func (b *FileBucket) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return nil, ErrFreed
	}

	if err := b.file.Sync(); err != nil {
		return nil, fmt.Errorf("sync bucket:\n%w", err)
	}

	return os.Open(b.file.Name())
}

// Bytes reads the whole file.
func (b *FileBucket) Bytes() ([]byte, error) {
	r, err := b.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

// Free closes and removes the backing file.
func (b *FileBucket) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return nil
	}

	b.freed = true
	closeErr := b.file.Close()

	if err := os.Remove(b.file.Name()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove bucket file:\n%w", err)
	}

	return closeErr
}

// Memory is a Factory that only allocates in-memory buckets.
type Memory struct{}

// MakeBucket returns a new ArrayBucket.
func (Memory) MakeBucket(size int64) (Bucket, error) {
	return NewArrayBucket(size), nil
}
