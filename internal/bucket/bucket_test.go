package bucket

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"
)

// TestArrayBucket tests write, read and free on the memory bucket.
func TestArrayBucket(t *testing.T) {
	b := NewArrayBucket(4)

	if _, err := b.Write([]byte("hello ")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := b.Write([]byte("world")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if b.Size() != 11 {
		t.Errorf("size = %d, want 11", b.Size())
	}

	got, err := b.Bytes()
	if err != nil || string(got) != "hello world" {
		t.Fatalf("bytes = %q, %v", got, err)
	}

	r, err := b.Reader()
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	data, _ := io.ReadAll(r)
	r.Close()

	if string(data) != "hello world" {
		t.Errorf("reader returned %q", data)
	}

	if err := b.Free(); err != nil {
		t.Fatalf("free: %v", err)
	}

	if !b.Freed() {
		t.Error("Freed() = false after Free")
	}

	if _, err := b.Bytes(); !errors.Is(err, ErrFreed) {
		t.Errorf("bytes after free: %v, want ErrFreed", err)
	}

	if _, err := b.Write([]byte("x")); !errors.Is(err, ErrFreed) {
		t.Errorf("write after free: %v, want ErrFreed", err)
	}
}

// TestFileBucket tests that file buckets persist data and clean up on Free.
func TestFileBucket(t *testing.T) {
	b, err := NewFileBucket(t.TempDir())
	if err != nil {
		t.Fatalf("new file bucket: %v", err)
	}

	payload := bytes.Repeat([]byte{0xAB}, 100_000)
	if _, err := b.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := b.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Error("file bucket contents differ")
	}

	path := b.Path()
	if err := b.Free(); err != nil {
		t.Fatalf("free: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("bucket file still exists: %v", err)
	}

	if err := b.Free(); err != nil {
		t.Errorf("second free: %v", err)
	}
}

// TestDiskFactorySmallInMemory tests that small sizes avoid the disk.
func TestDiskFactorySmallInMemory(t *testing.T) {
	f, err := NewDiskFactory(Config{Dir: t.TempDir(), MemoryThreshold: 1024})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	f.freeBytes = func(string) (uint64, error) {
		t.Fatal("free space queried for in-memory bucket")
		return 0, nil
	}

	b, err := f.MakeBucket(512)
	if err != nil {
		t.Fatalf("make bucket: %v", err)
	}

	if _, ok := b.(*ArrayBucket); !ok {
		t.Errorf("got %T, want *ArrayBucket", b)
	}
}

// TestDiskFactoryInsufficientSpace tests the free-space floor.
func TestDiskFactoryInsufficientSpace(t *testing.T) {
	f, err := NewDiskFactory(Config{
		Dir:             t.TempDir(),
		MemoryThreshold: 10,
		MinFreeBytes:    1000,
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	f.freeBytes = func(string) (uint64, error) { return 1500, nil }

	if _, err := f.MakeBucket(600); !errors.Is(err, ErrInsufficientDiskSpace) {
		t.Errorf("make 600: %v, want ErrInsufficientDiskSpace", err)
	}

	f.freeBytes = func(string) (uint64, error) { return 500, nil }

	if _, err := f.MakeBucket(20); !errors.Is(err, ErrInsufficientDiskSpace) {
		t.Errorf("make below floor: %v, want ErrInsufficientDiskSpace", err)
	}

	f.freeBytes = func(string) (uint64, error) { return 5000, nil }

	b, err := f.MakeBucket(600)
	if err != nil {
		t.Fatalf("make 600 with room: %v", err)
	}
	defer b.Free()

	if _, ok := b.(*FileBucket); !ok {
		t.Errorf("got %T, want *FileBucket", b)
	}
}

// TestDiskFactoryRealUsage tests the gopsutil query against the temp dir.
func TestDiskFactoryRealUsage(t *testing.T) {
	dir := t.TempDir()

	free, err := diskFree(dir)
	if err != nil {
		t.Fatalf("disk free: %v", err)
	}

	if free == 0 {
		t.Skip("filesystem reports no free space")
	}
}
