package bucket

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"
)

const (
	// defaultMemoryThreshold is the largest bucket kept in memory.
	defaultMemoryThreshold = 64 << 10 // 64 KB

	// defaultMinFreeBytes is the free-space floor for file buckets.
	defaultMinFreeBytes = 256 << 20 // 256 MB
)

// Config configures a DiskFactory.
type Config struct {
	Dir             string // Dir holds file buckets (os.TempDir if empty)
	MemoryThreshold int64  // MemoryThreshold is the largest size kept in memory
	MinFreeBytes    uint64 // MinFreeBytes must remain free after allocation
}

// DiskFactory allocates small buckets in memory and large ones on disk,
// refusing allocations that would eat into the free-space floor.
type DiskFactory struct {
	dir             string
	memoryThreshold int64
	minFreeBytes    uint64
	freeBytes       func(path string) (uint64, error)
}

// NewDiskFactory creates a factory writing file buckets into cfg.Dir.
func NewDiskFactory(cfg Config) (*DiskFactory, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = os.TempDir()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket dir:\n%w", err)
	}

	threshold := cfg.MemoryThreshold
	if threshold == 0 {
		threshold = defaultMemoryThreshold
	}

	minFree := cfg.MinFreeBytes
	if minFree == 0 {
		minFree = defaultMinFreeBytes
	}

	return &DiskFactory{
		dir:             dir,
		memoryThreshold: threshold,
		minFreeBytes:    minFree,
		freeBytes:       diskFree,
	}, nil
}

// MakeBucket allocates a bucket for size bytes.
func (f *DiskFactory) MakeBucket(size int64) (Bucket, error) {
	if size >= 0 && size <= f.memoryThreshold {
		return NewArrayBucket(size), nil
	}

	free, err := f.freeBytes(f.dir)
	if err != nil {
		return nil, fmt.Errorf("query free space:\n%w", err)
	}

	if free < f.minFreeBytes || free-f.minFreeBytes < uint64(size) {
		return nil, fmt.Errorf("%w: %d bytes free, need %d above %d floor",
			ErrInsufficientDiskSpace, free, size, f.minFreeBytes)
	}

	return NewFileBucket(f.dir)
}

// diskFree returns the bytes available on the filesystem holding path.
func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}

	return usage.Free, nil
}
