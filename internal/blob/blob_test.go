package blob

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/goleak"

	"Keyhold/internal/block"
	"Keyhold/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testBlocks encodes n distinct CHK blocks.
func testBlocks(t *testing.T, n int) []*block.Block {
	t.Helper()

	out := make([]*block.Block, n)
	for i := range out {
		b, _, err := block.EncodeCHK([]byte(fmt.Sprintf("block %d", i)), block.Options{Codec: block.CodecZstd})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		out[i] = b
	}

	return out
}

// readAll reads every block of a blob.
func readAll(t *testing.T, data []byte) []*block.Block {
	t.Helper()

	r, err := NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	var out []*block.Block
	for {
		b, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, b)
	}
}

// memStore records stored blocks.
type memStore struct {
	blocks []*block.Block
}

func (m *memStore) PutBatch(blocks []*block.Block) error {
	m.blocks = append(m.blocks, blocks...)
	return nil
}

// =============================================================================
// Writer / Reader
// =============================================================================

func TestRoundTrip(t *testing.T) {
	blocks := testBlocks(t, 5)

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	for _, b := range blocks {
		w.Capture(b)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := readAll(t, buf.Bytes())
	if len(got) != len(blocks) {
		t.Fatalf("read %d blocks, want %d", len(got), len(blocks))
	}

	for i := range got {
		if !got[i].Equal(blocks[i]) {
			t.Errorf("block %d differs", i)
		}
	}
}

func TestDuplicatesWrittenOnce(t *testing.T) {
	b := testBlocks(t, 1)[0]

	var buf bytes.Buffer
	w, _ := NewWriter(&buf)
	w.Capture(b)
	w.Capture(b)
	w.Close()

	if w.Written() != 1 {
		t.Errorf("written = %d", w.Written())
	}

	if got := readAll(t, buf.Bytes()); len(got) != 1 {
		t.Errorf("read %d blocks", len(got))
	}
}

func TestCaptureAfterClose(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf)
	w.Close()

	w.Capture(testBlocks(t, 1)[0])

	if err := w.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	if w.Written() != 0 {
		t.Error("block written after close")
	}
}

func TestEmptyBlob(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf)
	w.Close()

	if got := readAll(t, buf.Bytes()); len(got) != 0 {
		t.Errorf("read %d blocks from empty blob", len(got))
	}
}

func TestCorruptRecord(t *testing.T) {
	b := testBlocks(t, 1)[0]
	b.Data = append([]byte(nil), b.Data...)
	b.Data[0] ^= 0xFF

	// Write a record whose block no longer matches its routing key.
	var buf bytes.Buffer
	w, _ := NewWriter(&buf)
	routing, _ := testBlocks(t, 1)[0].RoutingKey()
	w.enc.Encode(record{Version: version, Routing: routing[:], Block: block.Marshal(b)})
	w.Close()

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	if _, err := r.Next(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("next: %v, want ErrCorrupt", err)
	}
}

// =============================================================================
// Import
// =============================================================================

func TestImportIntoBlockStore(t *testing.T) {
	blocks := testBlocks(t, 3)
	path := filepath.Join(t.TempDir(), "capture.blob")

	w, err := Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, b := range blocks {
		w.Capture(b)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer db.Close()
	store := storage.NewBlockStore(db)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}

	n, err := Import(bytes.NewReader(data), store)
	if err != nil || n != 3 {
		t.Fatalf("import = %d, %v", n, err)
	}

	for _, b := range blocks {
		routing, _ := b.RoutingKey()
		if ok, _ := store.Has(routing); !ok {
			t.Errorf("block %s missing after import", routing.Short())
		}
	}
}

func TestImportTruncated(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf)
	for _, b := range testBlocks(t, 4) {
		w.Capture(b)
	}
	w.Close()

	data := buf.Bytes()[:buf.Len()/2]
	store := &memStore{}

	if _, err := Import(bytes.NewReader(data), store); err == nil {
		t.Error("truncated blob imported without error")
	}
}
