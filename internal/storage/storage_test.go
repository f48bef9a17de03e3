package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"Keyhold/internal/block"
	"Keyhold/internal/keys"
)

// newTestStorage opens a store in a temporary directory closed at test end.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

// =============================================================================
// Key-value layer
// =============================================================================

func TestSetGetDelete(t *testing.T) {
	s := newTestStorage(t)

	if err := s.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := s.Get([]byte("k"))
	if err != nil || !bytes.Equal(got, []byte("v")) {
		t.Fatalf("get = %q, %v", got, err)
	}

	if err := s.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: %v, want ErrNotFound", err)
	}

	if ok, _ := s.Has([]byte("k")); ok {
		t.Error("Has true after delete")
	}
}

func TestIteratePrefix(t *testing.T) {
	s := newTestStorage(t)

	err := s.SetBatch([]KeyValue{
		{Key: []byte("a/1"), Value: []byte("x")},
		{Key: []byte("a/2"), Value: []byte("y")},
		{Key: []byte("b/1"), Value: []byte("z")},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	var seen []string
	err = s.IteratePrefix([]byte("a/"), func(key, _ []byte) error {
		seen = append(seen, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}

	if len(seen) != 2 || seen[0] != "a/1" || seen[1] != "a/2" {
		t.Errorf("seen = %v", seen)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte("a"), []byte("b")},
		{[]byte{0x01, 0xFF}, []byte{0x02}},
		{[]byte{0xFF, 0xFF}, nil},
		{nil, nil},
	}

	for _, tt := range tests {
		if got := prefixUpperBound(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("prefixUpperBound(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Set([]byte("durable"), []byte("yes"))
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.Get([]byte("durable"))
	if err != nil || string(got) != "yes" {
		t.Errorf("after reopen = %q, %v", got, err)
	}
}

// =============================================================================
// Block store
// =============================================================================

func TestBlockStorePutLookup(t *testing.T) {
	bs := NewBlockStore(newTestStorage(t))

	b, key, err := block.EncodeCHK([]byte("stored"), block.Options{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	routing, err := bs.Put(b)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if routing != key.RoutingKey() {
		t.Fatal("Put returned a different routing key")
	}

	got, err := bs.Lookup(routing)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	if !got.Equal(b) {
		t.Error("stored block changed")
	}

	if n, _ := bs.Count(); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestBlockStoreMissing(t *testing.T) {
	bs := NewBlockStore(newTestStorage(t))

	if _, err := bs.Lookup(keys.RoutingKey{1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestBlockStoreRejectsTampered(t *testing.T) {
	bs := NewBlockStore(newTestStorage(t))

	owner, err := keys.KeyPairFromSeed(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}

	b, _, err := block.EncodeSSK(owner, [keys.CryptoKeySize]byte{}, "doc", -1, []byte("x"), block.Options{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b.Signature[0] ^= 0xFF

	if _, err := bs.Put(b); !errors.Is(err, block.ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}

	if n, _ := bs.Count(); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestBlockStoreDelete(t *testing.T) {
	bs := NewBlockStore(newTestStorage(t))

	b, _, _ := block.EncodeCHK([]byte("gone"), block.Options{})
	routing, err := bs.Put(b)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := bs.Delete(routing); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if ok, _ := bs.Has(routing); ok {
		t.Error("block still present")
	}
}

func TestBlockStorePutBatch(t *testing.T) {
	bs := NewBlockStore(newTestStorage(t))

	var batch []*block.Block
	for i := 0; i < 3; i++ {
		b, _, err := block.EncodeCHK([]byte{byte(i), 'b'}, block.Options{})
		if err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
		batch = append(batch, b)
	}

	owner, err := keys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}

	bad, _, _ := block.EncodeSSK(owner, [keys.CryptoKeySize]byte{}, "doc", -1, []byte("x"), block.Options{})
	bad.Signature[0] ^= 0xFF

	if err := bs.PutBatch(append(batch, bad)); !errors.Is(err, block.ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}

	if n, _ := bs.Count(); n != 0 {
		t.Fatalf("rejected batch stored %d blocks", n)
	}

	if err := bs.PutBatch(batch); err != nil {
		t.Fatalf("put batch: %v", err)
	}

	if n, _ := bs.Count(); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}
