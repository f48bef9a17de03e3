package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"Keyhold/internal/api"
	"Keyhold/internal/block"
	"Keyhold/internal/config"
	"Keyhold/internal/fetcherr"
	"Keyhold/internal/network"
)

// startTestNode creates a node on ephemeral ports and starts its network
// and dispatcher without the HTTP API. Options adjust the configuration.
func startTestNode(t *testing.T, opts ...func(*config.Config)) *Node {
	t.Helper()

	priv, err := network.LoadOrCreateIdentity("")
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	base := config.Default()
	base.Node.DataPath = t.TempDir()
	base.Node.HTTPAddress = "127.0.0.1:0"
	base.Node.QUICAddress = "127.0.0.1:0"
	base.Fetch.MaxRetries = 0
	base.Transport.RequestTimeout = 2 * time.Second
	for _, o := range opts {
		o(&base)
	}

	n, err := NewNode(&Config{Config: base, PrivateKey: priv})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	n.setupRequestHandlers()
	if err := n.network.Start(); err != nil {
		n.Close()
		t.Fatalf("start network: %v", err)
	}
	n.dispatcher.Start()

	t.Cleanup(func() { n.Close() })

	return n
}

// connect dials b from a and waits for both sides to see the link.
func connect(t *testing.T, a, b *Node) {
	t.Helper()

	if _, err := a.network.Connect(b.network.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for a.network.PeerCount() == 0 || b.network.PeerCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("peers never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInsertAndFetchLocal(t *testing.T) {
	n := startTestNode(t)

	key, err := n.InsertCHK([]byte("local data"), block.Options{Codec: block.CodecZstd})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	res, err := n.Fetch(context.Background(), key, api.FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer res.Free()

	data, _ := res.Data.Bytes()
	if string(data) != "local data" || !res.FromStore {
		t.Errorf("result = %q fromStore=%v", data, res.FromStore)
	}

	if s := n.Status(); s.Blocks != 1 {
		t.Errorf("status blocks = %d", s.Blocks)
	}
}

func TestFetchFromPeer(t *testing.T) {
	holder := startTestNode(t)
	asker := startTestNode(t)
	connect(t, asker, holder)

	key, err := holder.InsertCHK([]byte("remote data"), block.Options{})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := asker.Fetch(ctx, key, api.FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer res.Free()

	data, _ := res.Data.Bytes()
	if string(data) != "remote data" || res.FromStore {
		t.Errorf("result = %q fromStore=%v", data, res.FromStore)
	}

	if ok, _ := asker.blocks.Has(key.RoutingKey()); !ok {
		t.Error("fetched block not cached locally")
	}
}

func TestFetchMissingEverywhere(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	connect(t, a, b)

	key, err := b.InsertCHK([]byte("only on b"), block.Options{})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	b.blocks.Delete(key.RoutingKey())

	_, err = a.Fetch(context.Background(), key, api.FetchOptions{})
	if fetcherr.ModeOf(err) != fetcherr.DataNotFound {
		t.Fatalf("err = %v, want DATA_NOT_FOUND", err)
	}

	if a.Status().RecentlyFailed != 1 {
		t.Error("miss not remembered")
	}
}

func TestUpdatableInsert(t *testing.T) {
	n := startTestNode(t)

	for ed := int64(0); ed < 3; ed++ {
		if _, err := n.InsertSSK("blog", ed, []byte{byte('a' + ed)}, block.Options{}); err != nil {
			t.Fatalf("insert edition %d: %v", ed, err)
		}
	}

	first, err := n.InsertSSK("blog", 0, []byte{'a'}, block.Options{})
	if err != nil {
		t.Fatalf("reinsert: %v", err)
	}

	latest := n.tracker.LatestKey(first)
	if latest.Edition() != 2 {
		t.Fatalf("latest edition = %d", latest.Edition())
	}

	res, err := n.Fetch(context.Background(), latest, api.FetchOptions{})
	if err != nil {
		t.Fatalf("fetch latest: %v", err)
	}
	defer res.Free()

	data, _ := res.Data.Bytes()
	if string(data) != "c" {
		t.Errorf("latest content = %q", data)
	}
}

func TestOwnerSeedPersists(t *testing.T) {
	n := startTestNode(t)
	pub := n.owner.PublicKey()

	seed, err := n.loadOwnerSeed()
	if err != nil {
		t.Fatalf("reload seed: %v", err)
	}

	n.owner = nil
	n.cfg.Node.OwnerSeed = ""
	if err := n.initOwner(); err != nil {
		t.Fatalf("init owner: %v", err)
	}

	if string(n.owner.PublicKey()) != string(pub) || len(seed) != 32 {
		t.Error("owner key changed across reload")
	}
}

func TestCaptureAndImport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.blob")

	src := startTestNode(t, func(c *config.Config) { c.Blob.CapturePath = path })

	key, err := src.InsertCHK([]byte("captured"), block.Options{})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	res, err := src.Fetch(context.Background(), key, api.FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	res.Free()

	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	dst := startTestNode(t, func(c *config.Config) { c.Blob.ImportPaths = []string{path} })

	res, err = dst.Fetch(context.Background(), key, api.FetchOptions{LocalOnly: true})
	if err != nil {
		t.Fatalf("fetch imported block: %v", err)
	}
	defer res.Free()

	data, _ := res.Data.Bytes()
	if string(data) != "captured" {
		t.Errorf("imported content = %q", data)
	}
}

func TestImportMissingFile(t *testing.T) {
	cfg := config.Default()
	cfg.Node.DataPath = t.TempDir()
	cfg.Node.QUICAddress = "127.0.0.1:0"
	cfg.Blob.ImportPaths = []string{filepath.Join(t.TempDir(), "absent.blob")}

	priv, _ := network.LoadOrCreateIdentity("")
	if _, err := NewNode(&Config{Config: cfg, PrivateKey: priv}); err == nil {
		t.Error("missing import file accepted")
	}
}
