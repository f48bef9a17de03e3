package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Keyhold/internal/api"
	"Keyhold/internal/blob"
	"Keyhold/internal/block"
	"Keyhold/internal/bucket"
	"Keyhold/internal/fetch"
	"Keyhold/internal/keys"
	"Keyhold/internal/logger"
	"Keyhold/internal/metrics"
	"Keyhold/internal/network"
	"Keyhold/internal/storage"
	"Keyhold/internal/transport"
	"Keyhold/internal/usk"
)

const (
	// ownerSeedFile holds the generated subspace seed inside the data directory.
	ownerSeedFile = "owner.seed"

	// sskCryptoDomain derives per-site SSK crypto keys from the owner key.
	sskCryptoDomain = "keyhold/ssk-crypto/v1"
)

// Node represents a running Keyhold node.
type Node struct {
	cfg        *Config
	storage    *storage.Storage
	blocks     *storage.BlockStore
	buckets    bucket.Factory
	owner      *keys.KeyPair
	registry   *prometheus.Registry
	metrics    *metrics.Collector
	network    *network.Node
	dispatcher *transport.Dispatcher
	tracker    *usk.Tracker
	capture    *blob.Writer // capture is nil unless blob capture is configured
	api        *api.Server
	closeOnce  sync.Once
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	steps := []func() error{
		n.initStorage,
		n.initImport,
		n.initOwner,
		n.initBuckets,
		n.initMetrics,
		n.initNetwork,
		n.initDispatcher,
		n.initTracker,
		n.initCapture,
		n.initAPI,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			n.Close()
			return nil, err
		}
	}

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.Node.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.Node.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db
	n.blocks = storage.NewBlockStore(db)

	return nil
}

// initImport loads the configured blob files into the block store.
func (n *Node) initImport() error {
	for _, path := range n.cfg.Blob.ImportPaths {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open blob %s:\n%w", path, err)
		}

		count, err := blob.Import(f, n.blocks)
		f.Close()
		if err != nil {
			return fmt.Errorf("import blob %s after %d blocks:\n%w", path, count, err)
		}

		logger.Info("blob imported", "path", path, "blocks", count)
	}

	return nil
}

// initOwner loads the subspace key from the configured seed or the seed
// file in the data directory, generating the file on first start.
func (n *Node) initOwner() error {
	seed, err := n.loadOwnerSeed()
	if err != nil {
		return err
	}

	owner, err := keys.KeyPairFromSeed(seed)
	if err != nil {
		return fmt.Errorf("derive owner key:\n%w", err)
	}

	n.owner = owner

	return nil
}

// loadOwnerSeed returns the configured seed, or reads/creates the seed file.
func (n *Node) loadOwnerSeed() ([]byte, error) {
	if n.cfg.Node.OwnerSeed != "" {
		seed, err := hex.DecodeString(n.cfg.Node.OwnerSeed)
		if err != nil {
			return nil, fmt.Errorf("decode owner seed:\n%w", err)
		}
		return seed, nil
	}

	path := filepath.Join(n.cfg.Node.DataPath, ownerSeedFile)

	seed, err := os.ReadFile(path)
	if err == nil {
		return seed, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read owner seed:\n%w", err)
	}

	seed = make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate owner seed:\n%w", err)
	}

	if err := os.WriteFile(path, seed, 0600); err != nil {
		return nil, fmt.Errorf("save owner seed to %s:\n%w", path, err)
	}

	return seed, nil
}

// initBuckets creates the decode output factory.
func (n *Node) initBuckets() error {
	dir := n.cfg.Buckets.TempDir
	if dir == "" {
		dir = filepath.Join(n.cfg.Node.DataPath, "tmp")
	}

	factory, err := bucket.NewDiskFactory(bucket.Config{
		Dir:             dir,
		MemoryThreshold: n.cfg.Buckets.MemoryThreshold,
		MinFreeBytes:    n.cfg.Buckets.MinFreeBytes,
	})
	if err != nil {
		return fmt.Errorf("init buckets:\n%w", err)
	}

	n.buckets = factory

	return nil
}

// initMetrics creates the Prometheus registry and collectors.
func (n *Node) initMetrics() error {
	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.metrics = metrics.New(n.registry)

	return nil
}

// initNetwork initializes the P2P network node.
func (n *Node) initNetwork() error {
	node, err := network.NewNode(network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.Node.QUICAddress,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	return nil
}

// initDispatcher creates the block lookup dispatcher.
func (n *Node) initDispatcher() error {
	t := n.cfg.Transport

	n.dispatcher = transport.New(n.blocks, n.peers, n.metrics, transport.Config{
		Workers:        t.Workers,
		QueueSize:      t.QueueSize,
		RequestTimeout: t.RequestTimeout,
		MaxPeers:       t.MaxPeers,
		FailureTTL:     t.FailureTTL,
	})

	return nil
}

// initTracker loads the updatable key tracker.
func (n *Node) initTracker() error {
	tracker, err := usk.New(n.storage)
	if err != nil {
		return fmt.Errorf("init edition tracker:\n%w", err)
	}

	tracker.OnAdvance(func(e usk.Edition) {
		logger.Info("new edition",
			"owner", hex.EncodeToString(e.PublicKey[:8]),
			"site", e.Site,
			"edition", e.Edition,
			"source", e.Source,
		)
	})

	n.tracker = tracker

	return nil
}

// initCapture opens the blob capture file if one is configured.
func (n *Node) initCapture() error {
	if n.cfg.Blob.CapturePath == "" {
		return nil
	}

	w, err := blob.Create(n.cfg.Blob.CapturePath)
	if err != nil {
		return fmt.Errorf("init blob capture:\n%w", err)
	}

	n.capture = w

	return nil
}

// initAPI creates the HTTP API server.
func (n *Node) initAPI() error {
	handler := promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{})
	n.api = api.New(n.cfg.Node.HTTPAddress, n, n, n.tracker, n, handler, n.cfg.Fetch.Timeout)

	return nil
}

// Run starts every component and blocks until a shutdown signal arrives.
func (n *Node) Run() error {
	n.setupRequestHandlers()

	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	n.dispatcher.Start()

	for _, addr := range n.cfg.Node.Peers {
		go n.connectToPeer(addr)
	}

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return n.waitForShutdown()
}

// env returns the collaborators shared by every fetch.
func (n *Node) env() fetch.Env {
	env := fetch.Env{
		Transport: n.dispatcher,
		Buckets:   n.buckets,
		Metrics:   n.metrics,
		Hooks:     fetch.Hooks{Observe: n.tracker.Observe},
	}

	if n.capture != nil {
		env.Hooks.Capture = n.capture.Capture
	}

	return env
}

// Fetch implements api.Fetcher.
func (n *Node) Fetch(ctx context.Context, key keys.ClientKey, opts api.FetchOptions) (*fetch.Result, error) {
	cfg := fetch.Config{
		MaxOutputSize: n.cfg.Fetch.MaxOutputSize,
		MaxRetries:    n.cfg.Fetch.MaxRetries,
		LocalOnly:     n.cfg.Fetch.LocalOnly || opts.LocalOnly,
	}

	if opts.MaxOutputSize > 0 && opts.MaxOutputSize < cfg.MaxOutputSize {
		cfg.MaxOutputSize = opts.MaxOutputSize
	}

	if opts.MaxRetries != nil {
		cfg.MaxRetries = *opts.MaxRetries
	}

	if opts.AllowMetadata {
		cfg.DataPolicy = fetch.AcceptAny{}
	}

	return fetch.Get(ctx, key, cfg, n.env())
}

// InsertCHK implements api.Inserter.
func (n *Node) InsertCHK(data []byte, opts block.Options) (keys.ClientKey, error) {
	b, key, err := block.EncodeCHK(data, opts)
	if err != nil {
		return keys.ClientKey{}, err
	}

	if _, err := n.blocks.Put(b); err != nil {
		return keys.ClientKey{}, fmt.Errorf("store block:\n%w", err)
	}

	return key, nil
}

// InsertSSK implements api.Inserter. Documents are signed with the node's
// owner key. An edition >= 0 inserts into an updatable series and records
// a signed claim for it.
func (n *Node) InsertSSK(doc string, edition int64, data []byte, opts block.Options) (keys.ClientKey, error) {
	b, key, err := block.EncodeSSK(n.owner, n.sskCrypto(doc), doc, edition, data, opts)
	if err != nil {
		return keys.ClientKey{}, err
	}

	if _, err := n.blocks.Put(b); err != nil {
		return keys.ClientKey{}, fmt.Errorf("store block:\n%w", err)
	}

	if key.IsUpdatable() {
		if _, err := n.tracker.AcceptClaim(usk.NewClaim(n.owner, doc, edition)); err != nil {
			return keys.ClientKey{}, fmt.Errorf("record edition claim:\n%w", err)
		}
	}

	return key, nil
}

// sskCrypto derives the crypto key of one of the owner's sites. BLS
// signatures are deterministic, so the key is stable across editions and
// restarts and only the owner can compute it.
func (n *Node) sskCrypto(site string) [keys.CryptoKeySize]byte {
	sig := n.owner.Sign(keys.Digest([]byte(sskCryptoDomain), []byte(site)))

	var crypto [keys.CryptoKeySize]byte
	copy(crypto[:], keys.Digest(sig))

	return crypto
}

// Status implements api.StatusProvider.
func (n *Node) Status() api.Status {
	count, err := n.blocks.Count()
	if err != nil {
		logger.Warn("count blocks", "error", err)
	}

	s := api.Status{
		Node:           n.network.ID(),
		Owner:          base58.Encode(n.owner.PublicKey()),
		Blocks:         count,
		Peers:          n.network.PeerCount(),
		PendingLookups: n.dispatcher.Pending(),
		RecentlyFailed: n.dispatcher.Failures().Len(),
		Editions:       n.tracker.Count(),
	}

	if n.capture != nil {
		s.CapturedBlocks = n.capture.Written()
		s.CaptureDropped = n.capture.Dropped()
	}

	return s
}

// waitForShutdown blocks until SIGINT or SIGTERM and closes the node.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully. Later calls do nothing.
func (n *Node) Close() error {
	n.closeOnce.Do(n.close)

	return nil
}

// close releases every component in reverse start order.
func (n *Node) close() {
	if n.api != nil {
		n.api.Stop()
	}

	if n.dispatcher != nil {
		n.dispatcher.Close()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.capture != nil {
		if err := n.capture.Close(); err != nil {
			logger.Warn("close blob capture", "error", err)
		}
	}

	if n.storage != nil {
		n.storage.Close()
	}
}
