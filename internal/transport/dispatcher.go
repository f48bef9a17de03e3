// Package transport resolves fetcher registrations against the local block
// store and connected peers.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"Keyhold/internal/block"
	"Keyhold/internal/fetch"
	"Keyhold/internal/fetcherr"
	"Keyhold/internal/keys"
	"Keyhold/internal/logger"
	"Keyhold/internal/storage"
)

const (
	// defaultWorkers is the default number of lookup workers.
	defaultWorkers = 8

	// defaultQueueSize is the default capacity of the lookup queue.
	defaultQueueSize = 1024

	// defaultRequestTimeout bounds one peer request.
	defaultRequestTimeout = 10 * time.Second

	// defaultMaxPeers is the default number of peers asked per lookup.
	defaultMaxPeers = 4

	// overloadDelay delays an overload rejection so retries back off.
	overloadDelay = 50 * time.Millisecond
)

// Store is the local block store used by the dispatcher.
type Store interface {
	BlockSource
	Put(b *block.Block) (keys.RoutingKey, error)
}

// PeerFunc returns up to limit peers to ask for routing, in the order to
// ask them.
type PeerFunc func(routing keys.RoutingKey, limit int) []Requester

// Metrics records dispatcher activity.
type Metrics interface {
	BlockFound(fromStore bool)
	LookupFailed(code fetcherr.Code)
	PeerRequest(ok bool, elapsed time.Duration)
}

// Config holds the dispatcher configuration.
type Config struct {
	Workers        int           // Workers is the number of lookup goroutines
	QueueSize      int           // QueueSize bounds pending lookups
	RequestTimeout time.Duration // RequestTimeout bounds one peer request
	MaxPeers       int           // MaxPeers is the number of peers asked per lookup
	FailureTTL     time.Duration // FailureTTL is how long a network miss is remembered
}

// job is one registration awaiting a lookup.
type job struct {
	key      keys.ClientKey
	listener fetch.Listener
}

// Dispatcher implements fetch.Transport. Each registration is resolved
// by a worker: the local store first, then peers. A registration yields
// exactly one delivery unless it is withdrawn first.
type Dispatcher struct {
	store    Store
	peers    PeerFunc
	failures *FailureTable
	metrics  Metrics
	cfg      Config

	mu        sync.Mutex
	listeners map[keys.RoutingKey]map[fetch.Listener]struct{} // listeners are the live registrations
	closed    bool

	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher. peers may be nil for a store-only node and
// metrics may be nil. Start must be called before registrations resolve.
func New(store Store, peers PeerFunc, metrics Metrics, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		store:     store,
		peers:     peers,
		failures:  NewFailureTable(cfg.FailureTTL),
		metrics:   metrics,
		cfg:       cfg,
		listeners: make(map[keys.RoutingKey]map[fetch.Listener]struct{}),
		jobs:      make(chan job, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Close stops the workers. Registrations still pending receive CANCELLED.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	d.failures.Close()

	for _, l := range d.drain() {
		l.OnLowLevelFailure(fetcherr.NewLowLevel(fetcherr.CodeCancelled, nil))
	}
}

// Failures exposes the recently-failed table.
func (d *Dispatcher) Failures() *FailureTable {
	return d.failures
}

// Pending returns the number of live registrations.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, set := range d.listeners {
		n += len(set)
	}

	return n
}

// Register implements fetch.Transport.
func (d *Dispatcher) Register(key keys.ClientKey, l fetch.Listener) {
	routing := key.RoutingKey()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		l.OnLowLevelFailure(fetcherr.NewLowLevel(fetcherr.CodeCancelled, nil))
		return
	}

	set, ok := d.listeners[routing]
	if !ok {
		set = make(map[fetch.Listener]struct{})
		d.listeners[routing] = set
	}
	set[l] = struct{}{}
	d.mu.Unlock()

	select {
	case d.jobs <- job{key: key, listener: l}:
	default:
		d.rejectOverload(routing, l)
	}
}

// Unregister implements fetch.Transport.
func (d *Dispatcher) Unregister(key keys.ClientKey, l fetch.Listener) {
	d.claim(key.RoutingKey(), l)
}

// Serve answers a peer's block request from the local store.
func (d *Dispatcher) Serve(data []byte) ([]byte, error) {
	return HandleBlockRequest(d.store, data)
}

// rejectOverload fails a registration that did not fit in the queue.
// The failure is delivered asynchronously so that a fetcher retrying from
// inside a delivery cannot recurse.
func (d *Dispatcher) rejectOverload(routing keys.RoutingKey, l fetch.Listener) {
	if !d.claim(routing, l) {
		return
	}

	logger.Warn("lookup queue full", "key", routing.Short())

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		select {
		case <-time.After(overloadDelay):
			l.OnLowLevelFailure(fetcherr.NewLowLevel(fetcherr.CodeRejectedOverload, nil))
		case <-d.ctx.Done():
			l.OnLowLevelFailure(fetcherr.NewLowLevel(fetcherr.CodeCancelled, nil))
		}
	}()
}

// claim withdraws one registration and reports whether it was live.
func (d *Dispatcher) claim(routing keys.RoutingKey, l fetch.Listener) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.listeners[routing]
	if !ok {
		return false
	}

	if _, ok := set[l]; !ok {
		return false
	}

	delete(set, l)
	if len(set) == 0 {
		delete(d.listeners, routing)
	}

	return true
}

// claimAll withdraws every registration for routing.
func (d *Dispatcher) claimAll(routing keys.RoutingKey) []fetch.Listener {
	d.mu.Lock()
	defer d.mu.Unlock()

	set := d.listeners[routing]
	delete(d.listeners, routing)

	out := make([]fetch.Listener, 0, len(set))
	for l := range set {
		out = append(out, l)
	}

	return out
}

// drain withdraws every registration.
func (d *Dispatcher) drain() []fetch.Listener {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []fetch.Listener
	for _, set := range d.listeners {
		for l := range set {
			out = append(out, l)
		}
	}
	d.listeners = make(map[keys.RoutingKey]map[fetch.Listener]struct{})

	return out
}

// isLive reports whether l is still registered for routing.
func (d *Dispatcher) isLive(routing keys.RoutingKey, l fetch.Listener) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.listeners[routing][l]
	return ok
}

// worker resolves jobs until the dispatcher closes.
func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case j := <-d.jobs:
			d.resolve(j)
		}
	}
}

// resolve looks up one registration and delivers the outcome.
func (d *Dispatcher) resolve(j job) {
	routing := j.key.RoutingKey()
	if !d.isLive(routing, j.listener) {
		return
	}

	b, err := d.store.Lookup(routing)
	switch {
	case err == nil:
		verr := b.Verify(routing)
		if verr == nil {
			d.deliver(routing, b, true)
			return
		}

		// A corrupt local copy is replaced by the next verified network fetch.
		logger.Warn("stored block failed verification", "key", routing.Short(), "error", verr)
		if j.listener.LocalRequestOnly() {
			if d.claim(routing, j.listener) {
				j.listener.OnBlockDecodeError(verr)
			}
			return
		}
	case !errors.Is(err, storage.ErrNotFound):
		logger.Error("local lookup failed", "key", routing.Short(), "error", err)
		d.fail(routing, j.listener, fetcherr.NewLowLevel(fetcherr.CodeInternalError, err))
		return
	}

	if j.listener.LocalRequestOnly() {
		if d.claim(routing, j.listener) {
			j.listener.OnNotFoundInStore()
		}
		return
	}

	if d.failures.RecentlyFailed(routing) {
		d.fail(routing, j.listener, fetcherr.NewLowLevel(fetcherr.CodeRecentlyFailed, nil))
		return
	}

	b, llErr := d.fetchFromPeers(routing)
	if llErr != nil {
		if llErr.Code == fetcherr.CodeDataNotFound || llErr.Code == fetcherr.CodeRouteNotFound {
			d.failures.RecordFailure(routing)
		}
		d.fail(routing, j.listener, llErr)
		return
	}

	if _, err := d.store.Put(b); err != nil {
		logger.Warn("cache fetched block", "key", routing.Short(), "error", err)
	}
	d.failures.Clear(routing)

	d.deliver(routing, b, false)
}

// fetchFromPeers asks peers in turn until one returns the block.
func (d *Dispatcher) fetchFromPeers(routing keys.RoutingKey) (*block.Block, *fetcherr.LowLevelError) {
	var peers []Requester
	if d.peers != nil {
		peers = d.peers(routing, d.cfg.MaxPeers)
	}

	if len(peers) == 0 {
		return nil, fetcherr.NewLowLevel(fetcherr.CodeRouteNotFound, errors.New("no connected peers"))
	}

	var last *fetcherr.LowLevelError
	notFound := 0

	for _, p := range peers {
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RequestTimeout)
		start := time.Now()
		b, err := RequestBlock(ctx, p, routing)
		cancel()

		if d.metrics != nil {
			d.metrics.PeerRequest(err == nil, time.Since(start))
		}

		if err == nil {
			return b, nil
		}

		if err.Code == fetcherr.CodeCancelled || d.ctx.Err() != nil {
			return nil, fetcherr.NewLowLevel(fetcherr.CodeCancelled, err)
		}

		logger.Debug("peer request failed", "key", routing.Short(), "code", err.Code, "error", err.Err)

		if err.Code == fetcherr.CodeDataNotFound {
			notFound++
		}
		last = err
	}

	if notFound == len(peers) {
		return nil, fetcherr.NewLowLevel(fetcherr.CodeDataNotFound, nil)
	}

	return nil, last
}

// deliver hands b to every listener registered for routing.
func (d *Dispatcher) deliver(routing keys.RoutingKey, b *block.Block, fromStore bool) {
	if d.metrics != nil {
		d.metrics.BlockFound(fromStore)
	}

	for _, l := range d.claimAll(routing) {
		l.OnBlockReceived(b, fromStore)
	}
}

// fail delivers a low-level failure to one listener.
func (d *Dispatcher) fail(routing keys.RoutingKey, l fetch.Listener, err *fetcherr.LowLevelError) {
	if d.metrics != nil {
		d.metrics.LookupFailed(err.Code)
	}

	if d.claim(routing, l) {
		l.OnLowLevelFailure(err)
	}
}
