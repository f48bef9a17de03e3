package transport

import (
	"sync"
	"time"

	"Keyhold/internal/keys"
)

const (
	// defaultFailureTTL is how long a routing key stays recently-failed.
	defaultFailureTTL = 10 * time.Minute

	// failureCleanupInterval is the interval between expiry sweeps.
	failureCleanupInterval = 30 * time.Second
)

// FailureTable remembers routing keys that recently failed on the
// network so that repeated requests fail fast instead of flooding peers.
type FailureTable struct {
	failed map[keys.RoutingKey]time.Time // failed maps routing key to expiry
	mu     sync.RWMutex                  // mu protects failed
	ttl    time.Duration                 // ttl is the time a failure is remembered
	now    func() time.Time              // now is the clock, replaceable in tests
	stop   chan struct{}                 // stop signals the cleanup goroutine
	wg     sync.WaitGroup
}

// NewFailureTable creates a table remembering failures for ttl.
// A zero ttl uses the default.
func NewFailureTable(ttl time.Duration) *FailureTable {
	if ttl <= 0 {
		ttl = defaultFailureTTL
	}

	t := &FailureTable{
		failed: make(map[keys.RoutingKey]time.Time),
		ttl:    ttl,
		now:    time.Now,
		stop:   make(chan struct{}),
	}

	t.startCleanup()

	return t
}

// RecordFailure marks routing as recently failed.
func (t *FailureTable) RecordFailure(routing keys.RoutingKey) {
	t.mu.Lock()
	t.failed[routing] = t.now().Add(t.ttl)
	t.mu.Unlock()
}

// RecentlyFailed reports whether routing failed within the TTL.
func (t *FailureTable) RecentlyFailed(routing keys.RoutingKey) bool {
	t.mu.RLock()
	expiry, ok := t.failed[routing]
	t.mu.RUnlock()

	return ok && t.now().Before(expiry)
}

// Clear forgets a failure, typically after the block was found.
func (t *FailureTable) Clear(routing keys.RoutingKey) {
	t.mu.Lock()
	delete(t.failed, routing)
	t.mu.Unlock()
}

// Len returns the number of remembered failures, expired or not.
func (t *FailureTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.failed)
}

// Close stops the cleanup goroutine.
func (t *FailureTable) Close() {
	close(t.stop)
	t.wg.Wait()
}

// startCleanup starts the background expiry goroutine.
func (t *FailureTable) startCleanup() {
	t.wg.Add(1)

	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(failureCleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.cleanup()
			case <-t.stop:
				return
			}
		}
	}()
}

// cleanup removes expired entries.
func (t *FailureTable) cleanup() {
	now := t.now()

	t.mu.Lock()
	for routing, expiry := range t.failed {
		if !now.Before(expiry) {
			delete(t.failed, routing)
		}
	}
	t.mu.Unlock()
}
