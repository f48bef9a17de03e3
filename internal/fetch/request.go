package fetch

import (
	"sync"
	"sync/atomic"
)

// Parent aggregates the outcomes of sibling fetchers belonging to one
// logical request. Implementations must be safe for concurrent use.
type Parent interface {
	AddBlock()
	AddEssentialBlocks(n int)
	BlockSucceeded(essential bool)
	BlockFailed(essential bool)
	BlockFatallyFailed(essential bool)
	IsCancelled() bool
}

// tracker is implemented by parents that cancel their fetchers on Cancel.
type tracker interface {
	track(f *Fetcher)
	untrack(f *Fetcher)
}

// Progress is a snapshot of a request's counters.
type Progress struct {
	Blocks             int64 // Blocks is the number of counted blocks
	EssentialBlocks    int64 // EssentialBlocks must all succeed
	Succeeded          int64
	Failed             int64 // Failed counts non-fatal terminal failures
	FatallyFailed      int64
	EssentialSucceeded int64
	EssentialFailed    int64 // EssentialFailed counts essential blocks that ran out of retries
	EssentialFatal     int64 // EssentialFatal counts essential blocks that failed fatally
	Cancelled          bool
}

// Remaining returns the number of counted blocks without an outcome.
func (p Progress) Remaining() int64 {
	return p.Blocks - p.Succeeded - p.Failed - p.FatallyFailed
}

// Request is the concrete Parent for a group of block fetches.
type Request struct {
	blocks             atomic.Int64
	essential          atomic.Int64
	succeeded          atomic.Int64
	failed             atomic.Int64
	fatal              atomic.Int64
	essentialSucceeded atomic.Int64
	essentialFailed    atomic.Int64
	essentialFatal     atomic.Int64
	cancelled          atomic.Bool

	mu       sync.Mutex
	fetchers map[*Fetcher]struct{} // fetchers are the unfinished children
}

// NewRequest creates an empty request.
func NewRequest() *Request {
	return &Request{fetchers: make(map[*Fetcher]struct{})}
}

// AddBlock counts one more block.
func (r *Request) AddBlock() { r.blocks.Add(1) }

// AddEssentialBlocks counts n more essential blocks.
func (r *Request) AddEssentialBlocks(n int) { r.essential.Add(int64(n)) }

// BlockSucceeded records a success.
func (r *Request) BlockSucceeded(essential bool) {
	r.succeeded.Add(1)
	if essential {
		r.essentialSucceeded.Add(1)
	}
}

// BlockFailed records a non-fatal terminal failure.
func (r *Request) BlockFailed(essential bool) {
	r.failed.Add(1)
	if essential {
		r.essentialFailed.Add(1)
	}
}

// BlockFatallyFailed records a fatal failure.
func (r *Request) BlockFatallyFailed(essential bool) {
	r.fatal.Add(1)
	if essential {
		r.essentialFatal.Add(1)
	}
}

// IsCancelled reports whether Cancel was called.
func (r *Request) IsCancelled() bool { return r.cancelled.Load() }

// Doomed reports whether an essential block failed, fatally or after
// exhausting its retries, so the request can no longer be satisfied.
func (r *Request) Doomed() bool {
	return r.essentialFatal.Load() > 0 || r.essentialFailed.Load() > 0
}

// Cancel marks the request cancelled and cancels every unfinished fetcher.
// Each of them reports CANCELLED before Cancel returns.
func (r *Request) Cancel() {
	if r.cancelled.Swap(true) {
		return
	}

	r.mu.Lock()
	children := make([]*Fetcher, 0, len(r.fetchers))
	for f := range r.fetchers {
		children = append(children, f)
	}
	r.mu.Unlock()

	for _, f := range children {
		f.Cancel()
	}
}

// Progress returns a snapshot of the counters.
func (r *Request) Progress() Progress {
	return Progress{
		Blocks:             r.blocks.Load(),
		EssentialBlocks:    r.essential.Load(),
		Succeeded:          r.succeeded.Load(),
		Failed:             r.failed.Load(),
		FatallyFailed:      r.fatal.Load(),
		EssentialSucceeded: r.essentialSucceeded.Load(),
		EssentialFailed:    r.essentialFailed.Load(),
		EssentialFatal:     r.essentialFatal.Load(),
		Cancelled:          r.cancelled.Load(),
	}
}

// track adds an unfinished fetcher.
func (r *Request) track(f *Fetcher) {
	r.mu.Lock()
	r.fetchers[f] = struct{}{}
	r.mu.Unlock()
}

// untrack removes a finished fetcher.
func (r *Request) untrack(f *Fetcher) {
	r.mu.Lock()
	delete(r.fetchers, f)
	r.mu.Unlock()
}
