package fetch

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"Keyhold/internal/block"
	"Keyhold/internal/bucket"
	"Keyhold/internal/fetcherr"
	"Keyhold/internal/keys"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// Fixtures
// =============================================================================

// fakeTransport records registrations without delivering anything.
type fakeTransport struct {
	mu          sync.Mutex
	active      map[Listener]bool
	registers   int
	unregisters int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{active: make(map[Listener]bool)}
}

func (t *fakeTransport) Register(_ keys.ClientKey, l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.registers++
	t.active[l] = true
}

func (t *fakeTransport) Unregister(_ keys.ClientKey, l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.unregisters++
	delete(t.active, l)
}

func (t *fakeTransport) counts() (registers, active int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.registers, len(t.active)
}

// recorder captures terminal outcomes.
type recorder struct {
	mu        sync.Mutex
	successes []*Result
	failures  []*fetcherr.Error
	tokens    []Token
	onFailure func()
}

func (r *recorder) OnSuccess(res *Result, token Token) {
	r.mu.Lock()
	r.successes = append(r.successes, res)
	r.tokens = append(r.tokens, token)
	r.mu.Unlock()
}

func (r *recorder) OnFailure(err *fetcherr.Error, token Token) {
	r.mu.Lock()
	r.failures = append(r.failures, err)
	r.tokens = append(r.tokens, token)
	hook := r.onFailure
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.successes) + len(r.failures)
}

// onlyFailure asserts a single failure callback and returns it.
func (r *recorder) onlyFailure(t *testing.T) *fetcherr.Error {
	t.Helper()

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.successes) != 0 || len(r.failures) != 1 {
		t.Fatalf("callbacks: %d successes, %d failures, want 1 failure", len(r.successes), len(r.failures))
	}

	return r.failures[0]
}

// onlySuccess asserts a single success callback and returns it.
func (r *recorder) onlySuccess(t *testing.T) *Result {
	t.Helper()

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.successes) != 1 || len(r.failures) != 0 {
		t.Fatalf("callbacks: %d successes, %d failures, want 1 success", len(r.successes), len(r.failures))
	}

	return r.successes[0]
}

// flakyFactory fails the first n allocations with a generic I/O error
// and remembers every bucket it hands out.
type flakyFactory struct {
	mu      sync.Mutex
	failFor int
	made    []*bucket.ArrayBucket
}

func (f *flakyFactory) MakeBucket(size int64) (bucket.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failFor > 0 {
		f.failFor--
		return nil, io.ErrUnexpectedEOF
	}

	b := bucket.NewArrayBucket(size)
	f.made = append(f.made, b)

	return b, nil
}

// stubParent is a Parent with a fixed cancellation flag.
type stubParent struct {
	*Request
	cancelled bool
}

func newStubParent(cancelled bool) *stubParent {
	return &stubParent{Request: NewRequest(), cancelled: cancelled}
}

func (p *stubParent) IsCancelled() bool { return p.cancelled }

// testBlock encodes a CHK block holding data.
func testBlock(t *testing.T, data string, opts block.Options) (*block.Block, keys.ClientKey) {
	t.Helper()

	b, key, err := block.EncodeCHK([]byte(data), opts)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	return b, key
}

// newTestFetcher builds a started fetcher with a fresh transport, parent and recorder.
func newTestFetcher(t *testing.T, key keys.ClientKey, cfg Config, env Env) (*Fetcher, *fakeTransport, *Request, *recorder) {
	t.Helper()

	tr := newFakeTransport()
	env.Transport = tr
	if cfg.MaxOutputSize == 0 {
		cfg.MaxOutputSize = 1 << 20
	}

	req := NewRequest()
	rec := &recorder{}

	f := New(key, cfg, req, rec, 77, env)
	f.Start()

	return f, tr, req, rec
}

// =============================================================================
// Success
// =============================================================================

// TestSuccess tests a delivered block reaches the callback with the token.
func TestSuccess(t *testing.T) {
	b, key := testBlock(t, "payload", block.Options{Codec: block.CodecZstd, ContentType: "text/plain"})
	f, tr, req, rec := newTestFetcher(t, key, Config{MaxRetries: 3}, Env{})

	if f.State() != InFlight {
		t.Fatalf("state after Start = %s", f.State())
	}

	f.OnBlockReceived(b, true)

	res := rec.onlySuccess(t)
	defer res.Free()

	data, err := res.Data.Bytes()
	if err != nil || string(data) != "payload" {
		t.Fatalf("data = %q, %v", data, err)
	}

	if res.ContentType != "text/plain" || !res.FromStore || res.Key != key {
		t.Errorf("result = %+v", res)
	}

	if rec.tokens[0] != 77 || f.Token() != 77 {
		t.Errorf("token = %d", rec.tokens[0])
	}

	if _, active := tr.counts(); active != 0 {
		t.Error("fetcher still registered after success")
	}

	if p := req.Progress(); p.Succeeded != 1 || p.Remaining() != 0 {
		t.Errorf("progress = %+v", p)
	}

	if f.State() != Succeeded {
		t.Errorf("state = %s", f.State())
	}
}

// TestRetryThenSuccess tests two bucket errors followed by a success under
// a ceiling of two retries.
func TestRetryThenSuccess(t *testing.T) {
	b, key := testBlock(t, "third time lucky", block.Options{})
	factory := &flakyFactory{failFor: 2}
	f, tr, req, rec := newTestFetcher(t, key, Config{MaxRetries: 2}, Env{Buckets: factory})

	for i := 0; i < 2; i++ {
		f.OnBlockReceived(b, false)

		if rec.total() != 0 {
			t.Fatalf("callback after attempt %d", i+1)
		}

		if f.State() != InFlight {
			t.Fatalf("state after retry %d = %s", i+1, f.State())
		}
	}

	f.OnBlockReceived(b, false)

	res := rec.onlySuccess(t)
	res.Free()

	if f.Attempts() != 2 {
		t.Errorf("attempts = %d, want 2", f.Attempts())
	}

	if registers, _ := tr.counts(); registers != 3 {
		t.Errorf("registers = %d, want 3", registers)
	}

	if p := req.Progress(); p.Succeeded != 1 || p.Failed != 0 {
		t.Errorf("progress = %+v", p)
	}
}

// =============================================================================
// Retry policy
// =============================================================================

// TestRetryCeiling tests N retries then one terminal failure.
func TestRetryCeiling(t *testing.T) {
	for _, n := range []int{0, 1, 4} {
		_, key := testBlock(t, "x", block.Options{})
		f, tr, req, rec := newTestFetcher(t, key, Config{MaxRetries: n}, Env{})

		for i := 0; i <= n; i++ {
			if rec.total() != 0 {
				t.Fatalf("n=%d: callback before exhaustion", n)
			}
			f.OnLowLevelFailure(fetcherr.NewLowLevel(fetcherr.CodeTransferFailed, nil))
		}

		err := rec.onlyFailure(t)
		if err.Mode != fetcherr.TransferFailed {
			t.Errorf("n=%d: mode = %s", n, err.Mode)
		}

		if registers, active := tr.counts(); registers != n+1 || active != 0 {
			t.Errorf("n=%d: registers = %d active = %d", n, registers, active)
		}

		if p := req.Progress(); p.Failed != 1 || p.FatallyFailed != 0 {
			t.Errorf("n=%d: progress = %+v", n, p)
		}

		if f.State() != Failed {
			t.Errorf("n=%d: state = %s", n, f.State())
		}
	}
}

// TestUnlimitedRetries tests a negative ceiling never exhausts.
func TestUnlimitedRetries(t *testing.T) {
	_, key := testBlock(t, "x", block.Options{})
	f, _, _, rec := newTestFetcher(t, key, Config{MaxRetries: -1}, Env{})

	for i := 0; i < 1000; i++ {
		f.OnLowLevelFailure(fetcherr.NewLowLevel(fetcherr.CodeRejectedOverload, nil))
	}

	if rec.total() != 0 {
		t.Fatal("unlimited fetch reported an outcome")
	}

	f.Cancel()

	if err := rec.onlyFailure(t); err.Mode != fetcherr.Cancelled {
		t.Errorf("mode = %s, want CANCELLED", err.Mode)
	}
}

// TestNetworkNotFoundIsImmediate tests DATA_NOT_FOUND from peers ignores
// the remaining retry budget.
func TestNetworkNotFoundIsImmediate(t *testing.T) {
	_, key := testBlock(t, "x", block.Options{})
	f, tr, req, rec := newTestFetcher(t, key, Config{MaxRetries: 5, Essential: true}, Env{})

	f.OnLowLevelFailure(fetcherr.NewLowLevel(fetcherr.CodeDataNotFound, nil))

	if err := rec.onlyFailure(t); err.Mode != fetcherr.DataNotFound {
		t.Errorf("mode = %s", err.Mode)
	}

	if f.Attempts() != 0 || f.State() != Failed {
		t.Errorf("attempts = %d state = %s", f.Attempts(), f.State())
	}

	if _, active := tr.counts(); active != 0 {
		t.Errorf("active registrations = %d after not-found", active)
	}

	if p := req.Progress(); p.FatallyFailed != 1 || !req.Doomed() {
		t.Errorf("progress = %+v", p)
	}
}

// TestRecentlyFailedIsImmediate tests a remembered miss is not retried
// while the failure table still holds it.
func TestRecentlyFailedIsImmediate(t *testing.T) {
	_, key := testBlock(t, "x", block.Options{})
	f, _, _, rec := newTestFetcher(t, key, Config{MaxRetries: -1}, Env{})

	f.OnLowLevelFailure(fetcherr.NewLowLevel(fetcherr.CodeRecentlyFailed, nil))

	if err := rec.onlyFailure(t); err.Mode != fetcherr.RecentlyFailed {
		t.Errorf("mode = %s", err.Mode)
	}

	if f.Attempts() != 0 {
		t.Errorf("attempts = %d, want 0", f.Attempts())
	}
}

// =============================================================================
// Force-fatal and fatal failures
// =============================================================================

// TestKeyMismatchIsImmediate tests a spoofed block fails without retrying.
func TestKeyMismatchIsImmediate(t *testing.T) {
	wrong, _ := testBlock(t, "spoofed", block.Options{})
	_, key := testBlock(t, "wanted", block.Options{})
	f, tr, req, rec := newTestFetcher(t, key, Config{MaxRetries: 5, Essential: true}, Env{})

	f.OnBlockReceived(wrong, false)

	err := rec.onlyFailure(t)
	if err.Mode != fetcherr.BlockDecodeError || !errors.Is(err, block.ErrKeyMismatch) {
		t.Errorf("err = %v", err)
	}

	if f.Attempts() != 0 {
		t.Errorf("attempts = %d, want 0", f.Attempts())
	}

	if registers, _ := tr.counts(); registers != 1 {
		t.Errorf("registers = %d, want 1", registers)
	}

	if p := req.Progress(); p.FatallyFailed != 1 || !req.Doomed() {
		t.Errorf("progress = %+v doomed = %v", p, req.Doomed())
	}
}

// TestNotFoundInStore tests the local-only miss bypasses the retry budget.
func TestNotFoundInStore(t *testing.T) {
	_, key := testBlock(t, "x", block.Options{})
	f, _, req, rec := newTestFetcher(t, key, Config{MaxRetries: -1, LocalOnly: true}, Env{})

	if !f.LocalRequestOnly() {
		t.Fatal("LocalRequestOnly = false")
	}

	f.OnNotFoundInStore()

	if err := rec.onlyFailure(t); err.Mode != fetcherr.DataNotFound {
		t.Errorf("mode = %s", err.Mode)
	}

	if req.Progress().FatallyFailed != 1 {
		t.Error("not-found-in-store not counted as fatal")
	}
}

// TestBlockDecodeErrorNotice tests the transport's structural decode notice.
func TestBlockDecodeErrorNotice(t *testing.T) {
	_, key := testBlock(t, "x", block.Options{})
	f, _, _, rec := newTestFetcher(t, key, Config{MaxRetries: 3}, Env{})

	f.OnBlockDecodeError(block.ErrKeyMismatch)

	err := rec.onlyFailure(t)
	if err.Mode != fetcherr.BlockDecodeError || !errors.Is(err, block.ErrKeyMismatch) {
		t.Errorf("err = %v", err)
	}

	if f.Attempts() != 0 {
		t.Errorf("attempts = %d, want 0", f.Attempts())
	}
}

// TestInternalErrorIsFatal tests an inherently fatal low-level code.
func TestInternalErrorIsFatal(t *testing.T) {
	_, key := testBlock(t, "x", block.Options{})
	f, _, req, rec := newTestFetcher(t, key, Config{MaxRetries: 10}, Env{})

	f.OnLowLevelFailure(fetcherr.NewLowLevel(fetcherr.CodeInternalError, io.EOF))

	err := rec.onlyFailure(t)
	if err.Mode != fetcherr.InternalError || !errors.Is(err, io.EOF) {
		t.Errorf("err = %v", err)
	}

	if req.Progress().FatallyFailed != 1 {
		t.Error("internal error not counted as fatal")
	}
}

// =============================================================================
// Decoder outcomes
// =============================================================================

// TestTooBigNeverPartial tests the output ceiling.
func TestTooBigNeverPartial(t *testing.T) {
	b, key := testBlock(t, string(bytes.Repeat([]byte{'a'}, 4096)), block.Options{Codec: block.CodecZstd})
	factory := &flakyFactory{}
	f, _, req, rec := newTestFetcher(t, key, Config{MaxOutputSize: 100}, Env{Buckets: factory})

	f.OnBlockReceived(b, false)

	if err := rec.onlyFailure(t); err.Mode != fetcherr.TooBig {
		t.Errorf("mode = %s", err.Mode)
	}

	if req.Progress().Failed != 1 {
		t.Error("TOO_BIG counted as fatal")
	}

	for _, made := range factory.made {
		if !made.Freed() {
			t.Error("output bucket leaked")
		}
	}
}

// TestInvalidMetadata tests the default data policy rejects metadata.
func TestInvalidMetadata(t *testing.T) {
	b, key := testBlock(t, "manifest", block.Options{Metadata: true})
	factory := &flakyFactory{}
	f, _, req, rec := newTestFetcher(t, key, Config{MaxRetries: 1}, Env{Buckets: factory})

	f.OnBlockReceived(b, false)
	if rec.total() != 0 {
		t.Fatal("INVALID_METADATA did not consume a retry")
	}

	f.OnBlockReceived(b, false)

	if err := rec.onlyFailure(t); err.Mode != fetcherr.InvalidMetadata {
		t.Errorf("mode = %s", err.Mode)
	}

	if req.Progress().Failed != 1 {
		t.Error("INVALID_METADATA counted as fatal")
	}

	for _, made := range factory.made {
		if !made.Freed() {
			t.Error("rejected result not freed")
		}
	}
}

// TestAcceptAnyMetadata tests an injected policy that accepts metadata.
func TestAcceptAnyMetadata(t *testing.T) {
	b, key := testBlock(t, "manifest", block.Options{Metadata: true})
	f, _, _, rec := newTestFetcher(t, key, Config{DataPolicy: AcceptAny{}}, Env{})

	f.OnBlockReceived(b, false)

	res := rec.onlySuccess(t)
	defer res.Free()

	if !res.IsMetadata {
		t.Error("IsMetadata = false")
	}
}

// =============================================================================
// Cancellation
// =============================================================================

// TestCancelBeforeResponse tests cancellation reports CANCELLED once and
// wins over late deliveries.
func TestCancelBeforeResponse(t *testing.T) {
	b, key := testBlock(t, "late", block.Options{})
	factory := &flakyFactory{}
	f, tr, req, rec := newTestFetcher(t, key, Config{Essential: true}, Env{Buckets: factory})

	f.Cancel()
	f.Cancel()
	f.OnBlockReceived(b, false)
	f.OnLowLevelFailure(fetcherr.NewLowLevel(fetcherr.CodeTransferFailed, nil))

	if err := rec.onlyFailure(t); err.Mode != fetcherr.Cancelled {
		t.Errorf("mode = %s", err.Mode)
	}

	if f.State() != Cancelled {
		t.Errorf("state = %s", f.State())
	}

	if _, active := tr.counts(); active != 0 {
		t.Error("cancelled fetcher still registered")
	}

	if len(factory.made) != 0 {
		t.Error("late delivery was decoded")
	}

	if p := req.Progress(); p.FatallyFailed != 1 || p.EssentialFatal != 1 {
		t.Errorf("progress = %+v", p)
	}
}

// TestParentCancelDiscardsSuccess tests a success racing a parent cancel
// is replaced by CANCELLED and its buffer released.
func TestParentCancelDiscardsSuccess(t *testing.T) {
	b, key := testBlock(t, "discarded", block.Options{})
	factory := &flakyFactory{}
	parent := newStubParent(true)
	rec := &recorder{}

	f := New(key, Config{MaxOutputSize: 1024}, parent, rec, 5, Env{Transport: newFakeTransport(), Buckets: factory})
	f.OnBlockReceived(b, false)

	if err := rec.onlyFailure(t); err.Mode != fetcherr.Cancelled {
		t.Errorf("mode = %s", err.Mode)
	}

	if len(factory.made) != 1 || !factory.made[0].Freed() {
		t.Error("decoded buffer not released")
	}
}

// TestParentCancelOverridesFailure tests cancellation dominates a
// retryable failure.
func TestParentCancelOverridesFailure(t *testing.T) {
	_, key := testBlock(t, "x", block.Options{})
	parent := newStubParent(true)
	rec := &recorder{}

	f := New(key, Config{MaxRetries: -1}, parent, rec, 5, Env{Transport: newFakeTransport()})
	f.OnLowLevelFailure(fetcherr.NewLowLevel(fetcherr.CodeRouteNotFound, nil))

	err := rec.onlyFailure(t)
	if err.Mode != fetcherr.Cancelled {
		t.Errorf("mode = %s", err.Mode)
	}

	if fetcherr.ModeOf(errors.Unwrap(err)) != fetcherr.RouteNotFound {
		t.Error("original failure not kept as cause")
	}
}

// TestStartAfterParentCancel tests a fetcher created for a cancelled
// request finishes on Start without registering.
func TestStartAfterParentCancel(t *testing.T) {
	_, key := testBlock(t, "x", block.Options{})
	tr := newFakeTransport()
	parent := newStubParent(true)
	rec := &recorder{}

	f := New(key, Config{}, parent, rec, 1, Env{Transport: tr})
	f.Start()

	if err := rec.onlyFailure(t); err.Mode != fetcherr.Cancelled {
		t.Errorf("mode = %s", err.Mode)
	}

	if registers, _ := tr.counts(); registers != 0 {
		t.Errorf("registers = %d, want 0", registers)
	}
}

// TestCallbackMayReenter tests a callback calling back into the fetcher.
func TestCallbackMayReenter(t *testing.T) {
	_, key := testBlock(t, "x", block.Options{})
	tr := newFakeTransport()
	rec := &recorder{}

	f := New(key, Config{}, NewRequest(), rec, 1, Env{Transport: tr})
	rec.onFailure = func() { f.Cancel() }
	f.Start()

	f.OnLowLevelFailure(fetcherr.NewLowLevel(fetcherr.CodeTransferFailed, nil))

	if err := rec.onlyFailure(t); err.Mode != fetcherr.TransferFailed {
		t.Errorf("mode = %s", err.Mode)
	}
}

// =============================================================================
// Hooks
// =============================================================================

// TestHooks tests capture and freshness observation for an updatable key.
func TestHooks(t *testing.T) {
	owner, err := keys.KeyPairFromSeed(bytes.Repeat([]byte{8}, 32))
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}

	b, key, err := block.EncodeSSK(owner, [keys.CryptoKeySize]byte{}, "site", 4, []byte("v4"), block.Options{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var captured *block.Block
	var observed keys.ClientKey
	var observedFromStore bool

	hooks := Hooks{
		Capture: func(b *block.Block) { captured = b },
		Observe: func(k keys.ClientKey, fromStore, _ bool) {
			observed = k
			observedFromStore = fromStore
		},
	}

	f, _, _, rec := newTestFetcher(t, key, Config{}, Env{Hooks: hooks})
	f.OnBlockReceived(b, true)

	rec.onlySuccess(t).Free()

	if captured != b {
		t.Error("block not captured")
	}

	if observed != key || !observedFromStore {
		t.Errorf("observed %s fromStore=%v", observed, observedFromStore)
	}
}

// TestPanickingHooksIgnored tests hooks cannot change the outcome.
func TestPanickingHooksIgnored(t *testing.T) {
	b, key := testBlock(t, "x", block.Options{})

	hooks := Hooks{
		Capture: func(*block.Block) { panic("capture") },
		Observe: func(keys.ClientKey, bool, bool) { panic("observe") },
	}

	f, _, _, rec := newTestFetcher(t, key, Config{}, Env{Hooks: hooks})
	f.OnBlockReceived(b, false)

	rec.onlySuccess(t).Free()
}

// =============================================================================
// Metrics
// =============================================================================

// countingMetrics counts Metrics calls.
type countingMetrics struct {
	mu                         sync.Mutex
	retried, succeeded, failed int
	lastMode                   fetcherr.Mode
}

func (m *countingMetrics) FetchRetried(fetcherr.Mode) {
	m.mu.Lock()
	m.retried++
	m.mu.Unlock()
}

func (m *countingMetrics) FetchSucceeded(int, bool) {
	m.mu.Lock()
	m.succeeded++
	m.mu.Unlock()
}

func (m *countingMetrics) FetchFailed(mode fetcherr.Mode, _ bool) {
	m.mu.Lock()
	m.failed++
	m.lastMode = mode
	m.mu.Unlock()
}

// TestMetricsRecorded tests outcome reporting to Metrics.
func TestMetricsRecorded(t *testing.T) {
	_, key := testBlock(t, "x", block.Options{})
	m := &countingMetrics{}
	f, _, _, _ := newTestFetcher(t, key, Config{MaxRetries: 2}, Env{Metrics: m})

	for i := 0; i < 3; i++ {
		f.OnLowLevelFailure(fetcherr.NewLowLevel(fetcherr.CodeTransferFailed, nil))
	}

	if m.retried != 2 || m.failed != 1 || m.lastMode != fetcherr.TransferFailed {
		t.Errorf("metrics = %+v", m)
	}
}
