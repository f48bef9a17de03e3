package fetch

import (
	"errors"
	"sync"

	"Keyhold/internal/block"
	"Keyhold/internal/bucket"
	"Keyhold/internal/fetcherr"
	"Keyhold/internal/keys"
	"Keyhold/internal/logger"
	"Keyhold/internal/retry"
)

// Fetcher retrieves and decodes one block, retrying retryable failures
// and reporting exactly one terminal outcome to its callback.
//
// All entry points may be called concurrently from transport workers.
// The terminal transition is decided under mu; its side effects run after
// mu is released so that callbacks may call back into the fetcher.
type Fetcher struct {
	key    keys.ClientKey // key is the block being fetched
	cfg    Config         // cfg is the immutable configuration
	parent Parent         // parent aggregates sibling outcomes
	cb     Callback       // cb receives the terminal outcome
	token  Token          // token is handed back with the outcome
	env    Env            // env holds shared collaborators

	mu        sync.Mutex
	state     State // state is write-once once terminal
	attempts  int   // attempts counts retryable failures seen
	cancelled bool  // cancelled is set by Cancel
}

// New creates a fetcher for key. Unless cfg.DontAdd is set, the block is
// counted in parent, and counted as essential if cfg.Essential is set.
// The fetcher does nothing until Start is called.
func New(key keys.ClientKey, cfg Config, parent Parent, cb Callback, token Token, env Env) *Fetcher {
	if cfg.DataPolicy == nil {
		cfg.DataPolicy = ExpectData{}
	}

	if env.Buckets == nil {
		env.Buckets = bucket.Memory{}
	}

	f := &Fetcher{
		key:    key,
		cfg:    cfg,
		parent: parent,
		cb:     cb,
		token:  token,
		env:    env,
	}

	if !cfg.DontAdd {
		parent.AddBlock()
		if cfg.Essential {
			parent.AddEssentialBlocks(1)
		}
	}

	if t, ok := parent.(tracker); ok {
		t.track(f)
	}

	return f
}

// Key returns the key being fetched.
func (f *Fetcher) Key() keys.ClientKey { return f.key }

// Token returns the correlation token supplied at construction.
func (f *Fetcher) Token() Token { return f.token }

// LocalRequestOnly reports whether the transport must not ask peers.
func (f *Fetcher) LocalRequestOnly() bool { return f.cfg.LocalOnly }

// State returns the current lifecycle state.
func (f *Fetcher) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state
}

// Attempts returns the number of retryable failures seen so far.
func (f *Fetcher) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.attempts
}

// Start registers the fetcher with the transport. Calling it more than
// once, or after the fetch finished, has no effect.
func (f *Fetcher) Start() {
	f.mu.Lock()
	if f.state != Pending {
		f.mu.Unlock()
		return
	}
	if f.isCancelled() {
		f.mu.Unlock()
		f.fail(fetcherr.New(fetcherr.Cancelled), true)
		return
	}
	f.state = InFlight
	f.mu.Unlock()

	f.register()
}

// Cancel aborts the fetch. If it has not finished, CANCELLED is reported
// before Cancel returns. Cancel is idempotent.
func (f *Fetcher) Cancel() {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()

	f.env.Transport.Unregister(f.key, f)
	f.fail(fetcherr.New(fetcherr.Cancelled), true)
}

// OnBlockReceived handles a raw block delivered by the transport or store.
func (f *Fetcher) OnBlockReceived(b *block.Block, fromStore bool) {
	if f.finished() {
		return
	}

	f.capture(b)

	dec, err := block.Decode(b, f.key, f.cfg.MaxOutputSize, f.env.Buckets)
	if err != nil {
		var fe *fetcherr.Error
		if !errors.As(err, &fe) {
			fe = fetcherr.Wrap(fetcherr.BlockDecodeError, err)
		}
		if fe.Mode == fetcherr.BucketError {
			logger.Error("bucket failure while decoding", "key", f.key.RoutingKey().Short(), "error", err)
		}

		f.fail(fe, block.IsStructural(err))
		return
	}

	res := &Result{
		Key:         f.key,
		Data:        dec.Data,
		IsMetadata:  dec.IsMetadata,
		ContentType: dec.ContentType,
		FromStore:   fromStore,
	}

	f.observe(fromStore, res.IsMetadata)

	if err := f.cfg.DataPolicy.Accept(res); err != nil {
		res.Free()
		f.fail(policyError(err), false)
		return
	}

	f.succeed(res)
}

// OnLowLevelFailure handles a failure reported below the fetch layer.
// Codes the translation table marks fatal skip the retry budget.
func (f *Fetcher) OnLowLevelFailure(err *fetcherr.LowLevelError) {
	f.fail(fetcherr.Translate(err))
}

// OnNotFoundInStore handles a local-only lookup that found nothing.
// Asking the store again cannot help, so the failure is terminal.
func (f *Fetcher) OnNotFoundInStore() {
	f.fail(fetcherr.Newf(fetcherr.DataNotFound, "not in local store"), true)
}

// OnBlockDecodeError handles a block the transport found structurally
// unusable for this key. The failure is terminal.
func (f *Fetcher) OnBlockDecodeError(cause error) {
	f.fail(fetcherr.Wrap(fetcherr.BlockDecodeError, cause), true)
}

// finished reports whether a terminal state was reached.
func (f *Fetcher) finished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state.Terminal()
}

// isCancelled reports whether this fetch or its parent was cancelled.
// Must be called with mu held.
func (f *Fetcher) isCancelled() bool {
	return f.cancelled || f.parent.IsCancelled()
}

// fail runs the unified failure path: retry silently while the policy
// allows it, otherwise finish and report err.
func (f *Fetcher) fail(err *fetcherr.Error, forceFatal bool) {
	f.mu.Lock()
	if f.state.Terminal() {
		f.mu.Unlock()
		return
	}

	if f.isCancelled() && err.Mode != fetcherr.Cancelled {
		err = fetcherr.Wrap(fetcherr.Cancelled, err)
	}
	if err.Mode == fetcherr.Cancelled {
		forceFatal = true
	}

	fatal := forceFatal || err.Fatal()
	if !fatal {
		f.attempts++
		if retry.ShouldRetry(f.attempts, f.cfg.MaxRetries) {
			f.state = Retrying
			attempts := f.attempts
			f.mu.Unlock()

			logger.Debug("retrying fetch",
				"key", f.key.RoutingKey().Short(),
				"mode", err.Mode,
				"attempt", attempts,
			)
			if f.env.Metrics != nil {
				f.env.Metrics.FetchRetried(err.Mode)
			}

			f.register()
			return
		}
	}

	if err.Mode == fetcherr.Cancelled {
		f.state = Cancelled
	} else {
		f.state = Failed
	}
	f.mu.Unlock()

	f.reportFailure(err, fatal)
}

// succeed runs the success path. A cancelled fetch releases res and
// reports CANCELLED instead.
func (f *Fetcher) succeed(res *Result) {
	f.mu.Lock()
	if f.state.Terminal() {
		f.mu.Unlock()
		res.Free()
		return
	}

	if f.isCancelled() {
		f.state = Cancelled
		f.mu.Unlock()

		res.Free()
		f.reportFailure(fetcherr.New(fetcherr.Cancelled), true)
		return
	}

	f.state = Succeeded
	attempts := f.attempts
	f.mu.Unlock()

	f.retire()
	f.parent.BlockSucceeded(f.cfg.Essential)
	if f.env.Metrics != nil {
		f.env.Metrics.FetchSucceeded(attempts, res.FromStore)
	}

	f.cb.OnSuccess(res, f.token)
}

// reportFailure performs the side effects of a terminal failure.
// The caller must already have moved the fetcher to a terminal state.
func (f *Fetcher) reportFailure(err *fetcherr.Error, fatal bool) {
	f.retire()

	if fatal {
		f.parent.BlockFatallyFailed(f.cfg.Essential)
	} else {
		f.parent.BlockFailed(f.cfg.Essential)
	}

	if f.env.Metrics != nil {
		f.env.Metrics.FetchFailed(err.Mode, fatal)
	}

	if err.Mode != fetcherr.Cancelled {
		logger.Debug("fetch failed", "key", f.key.RoutingKey().Short(), "mode", err.Mode, "fatal", fatal)
	}

	f.cb.OnFailure(err, f.token)
}

// retire removes the fetcher from the transport and its parent.
func (f *Fetcher) retire() {
	f.env.Transport.Unregister(f.key, f)

	if t, ok := f.parent.(tracker); ok {
		t.untrack(f)
	}
}

// register hands the fetcher to the transport. If the fetch finished
// while registering, the registration is withdrawn again.
func (f *Fetcher) register() {
	f.env.Transport.Register(f.key, f)

	f.mu.Lock()
	if f.state == Retrying {
		f.state = InFlight
	}
	done := f.state.Terminal()
	f.mu.Unlock()

	if done {
		f.env.Transport.Unregister(f.key, f)
	}
}

// capture mirrors b to the capture hook.
func (f *Fetcher) capture(b *block.Block) {
	if f.env.Hooks.Capture == nil {
		return
	}

	defer f.recoverHook("capture")
	f.env.Hooks.Capture(b)
}

// observe notifies the freshness hook about an updatable key.
func (f *Fetcher) observe(fromStore, isMetadata bool) {
	if f.env.Hooks.Observe == nil || !f.key.IsUpdatable() {
		return
	}

	defer f.recoverHook("observe")
	f.env.Hooks.Observe(f.key, fromStore, isMetadata)
}

// recoverHook swallows a panic raised by a hook.
func (f *Fetcher) recoverHook(name string) {
	if r := recover(); r != nil {
		logger.Warn("fetch hook panicked", "hook", name, "key", f.key.RoutingKey().Short(), "panic", r)
	}
}
