// Package fetch implements the single-block fetch state machine and the
// aggregate request its fetchers report to.
package fetch

import (
	"errors"

	"Keyhold/internal/block"
	"Keyhold/internal/bucket"
	"Keyhold/internal/fetcherr"
	"Keyhold/internal/keys"
)

// Token correlates a fetch with its outcome. It is chosen by the caller
// and never changes across retries.
type Token uint64

// State is the lifecycle position of a fetcher.
type State uint8

const (
	// Pending means constructed but not yet handed to the transport.
	Pending State = iota
	// InFlight means registered with the transport and awaiting delivery.
	InFlight
	// Retrying means a retryable failure was seen and re-registration is underway.
	Retrying
	// Succeeded is terminal: the result was handed to the callback.
	Succeeded
	// Failed is terminal: a failure was reported to the callback.
	Failed
	// Cancelled is terminal: CANCELLED was reported to the callback.
	Cancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in-flight"
	case Retrying:
		return "retrying"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// Config is the immutable per-fetch configuration.
type Config struct {
	MaxOutputSize int64      // MaxOutputSize bounds the decoded plaintext
	MaxRetries    int        // MaxRetries is the retry ceiling, negative for unlimited
	Essential     bool       // Essential means failure dooms the parent request
	DontAdd       bool       // DontAdd skips counting this block in the parent
	LocalOnly     bool       // LocalOnly restricts the lookup to the local store
	DataPolicy    DataPolicy // DataPolicy vets decoded output, nil means ExpectData
}

// Result is the decoded output of a successful fetch.
// The receiver owns it and must call Free.
type Result struct {
	Key         keys.ClientKey // Key is the key that was fetched
	Data        bucket.Bucket  // Data holds the plaintext
	IsMetadata  bool           // IsMetadata is true if the plaintext is metadata
	ContentType string         // ContentType is the MIME hint stored with the block
	FromStore   bool           // FromStore is true if the block came from the local store
}

// Free releases the result's storage.
func (r *Result) Free() {
	if r.Data != nil {
		r.Data.Free()
	}
}

// DataPolicy decides whether a decoded block is acceptable to the caller.
// A non-nil error fails the attempt; it is retried like any other
// non-fatal failure.
type DataPolicy interface {
	Accept(res *Result) error
}

// ExpectData rejects metadata blocks with INVALID_METADATA.
type ExpectData struct{}

// Accept implements DataPolicy.
func (ExpectData) Accept(res *Result) error {
	if res.IsMetadata {
		return fetcherr.Newf(fetcherr.InvalidMetadata, "metadata block where data was expected")
	}

	return nil
}

// AcceptAny accepts data and metadata alike.
type AcceptAny struct{}

// Accept implements DataPolicy.
func (AcceptAny) Accept(*Result) error { return nil }

// policyError converts a DataPolicy rejection into a typed failure.
func policyError(err error) *fetcherr.Error {
	var fe *fetcherr.Error
	if errors.As(err, &fe) {
		return fe
	}

	return fetcherr.Wrap(fetcherr.InvalidMetadata, err)
}

// Callback receives the single terminal outcome of a fetch.
type Callback interface {
	OnSuccess(res *Result, token Token)
	OnFailure(err *fetcherr.Error, token Token)
}

// CallbackFuncs adapts a pair of functions to Callback.
type CallbackFuncs struct {
	Success func(res *Result, token Token)
	Failure func(err *fetcherr.Error, token Token)
}

// OnSuccess implements Callback. The result is freed if Success is nil.
func (c CallbackFuncs) OnSuccess(res *Result, token Token) {
	if c.Success == nil {
		res.Free()
		return
	}
	c.Success(res, token)
}

// OnFailure implements Callback.
func (c CallbackFuncs) OnFailure(err *fetcherr.Error, token Token) {
	if c.Failure != nil {
		c.Failure(err, token)
	}
}

// Listener is the side of a fetcher the transport talks to.
type Listener interface {
	Key() keys.ClientKey
	LocalRequestOnly() bool
	OnBlockReceived(b *block.Block, fromStore bool)
	OnLowLevelFailure(err *fetcherr.LowLevelError)
	OnNotFoundInStore()
	OnBlockDecodeError(cause error)
}

// Transport delivers blocks for registered listeners. A registration
// yields at most one delivery, after which the listener is dropped.
type Transport interface {
	Register(key keys.ClientKey, l Listener)
	Unregister(key keys.ClientKey, l Listener)
}

// Hooks are best-effort side notifications. They must not block, and a
// panic inside a hook is logged and otherwise ignored.
type Hooks struct {
	// Capture mirrors every raw block received by the fetcher.
	Capture func(b *block.Block)

	// Observe is told about every successfully decoded updatable key.
	Observe func(key keys.ClientKey, fromStore, isMetadata bool)
}

// Metrics records fetch outcomes.
type Metrics interface {
	FetchRetried(mode fetcherr.Mode)
	FetchSucceeded(attempts int, fromStore bool)
	FetchFailed(mode fetcherr.Mode, fatal bool)
}

// Env bundles the collaborators shared by many fetchers.
type Env struct {
	Transport Transport      // Transport receives registrations
	Buckets   bucket.Factory // Buckets allocates decoded output, nil means memory
	Hooks     Hooks          // Hooks are optional side notifications
	Metrics   Metrics        // Metrics is optional
}
