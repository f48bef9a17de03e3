// Package fetcherr defines the failure taxonomy reported by block fetches
// and the translation from transport-level failure codes into it.
package fetcherr

import (
	"errors"
	"fmt"
)

// Mode classifies why a fetch failed.
type Mode int

const (
	// Cancelled means the fetch or its parent request was cancelled.
	Cancelled Mode = iota + 1

	// DataNotFound means no store or peer had the block.
	DataNotFound

	// BlockDecodeError means the block could not be verified or decrypted.
	BlockDecodeError

	// TooBig means the plaintext exceeds the caller's size ceiling.
	TooBig

	// NotEnoughDiskSpace means the output could not be materialized locally.
	NotEnoughDiskSpace

	// BucketError means an I/O error occurred while materializing output.
	BucketError

	// InvalidMetadata means a metadata block arrived where data was expected.
	InvalidMetadata

	// RecentlyFailed means the key failed on the network moments ago.
	RecentlyFailed

	// RejectedOverload means peers refused the request under load.
	RejectedOverload

	// RouteNotFound means no peer could be asked.
	RouteNotFound

	// TransferFailed means the block transfer from a peer broke off.
	TransferFailed

	// InternalError means the node itself misbehaved.
	InternalError
)

var modeNames = map[Mode]string{
	Cancelled:          "CANCELLED",
	DataNotFound:       "DATA_NOT_FOUND",
	BlockDecodeError:   "BLOCK_DECODE_ERROR",
	TooBig:             "TOO_BIG",
	NotEnoughDiskSpace: "NOT_ENOUGH_DISK_SPACE",
	BucketError:        "BUCKET_ERROR",
	InvalidMetadata:    "INVALID_METADATA",
	RecentlyFailed:     "RECENTLY_FAILED",
	RejectedOverload:   "REJECTED_OVERLOAD",
	RouteNotFound:      "ROUTE_NOT_FOUND",
	TransferFailed:     "TRANSFER_FAILED",
	InternalError:      "INTERNAL_ERROR",
}

// String returns the upper-case name of the mode.
func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}

	return fmt.Sprintf("MODE_%d", int(m))
}

// ParseMode returns the mode named by String, or false if name is unknown.
func ParseMode(name string) (Mode, bool) {
	for m, n := range modeNames {
		if n == name {
			return m, true
		}
	}

	return 0, false
}

// Fatal reports whether failures of this mode must never be retried.
func (m Mode) Fatal() bool {
	switch m {
	case Cancelled, InternalError:
		return true
	default:
		return false
	}
}

// Modes returns every defined mode in declaration order.
func Modes() []Mode {
	modes := make([]Mode, 0, len(modeNames))
	for m := Cancelled; m <= InternalError; m++ {
		modes = append(modes, m)
	}

	return modes
}

// Error is a classified fetch failure.
type Error struct {
	Mode   Mode   // Mode is the failure class
	Detail string // Detail is an optional human-readable explanation
	Err    error  // Err is the underlying cause, if any
}

// New creates an error of the given mode.
func New(mode Mode) *Error {
	return &Error{Mode: mode}
}

// Newf creates an error of the given mode with a formatted detail.
func Newf(mode Mode, format string, args ...any) *Error {
	return &Error{Mode: mode, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given mode caused by err.
func Wrap(mode Mode, err error) *Error {
	return &Error{Mode: mode, Err: err}
}

// Error formats the mode, detail and cause.
func (e *Error) Error() string {
	msg := e.Mode.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}

	if e.Err != nil {
		msg += ":\n" + e.Err.Error()
	}

	return msg
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the mode is inherently fatal.
func (e *Error) Fatal() bool {
	return e.Mode.Fatal()
}

// Is matches another *Error with the same mode.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Mode == e.Mode && t.Detail == "" && t.Err == nil
}

// ModeOf extracts the mode of a classified error, or 0 if err is unclassified.
func ModeOf(err error) Mode {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Mode
	}

	return 0
}
