package fetcherr

import "fmt"

// Code is a failure code produced by the transport or the local store.
// Codes travel on the wire, so values must never be renumbered.
type Code uint8

const (
	CodeDecodeFailed     Code = 1
	CodeDataNotFound     Code = 3
	CodeInternalError    Code = 4
	CodeRejectedOverload Code = 5
	CodeRouteNotFound    Code = 6
	CodeTransferFailed   Code = 7
	CodeVerifyFailed     Code = 8
	CodeCancelled        Code = 9
	CodeRecentlyFailed   Code = 10
)

var codeNames = map[Code]string{
	CodeDecodeFailed:     "DECODE_FAILED",
	CodeDataNotFound:     "DATA_NOT_FOUND",
	CodeInternalError:    "INTERNAL_ERROR",
	CodeRejectedOverload: "REJECTED_OVERLOAD",
	CodeRouteNotFound:    "ROUTE_NOT_FOUND",
	CodeTransferFailed:   "TRANSFER_FAILED",
	CodeVerifyFailed:     "VERIFY_FAILED",
	CodeCancelled:        "CANCELLED",
	CodeRecentlyFailed:   "RECENTLY_FAILED",
}

// rule is one row of the translation table. forceFatal marks failures
// that no retry can fix, whatever the mode's own fatality.
type rule struct {
	mode       Mode
	forceFatal bool
}

// translation is the fixed mapping from low-level codes to fetch modes.
// Every code the transport can produce must appear here.
var translation = map[Code]rule{
	CodeDecodeFailed:     {mode: BlockDecodeError},
	CodeDataNotFound:     {mode: DataNotFound, forceFatal: true},
	CodeRecentlyFailed:   {mode: RecentlyFailed, forceFatal: true},
	CodeInternalError:    {mode: InternalError},
	CodeRejectedOverload: {mode: RejectedOverload},
	CodeRouteNotFound:    {mode: RouteNotFound},
	CodeTransferFailed:   {mode: TransferFailed},
	CodeVerifyFailed:     {mode: BlockDecodeError},
	CodeCancelled:        {mode: Cancelled},
}

// String returns the upper-case name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}

	return fmt.Sprintf("CODE_%d", uint8(c))
}

// Known reports whether c has a translation.
func (c Code) Known() bool {
	_, ok := translation[c]
	return ok
}

// Codes returns every defined low-level code.
func Codes() []Code {
	codes := make([]Code, 0, len(translation))
	for c := range translation {
		codes = append(codes, c)
	}

	return codes
}

// LowLevelError is a failure below the fetch-semantics layer.
type LowLevelError struct {
	Code Code  // Code classifies the failure
	Err  error // Err is the underlying cause, if any
}

// NewLowLevel creates a low-level error with an optional cause.
func NewLowLevel(code Code, err error) *LowLevelError {
	return &LowLevelError{Code: code, Err: err}
}

// Error formats the code and cause.
func (e *LowLevelError) Error() string {
	if e.Err != nil {
		return e.Code.String() + ":\n" + e.Err.Error()
	}

	return e.Code.String()
}

// Unwrap returns the cause.
func (e *LowLevelError) Unwrap() error {
	return e.Err
}

// Translate maps a low-level failure into the fetch taxonomy and reports
// whether it is fatal, either inherently or forced by the table.
// It panics on an unmapped code: producing one is a programming error in the transport.
func Translate(e *LowLevelError) (*Error, bool) {
	r, ok := translation[e.Code]
	if !ok {
		panic(fmt.Sprintf("fetcherr: no translation for low-level code %d", uint8(e.Code)))
	}

	return &Error{Mode: r.mode, Err: e.Err}, r.forceFatal || r.mode.Fatal()
}
