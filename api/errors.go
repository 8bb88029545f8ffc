// File: api/errors.go
// Package api
// Author: momentics <momentics@gmail.com>
//
// Transport error taxonomy. §7 of the transport spec enumerates a single,
// exhaustive set of error kinds at the transport layer; this file carries
// that taxonomy as one typed Error value so callers can switch on Code
// instead of pattern-matching error strings.

package api

import "fmt"

// ErrorCode enumerates the exhaustive transport-level error kinds.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota

	// Framing errors: recovered locally, counted, degrade the connection
	// after a threshold of consecutive occurrences.
	ErrCodeBadMagic
	ErrCodeBadVersion
	ErrCodeBadFlags
	ErrCodeOversize
	ErrCodeUndersize
	ErrCodeBadCRC

	// Ring flow-control: never fatal.
	ErrCodeFull
	ErrCodeEmpty

	// Corrupt ring slot: the peer wrote an invalid length prefix.
	ErrCodeCorrupt

	// Connection-level.
	ErrCodeClosed
	ErrCodeTimeout

	// Region-creation errors: fatal at startup, recoverable at runtime by
	// retrying with a fresh name.
	ErrCodePermissionDenied
	ErrCodeAlreadyInUse
	ErrCodeOOM

	ErrCodeInvalidArgument
	ErrCodeNotFound
	ErrCodeInternal

	// ErrCodeGap is a Stream Multiplexer-level error (§4.7): the consumer
	// observed a StreamChunk sequence number it was not expecting next.
	ErrCodeGap
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeBadMagic:
		return "bad_magic"
	case ErrCodeBadVersion:
		return "bad_version"
	case ErrCodeBadFlags:
		return "bad_flags"
	case ErrCodeOversize:
		return "oversize"
	case ErrCodeUndersize:
		return "undersize"
	case ErrCodeBadCRC:
		return "bad_crc"
	case ErrCodeFull:
		return "full"
	case ErrCodeEmpty:
		return "empty"
	case ErrCodeCorrupt:
		return "corrupt"
	case ErrCodeClosed:
		return "closed"
	case ErrCodeTimeout:
		return "timeout"
	case ErrCodePermissionDenied:
		return "permission_denied"
	case ErrCodeAlreadyInUse:
		return "already_in_use"
	case ErrCodeOOM:
		return "oom"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeGap:
		return "gap"
	default:
		return "internal"
	}
}

// Error is the single structured error type used across the transport.
// Callers compare by Code (via Is), never by string matching.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (context: %+v)", e.Code, e.Message, e.Context)
}

// Is allows errors.Is(err, NewError(code, "")) to match on Code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError constructs a structured transport error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithContext returns a copy of e with key/value attached, leaving e itself
// untouched. Sentinel errors such as ErrFull are shared package-level
// values, so attaching context must never mutate the receiver in place.
func (e *Error) WithContext(key string, value any) *Error {
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	return &Error{Code: e.Code, Message: e.Message, Context: ctx}
}

// Sentinel instances for errors.Is comparisons against a bare code.
var (
	ErrBadMagic         = NewError(ErrCodeBadMagic, "invalid frame magic")
	ErrBadVersion       = NewError(ErrCodeBadVersion, "unsupported protocol version")
	ErrBadFlags         = NewError(ErrCodeBadFlags, "reserved flag bits set")
	ErrOversize         = NewError(ErrCodeOversize, "frame payload exceeds maximum size")
	ErrUndersize        = NewError(ErrCodeUndersize, "frame shorter than header")
	ErrBadCRC           = NewError(ErrCodeBadCRC, "frame CRC-32 mismatch")
	ErrFull             = NewError(ErrCodeFull, "ring has insufficient space")
	ErrEmpty            = NewError(ErrCodeEmpty, "ring has no data")
	ErrCorrupt          = NewError(ErrCodeCorrupt, "corrupt length prefix in ring slot")
	ErrClosed           = NewError(ErrCodeClosed, "connection closed")
	ErrTimeout          = NewError(ErrCodeTimeout, "operation timed out")
	ErrPermissionDenied = NewError(ErrCodePermissionDenied, "permission denied creating shared region")
	ErrAlreadyInUse     = NewError(ErrCodeAlreadyInUse, "named region already in use")
	ErrOOM              = NewError(ErrCodeOOM, "insufficient memory for region")
	ErrInvalidArgument  = NewError(ErrCodeInvalidArgument, "invalid argument")
	ErrNotFound         = NewError(ErrCodeNotFound, "resource not found")
	ErrGap              = NewError(ErrCodeGap, "stream chunk sequence gap detected")
)
