package spec

import (
	"errors"
	"fmt"
)

// MatrixErrorCode is the wire errcode carried in a standard error response.
type MatrixErrorCode string

const (
	ErrorUnknown          MatrixErrorCode = "M_UNKNOWN"
	ErrorForbidden        MatrixErrorCode = "M_FORBIDDEN"
	ErrorBadJSON          MatrixErrorCode = "M_BAD_JSON"
	ErrorNotJSON          MatrixErrorCode = "M_NOT_JSON"
	ErrorNotFound         MatrixErrorCode = "M_NOT_FOUND"
	ErrorInvalidEvent     MatrixErrorCode = "M_INVALID_EVENT"
	ErrorInvalidSignature MatrixErrorCode = "M_INVALID_SIGNATURE"
	ErrorUnauthorized     MatrixErrorCode = "M_UNAUTHORIZED"
)

// ErrorKind classifies an admission failure for the ingestion pipeline.
// Every error that crosses a component boundary in the core carries one of
// these kinds; callers branch on the kind rather than on error strings.
type ErrorKind int

const (
	// KindValidation is a malformed event shape or malformed JSON.
	KindValidation ErrorKind = iota + 1
	// KindHashMismatch is a content hash that does not match the event.
	KindHashMismatch
	// KindSignatureInvalid is a missing or non-verifying signature.
	KindSignatureInvalid
	// KindAuthRejected is a failure against the event's own auth chain.
	// The event is not persisted.
	KindAuthRejected
	// KindAuthSoftFailed is a failure against the room's current state.
	// The event is persisted but not propagated.
	KindAuthSoftFailed
	// KindNotFound is a reference to an unknown room or event.
	KindNotFound
	// KindKeyUnavailable is a remote key fetch that failed or timed out.
	KindKeyUnavailable
	// KindInternal is a storage or other unexpected failure.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindHashMismatch:
		return "HashMismatch"
	case KindSignatureInvalid:
		return "SignatureInvalid"
	case KindAuthRejected:
		return "AuthRejected"
	case KindAuthSoftFailed:
		return "AuthSoftFailed"
	case KindNotFound:
		return "NotFound"
	case KindKeyUnavailable:
		return "KeyUnavailable"
	default:
		return "InternalError"
	}
}

// ErrCode returns the wire errcode for the kind.
func (k ErrorKind) ErrCode() MatrixErrorCode {
	switch k {
	case KindValidation:
		return ErrorBadJSON
	case KindHashMismatch, KindSignatureInvalid:
		return ErrorInvalidEvent
	case KindAuthRejected, KindAuthSoftFailed:
		return ErrorForbidden
	case KindNotFound:
		return ErrorNotFound
	default:
		return ErrorUnknown
	}
}

// MatrixError is the standard error response body, extended with the
// admission Kind so that in-process callers can branch without string
// matching. It is a value, not a panic: the pipeline resolves every
// internal failure into one of these before returning.
type MatrixError struct {
	Kind    ErrorKind       `json:"-"`
	ErrCode MatrixErrorCode `json:"errcode"`
	Err     string          `json:"error"`
}

func (e MatrixError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Err)
}

// NewError builds a MatrixError for the given kind.
func NewError(kind ErrorKind, format string, args ...interface{}) MatrixError {
	return MatrixError{
		Kind:    kind,
		ErrCode: kind.ErrCode(),
		Err:     fmt.Sprintf(format, args...),
	}
}

// A Kinder is any error that classifies itself.
type Kinder interface {
	Kind() ErrorKind
}

// KindOf extracts the ErrorKind from err, unwrapping as needed, and
// returns KindInternal for anything unclassified.
func KindOf(err error) ErrorKind {
	if err == nil {
		return 0
	}
	var me MatrixError
	if errors.As(err, &me) {
		return me.Kind
	}
	var kinder Kinder
	if errors.As(err, &kinder) {
		return kinder.Kind()
	}
	return KindInternal
}
