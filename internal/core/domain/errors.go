package domain

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors represent business logic failures.
// These are distinct from infrastructure errors.
var (
	// ErrNotFound indicates a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates an entity already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates malformed or invalid input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedType indicates an unknown adapter, intake or store kind.
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrCursorCorrupt indicates a persisted cursor could not be decoded.
	// The store hands back an empty state alongside this error so the
	// stream can continue while the operator is alerted.
	ErrCursorCorrupt = errors.New("cursor state corrupt")

	// ErrNotReady indicates the source has nothing to offer yet, such as
	// an index or log file that has not been generated.
	ErrNotReady = errors.New("source not ready")

	// ErrPositionKind indicates a cursor position of the wrong variant was
	// handed to an adapter.
	ErrPositionKind = errors.New("unexpected position kind")

	// Authentication Errors.

	// ErrAuthRequired indicates the adapter requires authentication but none is configured.
	ErrAuthRequired = errors.New("authentication required")

	// ErrAuthInvalid indicates the authentication credentials are invalid.
	ErrAuthInvalid = errors.New("authentication invalid")

	// ErrTokenRefreshFailed indicates token refresh operation failed.
	ErrTokenRefreshFailed = errors.New("token refresh failed")

	// ErrRefreshUnsupported indicates the credential cannot be refreshed (static tokens).
	ErrRefreshUnsupported = errors.New("credential refresh unsupported")

	// Stream Errors.

	// ErrRateLimited indicates the API rate limit was exceeded.
	ErrRateLimited = errors.New("rate limited")

	// ErrIntakeRejected indicates the intake refused a batch with a non-retryable status.
	ErrIntakeRejected = errors.New("intake rejected batch")

	// ErrWorkerStopped indicates a worker is no longer running.
	ErrWorkerStopped = errors.New("worker stopped")
)

// ErrorKind classifies failures raised by adapters, the forwarder and stores.
// The engine picks its policy from the kind alone.
type ErrorKind string

// Error kinds.
const (
	// KindTransient covers network hiccups, 5xx responses and timeouts.
	KindTransient ErrorKind = "transient"

	// KindRateLimited means the vendor asked us to slow down.
	KindRateLimited ErrorKind = "rate-limited"

	// KindEmpty means nothing new is available yet.
	KindEmpty ErrorKind = "empty"

	// KindMalformed means one record failed to parse.
	KindMalformed ErrorKind = "malformed"

	// KindAuth means credentials were rejected but may be refreshed.
	KindAuth ErrorKind = "auth"

	// KindFatalAuth means credentials were rejected after a refresh.
	KindFatalAuth ErrorKind = "fatal-auth"

	// KindFatalConfig means the adapter refuses its configuration.
	KindFatalConfig ErrorKind = "fatal-config"

	// KindPermanent means the intake returned a non-retryable status.
	KindPermanent ErrorKind = "permanent-fail"
)

// String returns the string representation.
func (k ErrorKind) String() string {
	return string(k)
}

// Retryable reports whether the operation may be attempted again as-is.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// Fatal reports whether the kind stops the owning worker for good.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindFatalAuth, KindFatalConfig, KindPermanent:
		return true
	default:
		return false
	}
}

// StreamError is a classified error.
type StreamError struct {
	// Kind selects the engine policy.
	Kind ErrorKind

	// Op names the failing operation (e.g. "list events").
	Op string

	// WaitHint is a server-provided delay before the next attempt, if any.
	WaitHint time.Duration

	// Err is the underlying cause.
	Err error
}

func (e *StreamError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.WaitHint > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.WaitHint)
	}
	return msg
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &StreamError{Kind: KindTransient, Op: op, Err: err}
}

// RateLimited wraps err as a rate-limit response carrying the vendor wait hint.
func RateLimited(op string, wait time.Duration, err error) error {
	if err == nil {
		err = ErrRateLimited
	}
	return &StreamError{Kind: KindRateLimited, Op: op, WaitHint: wait, Err: err}
}

// NotReady reports that the source has nothing to offer yet.
func NotReady(op string, err error) error {
	if err == nil {
		err = ErrNotReady
	}
	return &StreamError{Kind: KindEmpty, Op: op, Err: err}
}

// Malformed wraps a per-record decoding failure.
func Malformed(op string, err error) error {
	return &StreamError{Kind: KindMalformed, Op: op, Err: err}
}

// AuthRejected reports a credential rejection that a refresh may cure.
func AuthRejected(op string, err error) error {
	if err == nil {
		err = ErrAuthInvalid
	}
	return &StreamError{Kind: KindAuth, Op: op, Err: err}
}

// FatalAuth reports a credential rejection that survived a refresh.
func FatalAuth(op string, err error) error {
	if err == nil {
		err = ErrAuthInvalid
	}
	return &StreamError{Kind: KindFatalAuth, Op: op, Err: err}
}

// FatalConfig reports an adapter configuration the adapter cannot work with.
func FatalConfig(op string, err error) error {
	return &StreamError{Kind: KindFatalConfig, Op: op, Err: err}
}

// PermanentFail reports a non-retryable intake rejection.
func PermanentFail(op string, err error) error {
	if err == nil {
		err = ErrIntakeRejected
	}
	return &StreamError{Kind: KindPermanent, Op: op, Err: err}
}

// KindOf classifies err. Unclassified errors are treated as transient so
// that no unknown failure can advance a cursor or kill a stream silently.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrNotReady):
		return KindEmpty
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrAuthInvalid), errors.Is(err, ErrAuthRequired), errors.Is(err, ErrTokenRefreshFailed):
		return KindFatalAuth
	case errors.Is(err, ErrIntakeRejected):
		return KindPermanent
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnsupportedType), errors.Is(err, ErrPositionKind):
		return KindFatalConfig
	}
	return KindTransient
}

// WaitHintOf returns the wait hint carried by err, or zero.
func WaitHintOf(err error) time.Duration {
	var se *StreamError
	if errors.As(err, &se) {
		return se.WaitHint
	}
	return 0
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
