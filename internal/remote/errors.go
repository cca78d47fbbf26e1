package remote

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can react without string matching.
type Kind string

// Error kinds. Every failure surfaced by the gateway, the poller or the
// dispatcher carries exactly one of these.
const (
	KindAuthMissing      Kind = "auth_missing"
	KindTransport        Kind = "transport"
	KindRemoteRejected   Kind = "remote_rejected"
	KindOperationFailed  Kind = "operation_failed"
	KindTimeout          Kind = "timeout"
	KindCancelled        Kind = "cancelled"
	KindDecodePartial    Kind = "decode_partial"
	KindInvalidArguments Kind = "invalid_arguments"
	KindUnknownOperation Kind = "unknown_operation"
)

// Error is a classified failure. StatusCode is set only for KindRemoteRejected.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of err. Bare context errors classify as
// KindCancelled; anything else unclassified is KindTransport.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindTransport
}

// IsKind returns true if err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsAuthMissing returns true if the call was refused locally for lack of a token.
func IsAuthMissing(err error) bool { return IsKind(err, KindAuthMissing) }

// IsTimeout returns true if a polling budget was exhausted.
func IsTimeout(err error) bool { return IsKind(err, KindTimeout) }

// IsCancelled returns true if the caller's context ended the call.
func IsCancelled(err error) bool { return IsKind(err, KindCancelled) }

// StatusCode returns the HTTP status carried by a rejected call, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// Cancelled reports err as KindCancelled, preferring the context's cause.
func Cancelled(ctx context.Context, err error) *Error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = err
	}
	return &Error{Kind: KindCancelled, Message: fmt.Sprintf("request cancelled: %v", cause), Err: err}
}
