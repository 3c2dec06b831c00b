// Package errs provides the typed error kinds shared across the indexer,
// query, and server layers. Every I/O-boundary error is wrapped into one
// of these kinds so that callers can decide whether to retry, translate
// into an HTTP/JSON-RPC status, or treat the failure as fatal.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and translation purposes.
type Kind int

const (
	// Unknown is the zero value; Is/As never match it against a real error.
	Unknown Kind = iota

	// Connection covers transient network/timeout/5xx failures talking to
	// the daemon. Safe to retry with backoff.
	Connection

	// RpcError covers a daemon JSON-RPC call that returned a structured
	// error response (not a transport failure).
	RpcError

	// NotFound covers a lookup that legitimately has no result.
	NotFound

	// BadRequest covers malformed caller input.
	BadRequest

	// Indexing covers a post-commit invariant violation in the indexer.
	// Fatal: the process flushes and exits rather than continuing with a
	// possibly-corrupt view of the chain.
	Indexing

	// Io covers local filesystem/disk failures.
	Io

	// Store covers Pebble-level failures (corruption, version mismatch).
	Store

	// Parse covers malformed wire data (blocks, transactions, headers).
	Parse
)

func (k Kind) String() string {
	switch k {
	case Connection:
		return "connection"
	case RpcError:
		return "rpc_error"
	case NotFound:
		return "not_found"
	case BadRequest:
		return "bad_request"
	case Indexing:
		return "indexing"
	case Io:
		return "io"
	case Store:
		return "store"
	case Parse:
		return "parse"
	default:
		return "unknown"
	}
}

// Error is a typed, wrappable error carrying a Kind and a message, plus
// an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a typed error with no underlying cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a typed kind and context message.
// If err is nil, Wrap returns nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// Wrapf wraps an existing error with a typed kind and formatted message.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind carried by err, or Unknown if err isn't a
// typed error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
