// Package apperr defines the error taxonomy shared by the sync engine.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is wrapped by operations that require a pending conflict.
	ErrConflict = errors.New("conflict")
	ErrClosed   = errors.New("closed")
	// ErrCorrupt marks a damaged state database. It is the only globally fatal error.
	ErrCorrupt = errors.New("state store corrupt")
)

// TransientError is a network or server-side failure worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError reports that the remote asked us to slow down.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s: retry after %s", e.Op, e.RetryAfter)
}

// SchemaError describes a content construct the content model cannot represent.
// It is a warning: the construct is kept as an unsupported block.
type SchemaError struct {
	Construct string
	Detail    string
}

func (e *SchemaError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("unsupported construct %q", e.Construct)
	}
	return fmt.Sprintf("unsupported construct %q: %s", e.Construct, e.Detail)
}

// PersistenceError wraps any failure reading or writing sync records.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ParseError reports a local document that could not be read.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is transient or a rate limit.
func IsRetryable(err error) bool {
	var te *TransientError
	var rl *RateLimitError
	return errors.As(err, &te) || errors.As(err, &rl)
}

// IsPersistence reports whether err came from the state store.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// IsParse reports whether err is a local parse failure.
func IsParse(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
