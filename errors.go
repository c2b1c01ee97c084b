package livecache

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Sentinel errors callers can match with errors.Is. KeyError and
// ExpiredError carry additional context and unwrap to these.
var (
	ErrKeyAlreadyExists   = errors.New("livecache: key already exists")
	ErrKeyNotFound        = errors.New("livecache: key not found")
	ErrKeyHasExpired      = errors.New("livecache: key has expired")
	ErrInvalidConfig      = errors.New("livecache: invalid configuration")
	ErrObjectDisposed     = errors.New("livecache: cache has been disposed")
)

// KeyError wraps one of the sentinel errors above with the offending key
// and, for operations, so callers get useful %v output without losing
// errors.Is/As compatibility.
type KeyError struct {
	Op  string
	Key any
	Err error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("livecache: %s %v: %v", e.Op, e.Key, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

// ExpiredError is returned by Get/Update when an entry is past its
// expiration and the caller asked to be told. It carries the instant the
// entry expired at so callers can log or reason about lateness.
type ExpiredError struct {
	Key       any
	ExpiredAt time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("livecache: key %v expired at %s", e.Key, e.ExpiredAt)
}

func (e *ExpiredError) Unwrap() error { return ErrKeyHasExpired }

func keyErr(op string, key any, err error) error {
	return &KeyError{Op: op, Key: key, Err: err}
}

// combineErrors aggregates zero or more errors into a single error using
// go.uber.org/multierr, which is also what surfaces as the Aggregate
// error kind described in the configuration contract: Aggregate carries
// multiple of the taxonomy's other kinds. Returns nil if every error is
// nil.
func combineErrors(errs ...error) error {
	return multierr.Combine(errs...)
}
