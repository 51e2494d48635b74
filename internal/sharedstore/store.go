// Package sharedstore defines the cross-process key/value and list contract
// that locks and the change queue are built on. Backends live in
// subpackages.
package sharedstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable reports that the backing service could not be reached.
	ErrUnavailable = errors.New("sharedstore: unavailable")
	// ErrInvalidKey rejects empty keys and list names.
	ErrInvalidKey = errors.New("sharedstore: invalid key")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("sharedstore: closed")
)

// Store is the atomic primitive set shared by every process instance.
//
// All operations are fail-fast: none of them waits for a key to become free
// or for a list to become non-empty.
type Store interface {
	// SetIfAbsent stores value under key with the given ttl only when no live
	// entry exists. It reports whether the entry was created.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// PushTail appends item to the named list.
	PushTail(ctx context.Context, list string, item []byte) error
	// PopHead removes and returns the oldest item of the named list. ok is
	// false when the list is empty.
	PopHead(ctx context.Context, list string) (item []byte, ok bool, err error)
	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable by the retry wrapper.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// Unavailable wraps err so that both errors.Is(err, ErrUnavailable) and the
// original cause remain visible. The result is transient.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return NewTransientError(&unavailableError{op: op, err: err})
}

type unavailableError struct {
	op  string
	err error
}

func (u *unavailableError) Error() string {
	return "sharedstore: " + u.op + ": unavailable: " + u.err.Error()
}

func (u *unavailableError) Unwrap() []error { return []error{ErrUnavailable, u.err} }

// ValidateKey rejects empty identifiers.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}
