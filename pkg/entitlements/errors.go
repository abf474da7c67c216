package entitlements

import (
	"errors"
	"fmt"
)

// Base error types
var (
	ErrNotFound            = errors.New("not found")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrUnknownFeature      = errors.New("unknown feature")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")
	ErrNegativeBalance     = errors.New("balance must not be negative")
)

// StoreError is an infrastructure failure reported by a storage adapter.
type StoreError struct {
	Op  string // Operation that failed (e.g., "get_balance", "apply")
	Err error  // Underlying driver error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *StoreError) Is(target error) bool {
	if target == ErrStorageUnavailable {
		return true
	}
	return errors.Is(e.Err, target)
}

// WrapStoreError marks err as a storage failure. Nil stays nil and errors
// that are already classified pass through unchanged.
func WrapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsStorageUnavailable reports whether err is an infrastructure failure.
func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
