package counter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is returned (possibly wrapped) when the counter store
// cannot be reached. Callers use errors.Is against it to decide whether
// to degrade: quota reads fall back to the durable request log, while
// concurrency reservations fail closed.
var ErrUnavailable = errors.New("counter store unavailable")

// Store is the shared atomic counter store.
//
// All methods are safe for concurrent use. Incr, IncrCheck, and
// CompareAndSwap are atomic: two concurrent callers never both observe
// the same prior value.
type Store interface {
	// Incr atomically adds delta to the counter at key, creating it at
	// zero if absent, and returns the new value.
	Incr(ctx context.Context, key string, delta int64) (int64, error)

	// IncrCheck atomically adds delta to the counter at key but rolls the
	// addition back if the result would exceed ceiling. It returns the
	// counter value after the operation and whether the addition was kept.
	//
	// This is the reserve primitive for concurrency ceilings: the
	// check and the increment are a single atomic step.
	IncrCheck(ctx context.Context, key string, delta, ceiling int64) (int64, bool, error)

	// Get returns the counter value at key and whether the key exists.
	Get(ctx context.Context, key string) (int64, bool, error)

	// GetMulti returns the values for all keys that exist. Missing keys
	// are absent from the result map.
	GetMulti(ctx context.Context, keys []string) (map[string]int64, error)

	// Set unconditionally stores value at key.
	Set(ctx context.Context, key string, value int64) error

	// CompareAndSwap atomically replaces the value at key with new if the
	// current value equals old. A missing key is treated as zero. Returns
	// whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, old, new int64) (bool, error)

	// Delete removes the counter at key. No-op if the key is absent.
	Delete(ctx context.Context, key string) error

	// Expire sets a time-to-live on key. After the TTL elapses the key
	// reads as absent. A no-op if the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Close releases backend resources. The store must not be used after
	// Close returns.
	Close() error
}

// StoreError wraps a backend failure with the backing store and the
// operation that failed. It matches ErrUnavailable under errors.Is so
// degradation policies can be written against a single sentinel.
type StoreError struct {
	Backend   string // "memory", "sqlite"
	Operation string // "incr", "get", ...
	Cause     error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("counter store error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for errors.Is().
func (e *StoreError) Is(target error) bool {
	return target == ErrUnavailable
}

// NewStoreError creates a new StoreError.
func NewStoreError(backend, operation string, cause error) *StoreError {
	return &StoreError{
		Backend:   backend,
		Operation: operation,
		Cause:     cause,
	}
}
