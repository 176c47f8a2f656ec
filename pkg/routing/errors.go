package routing

import (
	"errors"
	"fmt"
)

// ErrNoAvailableProvider is returned when the eligible set is empty:
// every candidate is disabled, tripped, over budget, or already tried.
var ErrNoAvailableProvider = errors.New("no available provider")

// NoProviderError wraps ErrNoAvailableProvider with the per-provider
// exclusion reasons, for diagnostics.
type NoProviderError struct {
	Type    string
	Group   string
	Reasons map[string]string // provider ID -> why it was excluded
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no available provider for type %q group %q (%d excluded)",
		e.Type, e.Group, len(e.Reasons))
}

func (e *NoProviderError) Unwrap() error { return ErrNoAvailableProvider }

// CallError reports a provider call failure observed during routing.
// Transient failures make the router try the next provider; permanent
// ones surface immediately.
type CallError struct {
	ProviderID string
	Vendor     string
	Transient  bool
	Cause      error
}

func (e *CallError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("provider %s (%s) %s failure: %v", e.ProviderID, e.Vendor, kind, e.Cause)
}

func (e *CallError) Unwrap() error { return e.Cause }

// Transient marks err as a retryable provider failure.
func Transient(providerID, vendor string, cause error) *CallError {
	return &CallError{ProviderID: providerID, Vendor: vendor, Transient: true, Cause: cause}
}

// Permanent marks err as a non-retryable provider failure.
func Permanent(providerID, vendor string, cause error) *CallError {
	return &CallError{ProviderID: providerID, Vendor: vendor, Transient: false, Cause: cause}
}

// ExhaustedError is returned when the attempt budget ran out before
// any provider succeeded. It carries the last failure.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d routing attempts failed: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }
