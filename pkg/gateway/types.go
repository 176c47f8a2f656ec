package gateway

import (
	"errors"
	"fmt"
	"time"

	"stratus-hq/saturn/pkg/ledger"
	"stratus-hq/saturn/pkg/limits"
	"stratus-hq/saturn/pkg/limits/quota"
	"stratus-hq/saturn/pkg/limits/session"
	"stratus-hq/saturn/pkg/money"
	"stratus-hq/saturn/pkg/routing"
)

// Sentinel admission errors.
var (
	ErrUnknownKey  = errors.New("unknown api key")
	ErrKeyDisabled = errors.New("api key disabled")
)

// KeyError wraps an admission identity failure with the key ID.
type KeyError struct {
	KeyID string
	Cause error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("key %s: %v", e.KeyID, e.Cause)
}

func (e *KeyError) Unwrap() error { return e.Cause }

// Request is one admitted call's routing inputs.
type Request struct {
	// KeyID identifies the caller.
	KeyID string

	// Type is the provider type the call needs, e.g. "chat".
	Type string

	// Estimate overrides the gateway's cost estimate when positive.
	Estimate money.Amount
}

// CallResult is what an invoked provider reported back.
type CallResult struct {
	StatusCode       int
	Cost             money.Amount
	PromptTokens     int
	CompletionTokens int
}

// Admission is an in-flight claim on budgets and a concurrency slot.
// Exactly one of Settle or Release must follow.
type Admission struct {
	Key      *Key
	Estimate money.Amount
	Started  time.Time

	slot        *session.Slot
	reservation *quota.Reservation

	// breakerRecorded marks that the routing layer already fed this
	// call's outcome into the circuit, so settlement must not record
	// it twice.
	breakerRecorded bool

	settled bool
}

// Outcome describes a finished call for settlement.
type Outcome struct {
	// Provider served (or last attempted) the call. Nil when the call
	// never reached a provider.
	Provider *routing.Provider

	// OK marks transport-level success.
	OK bool

	StatusCode       int
	LatencyMS        int64
	ErrorType        string
	Cost             money.Amount
	PromptTokens     int
	CompletionTokens int
}

// Result is a completed gateway call.
type Result struct {
	Provider *routing.Provider
	Attempts int
	Record   *ledger.CallRecord
	Call     *CallResult
}

// UsageReport is one subject's spend across all windows plus its
// in-flight count.
type UsageReport struct {
	Windows  []limits.Usage `json:"windows"`
	InFlight int            `json:"in_flight"`
}
