package breaker

import (
	"fmt"
	"time"
)

// State is a circuit's position.
type State string

const (
	// StateClosed admits traffic and counts consecutive failures.
	StateClosed State = "closed"
	// StateOpen rejects traffic until the open window elapses.
	StateOpen State = "open"
	// StateHalfOpen admits exactly one trial call whose outcome
	// decides between closing and reopening.
	StateHalfOpen State = "half_open"
)

// circuit state cell values. The counter store only holds integers.
const (
	cellClosed   = 0
	cellOpen     = 1
	cellHalfOpen = 2
)

// Target identifies one circuit: a vendor crossed with a provider
// type. Chat and embedding traffic to the same vendor fail
// independently, so they trip independently.
type Target struct {
	Vendor       string
	ProviderType string
}

func (t Target) String() string {
	return t.Vendor + "/" + t.ProviderType
}

// Status is a point-in-time reading of one circuit. LastFailure is
// retained across closes, so a healthy circuit still reports when it
// last saw a failure.
type Status struct {
	Target      Target    `json:"target"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	OpenedAt    time.Time `json:"opened_at,omitzero"`
	RetryAt     time.Time `json:"retry_at,omitzero"`
}

// OpenCircuitError reports a call refused by an open circuit.
type OpenCircuitError struct {
	Target  Target
	RetryAt time.Time
}

func (e *OpenCircuitError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Target, e.RetryAt.Format(time.RFC3339))
}
