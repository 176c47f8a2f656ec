package gateway

import (
	"sync/atomic"

	"stratus-hq/saturn/pkg/limits"
	"stratus-hq/saturn/pkg/routing"
)

// Key is one API key's admission identity.
type Key struct {
	// ID is the key identifier (never the secret itself).
	ID string `json:"id" yaml:"id"`

	// UserID attributes the key's spend to a user budget. Empty means
	// no user aggregation.
	UserID string `json:"user_id,omitempty" yaml:"user_id,omitempty"`

	// Group selects which providers the key may route to.
	Group string `json:"group,omitempty" yaml:"group,omitempty"`

	// Disabled keys are rejected outright.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// Budget holds the key's cost windows and concurrency ceiling.
	Budget *limits.Budget `json:"budget,omitempty" yaml:"budget,omitempty"`
}

// User aggregates budgets across all of a user's keys.
type User struct {
	ID     string         `json:"id" yaml:"id"`
	Budget *limits.Budget `json:"budget,omitempty" yaml:"budget,omitempty"`
}

// Snapshot is an immutable view of the admission and routing
// configuration. The gateway reads whole snapshots, never individual
// mutable entries, so a config reload can never tear mid-request.
type Snapshot struct {
	Keys      map[string]*Key
	Users     map[string]*User
	Providers []*routing.Provider
}

// SnapshotSource supplies the current configuration snapshot.
type SnapshotSource interface {
	Snapshot() *Snapshot
}

// StaticSource holds a snapshot behind an atomic pointer. Update
// swaps the whole snapshot; readers always see either the old or the
// new one.
type StaticSource struct {
	current atomic.Pointer[Snapshot]
}

// NewStaticSource creates a source with an initial snapshot.
func NewStaticSource(s *Snapshot) *StaticSource {
	src := &StaticSource{}
	src.current.Store(normalize(s))
	return src
}

// Snapshot returns the current snapshot.
func (s *StaticSource) Snapshot() *Snapshot {
	return s.current.Load()
}

// Update atomically replaces the snapshot.
func (s *StaticSource) Update(next *Snapshot) {
	s.current.Store(normalize(next))
}

func normalize(s *Snapshot) *Snapshot {
	if s == nil {
		s = &Snapshot{}
	}
	if s.Keys == nil {
		s.Keys = map[string]*Key{}
	}
	if s.Users == nil {
		s.Users = map[string]*User{}
	}
	return s
}
