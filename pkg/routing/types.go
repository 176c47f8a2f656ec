// Package routing selects providers and drives failover.
//
// Selection happens in two stages. First every configured provider is
// filtered down to the eligible set: enabled, carrying nonzero weight,
// matching the request's provider type and group, circuit admitting,
// and endpoint budget not exhausted. Then the eligible set collapses to its best priority tier
// and one provider is drawn at random, weighted by configured weight.
//
// Route wraps selection in a bounded retry loop: transient failures
// move on to the next eligible provider until the per-request attempt
// budget runs out. The attempt budget is deliberately separate from
// the breaker's failure counting; one request retrying is not the same
// signal as a provider failing repeatedly across requests.
package routing

import (
	"strings"

	"stratus-hq/saturn/pkg/limits"
	"stratus-hq/saturn/pkg/money"
)

// Provider is one routable upstream endpoint.
type Provider struct {
	// ID is the unique endpoint identifier.
	ID string `json:"id" yaml:"id"`

	// Vendor names the upstream operator. Circuits trip per vendor
	// and type, so two endpoints of the same vendor and type share a
	// circuit.
	Vendor string `json:"vendor" yaml:"vendor"`

	// Type is the provider type this endpoint serves, e.g. "chat" or
	// "embedding".
	Type string `json:"type" yaml:"type"`

	// Priority orders failover tiers; lower is preferred. Providers
	// in the best eligible tier split traffic by weight, lower tiers
	// only see traffic when every better tier is ineligible.
	Priority int `json:"priority" yaml:"priority"`

	// Weight is the provider's share within its tier. Zero takes the
	// provider out of selection without disabling it; negative counts
	// as one.
	Weight int `json:"weight" yaml:"weight"`

	// Enabled gates the provider entirely.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Groups is a comma-separated list of key groups this provider
	// accepts. Empty means all groups.
	Groups string `json:"groups,omitempty" yaml:"groups,omitempty"`

	// Budget is an optional endpoint-level spend ceiling, mirrored
	// from the vendor dashboard so routing can steer away before the
	// vendor starts rejecting.
	Budget *limits.Budget `json:"budget,omitempty" yaml:"budget,omitempty"`
}

// ServesGroup reports whether the provider accepts keys of the given
// group. An empty group on either side is a wildcard.
func (p *Provider) ServesGroup(group string) bool {
	if p.Groups == "" || group == "" {
		return true
	}
	for _, g := range strings.Split(p.Groups, ",") {
		if strings.TrimSpace(g) == group {
			return true
		}
	}
	return false
}

// Request carries the routing inputs of one call.
type Request struct {
	// Type is the provider type the call needs.
	Type string

	// Group is the calling key's group.
	Group string

	// Estimate is the projected cost, checked against endpoint
	// budgets.
	Estimate money.Amount
}

// effectiveWeight clamps negative misconfiguration to one. Weight-zero
// providers never reach draw; eligible filters them out.
func (p *Provider) effectiveWeight() int {
	if p.Weight < 0 {
		return 1
	}
	return p.Weight
}
