package routing

import (
	"context"
)

// exclusion reasons recorded in NoProviderError.
const (
	reasonDisabled    = "disabled"
	reasonType        = "type mismatch"
	reasonGroup       = "group not served"
	reasonZeroWeight  = "weight zero"
	reasonCircuit     = "circuit open"
	reasonBudget      = "endpoint budget exhausted"
	reasonTried       = "already tried"
	reasonGateFailure = "budget gate error"
)

// BudgetGate decides whether a provider's endpoint budget admits the
// estimated cost. A nil gate admits everything.
type BudgetGate func(ctx context.Context, p *Provider, req *Request) error

// CircuitGate decides whether a provider's circuit admits a call. A
// nil gate admits everything.
type CircuitGate func(ctx context.Context, p *Provider) bool

// eligible filters providers down to those that can serve the request
// right now, excluding anything in tried. Exclusion reasons accumulate
// in reasons when non-nil.
func (r *Router) eligible(ctx context.Context, providers []*Provider, req *Request, tried map[string]bool, reasons map[string]string) []*Provider {
	exclude := func(p *Provider, why string) {
		if reasons != nil {
			reasons[p.ID] = why
		}
	}

	var out []*Provider
	for _, p := range providers {
		switch {
		case tried[p.ID]:
			exclude(p, reasonTried)
		case !p.Enabled:
			exclude(p, reasonDisabled)
		case p.Weight == 0:
			exclude(p, reasonZeroWeight)
		case p.Type != req.Type:
			exclude(p, reasonType)
		case !p.ServesGroup(req.Group):
			exclude(p, reasonGroup)
		case r.circuit != nil && !r.circuit(ctx, p):
			exclude(p, reasonCircuit)
		default:
			if r.budget != nil {
				if err := r.budget(ctx, p, req); err != nil {
					exclude(p, reasonBudget)
					continue
				}
			}
			out = append(out, p)
		}
	}
	return out
}

// bestTier collapses an eligible set to its lowest priority value.
func bestTier(providers []*Provider) []*Provider {
	if len(providers) == 0 {
		return nil
	}
	best := providers[0].Priority
	for _, p := range providers[1:] {
		if p.Priority < best {
			best = p.Priority
		}
	}
	var tier []*Provider
	for _, p := range providers {
		if p.Priority == best {
			tier = append(tier, p)
		}
	}
	return tier
}

// draw picks one provider from a tier, weighted by configured weight.
func (r *Router) draw(tier []*Provider) *Provider {
	if len(tier) == 1 {
		return tier[0]
	}
	total := 0
	for _, p := range tier {
		total += p.effectiveWeight()
	}
	n := r.intn(total)
	for _, p := range tier {
		n -= p.effectiveWeight()
		if n < 0 {
			return p
		}
	}
	return tier[len(tier)-1]
}
