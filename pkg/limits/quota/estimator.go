package quota

import (
	"sync"

	"stratus-hq/saturn/pkg/limits"
	"stratus-hq/saturn/pkg/money"
)

// ewmaWeight is the smoothing factor applied to new observations,
// expressed in parts per hundred. 20 means a new cost moves the
// estimate a fifth of the way toward itself.
const ewmaWeight = 20

// Estimator predicts the cost of a subject's next call from an
// exponentially weighted moving average of its settled costs. Subjects
// with no history use the configured initial estimate.
//
// The estimate only has to be in the right ballpark: admission
// overshoot is corrected at settlement, and the soft-overage policy
// already tolerates one optimistic call.
type Estimator struct {
	mu      sync.Mutex
	avg     map[string]int64 // subject -> EWMA in micro-USD
	initial money.Amount
}

// NewEstimator creates an estimator that returns initial for subjects
// with no settled history.
func NewEstimator(initial money.Amount) *Estimator {
	return &Estimator{
		avg:     make(map[string]int64),
		initial: initial,
	}
}

// Estimate returns the predicted cost of the subject's next call.
func (e *Estimator) Estimate(subject limits.Subject) money.Amount {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.avg[subject.String()]; ok {
		return money.FromMicros(v)
	}
	return e.initial
}

// Observe folds a settled cost into the subject's moving average.
// Zero-cost settlements (failed calls that were never billed) are
// ignored so they do not drag the estimate toward zero.
func (e *Estimator) Observe(subject limits.Subject, cost money.Amount) {
	if cost.IsZero() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := subject.String()
	prev, ok := e.avg[key]
	if !ok {
		e.avg[key] = cost.Micros()
		return
	}
	e.avg[key] = prev + (cost.Micros()-prev)*ewmaWeight/100
}

// Len reports how many subjects have history, for metrics.
func (e *Estimator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.avg)
}
