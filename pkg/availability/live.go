package availability

import (
	"sync"
)

// ringSize is how many recent outcomes each target keeps in memory.
const ringSize = 128

// Live tracks the most recent outcomes per target in memory, for
// current-status reads that must not touch the request log. It is the
// fast answer to "how is vendor X doing right now"; the aggregator
// answers everything historical.
type Live struct {
	mu    sync.RWMutex
	rings map[string]*ring
}

// NewLive creates an empty live tracker.
func NewLive() *Live {
	return &Live{rings: make(map[string]*ring)}
}

// Record folds one call outcome into the target's ring.
func (l *Live) Record(vendor, providerType string, ok bool, latencyMS int64) {
	key := vendor + "/" + providerType
	l.mu.Lock()
	r, exists := l.rings[key]
	if !exists {
		r = &ring{}
		l.rings[key] = r
	}
	r.push(ok, latencyMS)
	l.mu.Unlock()
}

// Current returns the target's status over its recent outcomes,
// StatusUnknown when nothing has been recorded.
func (l *Live) Current(vendor, providerType string) (Status, float64) {
	l.mu.RLock()
	r, exists := l.rings[vendor+"/"+providerType]
	l.mu.RUnlock()
	if !exists {
		return StatusUnknown, 0
	}
	rate, hasData := r.successRate()
	return StatusOf(rate, hasData), rate
}

// ring is a fixed-size circular buffer of call outcomes.
type ring struct {
	ok      [ringSize]bool
	latency [ringSize]int64
	next    int
	filled  int
}

func (r *ring) push(ok bool, latencyMS int64) {
	r.ok[r.next] = ok
	r.latency[r.next] = latencyMS
	r.next = (r.next + 1) % ringSize
	if r.filled < ringSize {
		r.filled++
	}
}

func (r *ring) successRate() (float64, bool) {
	if r.filled == 0 {
		return 0, false
	}
	okCount := 0
	for i := 0; i < r.filled; i++ {
		if r.ok[i] {
			okCount++
		}
	}
	return float64(okCount) / float64(r.filled), true
}
