package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"stratus-hq/saturn/pkg/gateway"
)

// AdmissionRegistry holds admissions handed out over the API until
// the caller settles or releases them. Entries carry a TTL: an
// abandoned admission is force-released so its reservation and
// concurrency slot return to the pool.
type AdmissionRegistry struct {
	gw  *gateway.Gateway
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]*registryEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type registryEntry struct {
	admission *gateway.Admission
	expiresAt time.Time
}

// NewAdmissionRegistry creates a registry whose abandoned entries are
// released after ttl.
func NewAdmissionRegistry(gw *gateway.Gateway, ttl time.Duration) *AdmissionRegistry {
	r := &AdmissionRegistry{
		gw:      gw,
		ttl:     ttl,
		entries: make(map[string]*registryEntry),
		stopCh:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.cleanupLoop()
	return r
}

// Put registers an admission and returns its opaque token.
func (r *AdmissionRegistry) Put(adm *gateway.Admission) string {
	token := uuid.NewString()
	r.mu.Lock()
	r.entries[token] = &registryEntry{
		admission: adm,
		expiresAt: time.Now().Add(r.ttl),
	}
	r.mu.Unlock()
	return token
}

// Take removes and returns the admission for a token. The second
// return is false for unknown or already-consumed tokens.
func (r *AdmissionRegistry) Take(token string) (*gateway.Admission, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[token]
	if !ok {
		return nil, false
	}
	delete(r.entries, token)
	return entry.admission, true
}

// Size returns the number of outstanding admissions.
func (r *AdmissionRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close stops the cleanup goroutine and releases every outstanding
// admission.
func (r *AdmissionRegistry) Close() {
	close(r.stopCh)
	r.wg.Wait()

	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()
	for _, e := range entries {
		r.gw.Release(context.Background(), e.admission)
	}
}

func (r *AdmissionRegistry) cleanupLoop() {
	defer r.wg.Done()
	interval := r.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.releaseExpired()
		}
	}
}

func (r *AdmissionRegistry) releaseExpired() {
	now := time.Now()
	var expired []*gateway.Admission
	r.mu.Lock()
	for token, entry := range r.entries {
		if now.After(entry.expiresAt) {
			expired = append(expired, entry.admission)
			delete(r.entries, token)
		}
	}
	r.mu.Unlock()

	for _, adm := range expired {
		r.gw.Release(context.Background(), adm)
	}
}
