package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"stratus-hq/saturn/pkg/money"
)

// MemoryStorage is an in-memory Storage implementation for tests and
// development. Records are kept in insertion order.
type MemoryStorage struct {
	mu      sync.RWMutex
	records []*CallRecord
}

// NewMemoryStorage creates a new in-memory ledger.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Append persists one call record.
func (s *MemoryStorage) Append(_ context.Context, record *CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *record
	s.records = append(s.records, &copied)
	return nil
}

// SumCost returns the total settled cost for a subject in [from, to).
func (s *MemoryStorage) SumCost(_ context.Context, subjectKind, subjectID string, from, to time.Time) (money.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total money.Amount
	for _, r := range s.records {
		if !matchesSubject(r, subjectKind, subjectID) {
			continue
		}
		if r.Time.Before(from) || !r.Time.Before(to) {
			continue
		}
		total = total.Add(r.Cost)
	}
	return total, nil
}

// List retrieves call records matching the query filters.
func (s *MemoryStorage) List(_ context.Context, query *Query) ([]*CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*CallRecord
	for _, r := range s.records {
		if matchesQuery(r, query) {
			copied := *r
			matched = append(matched, &copied)
		}
	}

	asc := query != nil && strings.EqualFold(query.SortOrder, "asc")
	sort.SliceStable(matched, func(i, j int) bool {
		if asc {
			return matched[i].Time.Before(matched[j].Time)
		}
		return matched[j].Time.Before(matched[i].Time)
	})

	if query != nil && query.Offset > 0 {
		if query.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[query.Offset:]
	}
	if query != nil && query.Limit > 0 && query.Limit < len(matched) {
		matched = matched[:query.Limit]
	}
	return matched, nil
}

// Count returns the number of records matching the query filters.
func (s *MemoryStorage) Count(_ context.Context, query *Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, r := range s.records {
		if matchesQuery(r, query) {
			count++
		}
	}
	return count, nil
}

// DeleteBefore removes records older than cutoff.
func (s *MemoryStorage) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var deleted int64
	for _, r := range s.records {
		if r.Time.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return deleted, nil
}

// TrimToCount deletes the oldest records until at most max remain.
func (s *MemoryStorage) TrimToCount(_ context.Context, max int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	excess := int64(len(s.records)) - max
	if excess <= 0 {
		return 0, nil
	}

	byTime := make([]*CallRecord, len(s.records))
	copy(byTime, s.records)
	sort.SliceStable(byTime, func(i, j int) bool {
		return byTime[i].Time.Before(byTime[j].Time)
	})

	drop := make(map[*CallRecord]struct{}, excess)
	for _, r := range byTime[:excess] {
		drop[r] = struct{}{}
	}

	kept := s.records[:0]
	for _, r := range s.records {
		if _, gone := drop[r]; gone {
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return excess, nil
}

// Close is a no-op for the memory backend.
func (s *MemoryStorage) Close() error {
	return nil
}

func matchesSubject(r *CallRecord, kind, id string) bool {
	switch kind {
	case SubjectKindKey:
		return r.KeyID == id
	case SubjectKindUser:
		return r.UserID == id
	case SubjectKindEndpoint:
		return r.EndpointID == id
	default:
		return false
	}
}

func matchesQuery(r *CallRecord, q *Query) bool {
	if q == nil {
		return true
	}
	if q.StartTime != nil && r.Time.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && !r.Time.Before(*q.EndTime) {
		return false
	}
	if q.KeyID != "" && r.KeyID != q.KeyID {
		return false
	}
	if q.UserID != "" && r.UserID != q.UserID {
		return false
	}
	if q.VendorID != "" && r.VendorID != q.VendorID {
		return false
	}
	if q.EndpointID != "" && r.EndpointID != q.EndpointID {
		return false
	}
	if q.ProviderType != "" && r.ProviderType != q.ProviderType {
		return false
	}
	if q.Source != "" && r.Source != q.Source {
		return false
	}
	if q.OK != nil && r.OK != *q.OK {
		return false
	}
	return true
}
