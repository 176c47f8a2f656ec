package counter

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// shardCount is the number of independent shards in the memory store.
// Coordination is scoped per key, so unrelated subjects and providers
// only contend when they hash to the same shard.
const shardCount = 32

// MemoryStore is an in-process Store backed by a sharded mutex map.
//
// It is the default backend for a single gateway process. A janitor
// goroutine evicts expired keys in the background; reads additionally
// treat expired keys as absent so eviction lag is never observable.
type MemoryStore struct {
	shards  [shardCount]*memoryShard
	done    chan struct{}
	closeMu sync.Once
}

type memoryShard struct {
	mu    sync.Mutex
	cells map[string]*memoryCell
}

type memoryCell struct {
	value     int64
	expiresAt time.Time // zero = no expiry
}

// NewMemoryStore creates a new in-process counter store.
// The janitor sweeps expired keys every sweepInterval; zero selects
// a 30 second default.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}

	s := &MemoryStore{
		done: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{cells: make(map[string]*memoryCell)}
	}

	go s.janitor(sweepInterval)

	return s
}

// shard returns the shard responsible for key.
func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// janitor periodically removes expired cells.
func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now()
			for _, sh := range s.shards {
				sh.mu.Lock()
				for k, c := range sh.cells {
					if !c.expiresAt.IsZero() && now.After(c.expiresAt) {
						delete(sh.cells, k)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}

// live returns the cell for key if it exists and has not expired.
// Caller must hold the shard lock.
func (sh *memoryShard) live(key string) (*memoryCell, bool) {
	c, ok := sh.cells[key]
	if !ok {
		return nil, false
	}
	if !c.expiresAt.IsZero() && time.Now().After(c.expiresAt) {
		delete(sh.cells, key)
		return nil, false
	}
	return c, true
}

// Incr atomically adds delta to the counter at key.
func (s *MemoryStore) Incr(_ context.Context, key string, delta int64) (int64, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.live(key)
	if !ok {
		c = &memoryCell{}
		sh.cells[key] = c
	}
	c.value += delta
	return c.value, nil
}

// IncrCheck atomically adds delta but rolls back when the result would
// exceed ceiling.
func (s *MemoryStore) IncrCheck(_ context.Context, key string, delta, ceiling int64) (int64, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.live(key)
	if !ok {
		c = &memoryCell{}
		sh.cells[key] = c
	}

	next := c.value + delta
	if next > ceiling {
		return c.value, false, nil
	}
	c.value = next
	return c.value, true, nil
}

// Get returns the value at key.
func (s *MemoryStore) Get(_ context.Context, key string) (int64, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.live(key)
	if !ok {
		return 0, false, nil
	}
	return c.value, true, nil
}

// GetMulti returns the values for all existing keys.
func (s *MemoryStore) GetMulti(ctx context.Context, keys []string) (map[string]int64, error) {
	result := make(map[string]int64, len(keys))
	for _, key := range keys {
		v, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			result[key] = v
		}
	}
	return result, nil
}

// Set unconditionally stores value at key.
func (s *MemoryStore) Set(_ context.Context, key string, value int64) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.live(key)
	if !ok {
		c = &memoryCell{}
		sh.cells[key] = c
	}
	c.value = value
	return nil
}

// CompareAndSwap atomically replaces old with new at key.
// A missing key compares as zero.
func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, old, new int64) (bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.live(key)
	current := int64(0)
	if ok {
		current = c.value
	}
	if current != old {
		return false, nil
	}

	if !ok {
		c = &memoryCell{}
		sh.cells[key] = c
	}
	c.value = new
	return true, nil
}

// Delete removes the counter at key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.cells, key)
	return nil
}

// Expire sets a TTL on an existing key.
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if c, ok := sh.live(key); ok {
		c.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

// Close stops the janitor goroutine.
func (s *MemoryStore) Close() error {
	s.closeMu.Do(func() {
		close(s.done)
	})
	return nil
}
