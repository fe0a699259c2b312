package state

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// sweepEvery is how many writes pass between full expiry sweeps.
const sweepEvery = 256

// MemoryStore implements Store in process memory. It is the default for a
// single bridge process. Expired entries are dropped when read, listed, or
// swept after every sweepEvery writes; there is no background goroutine.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]entry
	writes int
	closed atomic.Bool
	now    func() time.Time
}

type entry struct {
	value   []byte
	expires time.Time // zero never expires
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]entry),
		now:  time.Now,
	}
}

// Get returns a copy of the value under key.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	if e.expired(s.now()) {
		delete(s.data, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Put stores a copy of value. A zero ttl never expires.
func (s *MemoryStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	now := s.now()
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = e
	s.writes++
	if s.writes%sweepEvery == 0 {
		s.sweepLocked(now)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *MemoryStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Keys returns the live keys matching pattern, sorted.
func (s *MemoryStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var keys []string
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
			continue
		}
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())
	return len(s.data)
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
		}
	}
}

// Close releases the entries. Later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
	return nil
}
