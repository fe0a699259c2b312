package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Capacity describes one bucket.
type Capacity struct {
	Key       string
	Available int
	Total     int
	Window    time.Duration
	Rejected  uint64
}

// bucket wraps one limiter that refills capacity tokens per window.
type bucket struct {
	lim      *rate.Limiter
	capacity int
	window   time.Duration
	rejected uint64
}

func newBucket(capacity int, window time.Duration) *bucket {
	return &bucket{
		lim:      rate.NewLimiter(perWindow(capacity, window), capacity),
		capacity: capacity,
		window:   window,
	}
}

func perWindow(capacity int, window time.Duration) rate.Limit {
	return rate.Limit(float64(capacity) / window.Seconds())
}

// Throttle holds one bucket per key. It is safe for concurrent use.
type Throttle struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	fixed   map[string]bool

	defCapacity int
	defWindow   time.Duration

	nowFunc func() time.Time
}

// NewThrottle creates a throttle with no limits.
func NewThrottle() *Throttle {
	return &Throttle{
		buckets: make(map[string]*bucket),
		fixed:   make(map[string]bool),
		nowFunc: time.Now,
	}
}

// SetDefault sets the capacity used by keys without their own. A zero
// capacity or window removes the default.
func (t *Throttle) SetDefault(capacity int, window time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if capacity <= 0 || window <= 0 {
		capacity, window = 0, 0
	}
	t.defCapacity = capacity
	t.defWindow = window
	for key := range t.buckets {
		if !t.fixed[key] {
			delete(t.buckets, key)
		}
	}
}

// SetCapacity limits key to capacity per window. A zero capacity or window
// makes key unlimited.
func (t *Throttle) SetCapacity(key string, capacity int, window time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if capacity <= 0 || window <= 0 {
		delete(t.buckets, key)
		t.fixed[key] = true
		return
	}

	t.fixed[key] = true
	if b, ok := t.buckets[key]; ok {
		now := t.nowFunc()
		b.lim.SetLimitAt(now, perWindow(capacity, window))
		b.lim.SetBurstAt(now, capacity)
		b.capacity = capacity
		b.window = window
		return
	}
	t.buckets[key] = newBucket(capacity, window)
}

// Allow takes one token for key. It reports false when the bucket is
// empty.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.bucketLocked(key)
	if b == nil {
		return true
	}
	if b.lim.AllowN(t.nowFunc(), 1) {
		return true
	}
	b.rejected++
	return false
}

// Capacity returns the bucket state for key, or nil when key is unlimited.
func (t *Throttle) Capacity(key string) *Capacity {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.bucketLocked(key)
	if b == nil {
		return nil
	}
	return &Capacity{
		Key:       key,
		Available: int(b.lim.TokensAt(t.nowFunc())),
		Total:     b.capacity,
		Window:    b.window,
		Rejected:  b.rejected,
	}
}

func (t *Throttle) bucketLocked(key string) *bucket {
	if b, ok := t.buckets[key]; ok {
		return b
	}
	if t.fixed[key] || t.defCapacity == 0 {
		return nil
	}
	b := newBucket(t.defCapacity, t.defWindow)
	t.buckets[key] = b
	return b
}
