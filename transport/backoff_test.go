package transport

import (
	"testing"
	"time"
)

// --- Unit Tests ---

func TestBackoff_Sequence(t *testing.T) {
	b := NewBackoff(DefaultBackoffConfig())

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i+1, got, w)
		}
	}
	if b.Attempt() != len(want) {
		t.Errorf("Attempt = %d, want %d", b.Attempt(), len(want))
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(DefaultBackoffConfig())
	b.Next()
	b.Next()
	b.Next()

	b.Reset()
	if b.Attempt() != 0 {
		t.Errorf("Attempt after Reset = %d, want 0", b.Attempt())
	}
	if got := b.Next(); got != time.Second {
		t.Errorf("Next after Reset = %v, want 1s", got)
	}
}

func TestBackoff_LongRunStaysCapped(t *testing.T) {
	b := NewBackoff(BackoffConfig{Min: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 3})
	for i := 0; i < 1000; i++ {
		if got := b.Next(); got > 5*time.Millisecond || got <= 0 {
			t.Fatalf("Next() #%d = %v, out of range", i, got)
		}
	}
}

func TestBackoff_Jitter(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.Jitter = 0.5
	b := NewBackoff(cfg)

	for i, base := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		got := b.Next()
		if got < base/2 || got > base+base/2 {
			t.Errorf("Next() #%d = %v, want within 50%% of %v", i+1, got, base)
		}
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{URL: "host", Source: "s"}
	cfg.applyDefaults()

	if cfg.Backoff.Min != time.Second || cfg.Backoff.Max != 30*time.Second {
		t.Errorf("Backoff = %+v, want 1s..30s", cfg.Backoff)
	}
	if cfg.BufferSize != 1000 {
		t.Errorf("BufferSize = %d, want 1000", cfg.BufferSize)
	}
	if cfg.HeartbeatInterval != 0 {
		t.Errorf("HeartbeatInterval = %v, want 0 (disabled unless set)", cfg.HeartbeatInterval)
	}
}
