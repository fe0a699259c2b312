package transport

import "github.com/vinayprograms/lovebridge/envelope"

// ring is a bounded FIFO of envelopes. Push rejects the newest when full.
// Owned by the manager goroutine.
type ring struct {
	items []envelope.Envelope
	head  int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{items: make([]envelope.Envelope, capacity)}
}

func (r *ring) push(env envelope.Envelope) bool {
	if r.size == len(r.items) {
		return false
	}
	r.items[(r.head+r.size)%len(r.items)] = env
	r.size++
	return true
}

func (r *ring) peek() (envelope.Envelope, bool) {
	if r.size == 0 {
		return envelope.Envelope{}, false
	}
	return r.items[r.head], true
}

func (r *ring) pop() (envelope.Envelope, bool) {
	env, ok := r.peek()
	if !ok {
		return env, false
	}
	r.items[r.head] = envelope.Envelope{}
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return env, true
}

func (r *ring) len() int { return r.size }
