package bus

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing and single-process scenarios.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   []*memorySub
	latest map[string]*Message
	closed atomic.Bool

	// For request/reply
	replyMu   sync.Mutex
	replySubs map[string]chan *Message
	replySeq  uint64
}

type memorySub struct {
	subject string
	ch      chan *Message
	closed  bool // guarded by bus.mu
	bus     *MemoryBus
	dropped atomic.Uint64
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:    cfg,
		latest:    make(map[string]*Message),
		replySubs: make(map[string]chan *Message),
	}
}

// Publish sends a message to all matching subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if IsWildcard(subject) {
		return ErrInvalidSubject
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject:  subject,
		Data:     data,
		Received: time.Now(),
	}

	if b.deliverToReply(subject, msg) {
		return nil
	}

	b.mu.Lock()
	b.latest[subject] = msg
	b.mu.Unlock()

	b.deliverToSubscribers(msg)
	return nil
}

// deliverToSubscribers sends to every subscriber whose pattern matches.
// The read lock is held across sends so Unsubscribe cannot close a channel
// mid-delivery.
func (b *MemoryBus) deliverToSubscribers(msg *Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		if sub.closed || !MatchSubject(sub.subject, msg.Subject) {
			continue
		}
		select {
		case sub.ch <- msg:
			delivered++
		default:
			sub.dropped.Add(1)
		}
	}
	return delivered
}

// deliverToReply handles reply subjects for request/reply.
func (b *MemoryBus) deliverToReply(subject string, msg *Message) bool {
	b.replyMu.Lock()
	ch, ok := b.replySubs[subject]
	if ok {
		delete(b.replySubs, subject)
	}
	b.replyMu.Unlock()

	if ok {
		ch <- msg
	}
	return ok
}

// Subscribe creates a subscription to a subject or wildcard pattern.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub, nil
}

// ReadLatest returns the last message published on subject.
func (b *MemoryBus) ReadLatest(subject string) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	msg, ok := b.latest[subject]
	if !ok {
		return nil, ErrNoSample
	}
	return msg, nil
}

// Request sends a request and waits for reply.
func (b *MemoryBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	replySubject := b.createReplySubject()
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[replySubject] = replyCh
	b.replyMu.Unlock()

	msg := &Message{
		Subject:  subject,
		Data:     data,
		Reply:    replySubject,
		Received: time.Now(),
	}

	if b.deliverToSubscribers(msg) == 0 {
		b.replyMu.Lock()
		delete(b.replySubs, replySubject)
		b.replyMu.Unlock()
		return nil, ErrNoResponders
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		b.replyMu.Lock()
		delete(b.replySubs, replySubject)
		b.replyMu.Unlock()
		return nil, ErrTimeout
	}
}

// createReplySubject generates a unique reply subject.
func (b *MemoryBus) createReplySubject() string {
	seq := atomic.AddUint64(&b.replySeq, 1)
	return "_INBOX." + strconv.FormatUint(seq, 10)
}

// Close shuts down the bus.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	b.subs = nil

	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Dropped returns the number of messages lost to a full buffer.
func (s *memorySub) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}

	close(s.ch)
	return nil
}

// Subscribers returns the number of live subscriptions. Used by tests to
// observe handle sharing.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
