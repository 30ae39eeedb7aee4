package eventbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned by Publish and Subscribe after Close.
	ErrClosed = errors.New("eventbus: bus is closed")
	// ErrNoSubscribers is returned by Publish when no subscription received
	// the message.
	ErrNoSubscribers = errors.New("eventbus: no subscribers")
	// ErrSubscriberFull is returned by Publish when at least one matching
	// subscription missed the message because its buffer was full.
	ErrSubscriberFull = errors.New("eventbus: subscriber buffer full")
)

const defaultSubscriptionBuffer = 32

type memorySubscription struct {
	pattern []string
	ch      chan Message
	bus     *MemoryBus
	once    sync.Once
}

func (s *memorySubscription) C() <-chan Message { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() { s.bus.remove(s) })
	return nil
}

// MemoryBus is an in-process Bus for single-node deployments and tests.
// A subscriber whose buffer is full misses the message; Dropped counts those
// and Publish reports them with ErrSubscriberFull.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    []*memorySubscription
	closed  bool
	dropped atomic.Int64
}

// NewMemoryBus creates an in-memory event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish delivers a copy of payload to every subscription whose pattern
// matches subject. Subscriptions with room still receive the message when
// another one is full.
func (b *MemoryBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if subject == "" {
		return errors.New("eventbus: subject cannot be empty")
	}

	msg := Message{Subject: subject, Payload: slices.Clone(payload), Timestamp: time.Now().UTC()}
	parts := strings.Split(subject, ".")

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	var matched, dropped int
	for _, sub := range b.subs {
		if !matchSegments(sub.pattern, parts) {
			continue
		}
		matched++
		select {
		case sub.ch <- msg:
		default:
			dropped++
		}
	}
	switch {
	case matched == 0:
		return fmt.Errorf("%w: %s", ErrNoSubscribers, subject)
	case dropped > 0:
		b.dropped.Add(int64(dropped))
		return fmt.Errorf("%w: %d of %d on %s", ErrSubscriberFull, dropped, matched, subject)
	}
	return nil
}

// Subscribe registers a subscription for pattern. A buffer of zero or less
// uses the default.
func (b *MemoryBus) Subscribe(_ context.Context, pattern string, buffer int) (Subscription, error) {
	if pattern == "" {
		return nil, errors.New("eventbus: subscription pattern cannot be empty")
	}
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	sub := &memorySubscription{
		pattern: strings.Split(pattern, "."),
		ch:      make(chan Message, buffer),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *MemoryBus) remove(target *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.Index(b.subs, target)
	if i < 0 {
		// Already closed by Close.
		return
	}
	b.subs = slices.Delete(b.subs, i, i+1)
	close(target.ch)
}

// Subscribers returns the number of open subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscription channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	return nil
}

// subjectMatches reports whether subject matches pattern. A "*" segment
// matches exactly one segment; a trailing ">" matches one or more.
func subjectMatches(pattern, subject string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(subject, "."))
}

func matchSegments(pattern, subject []string) bool {
	for i, p := range pattern {
		if p == ">" && i == len(pattern)-1 {
			return len(subject) > i
		}
		if i >= len(subject) || (p != "*" && p != subject[i]) {
			return false
		}
	}
	return len(pattern) == len(subject)
}
