package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultChannelPrefix = "ordersaga:bus:"

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	bus    *RedisBus
}

func (s *redisSubscription) C() <-chan Message {
	return s.ch
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.bus.forget(s)
	})
	return nil
}

// RedisBus is a Bus over Redis Pub/Sub.
type RedisBus struct {
	client        redis.UniversalClient
	channelPrefix string

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

// NewRedisBus creates a Redis-backed bus. Subjects map to channels under channelPrefix.
func NewRedisBus(client redis.UniversalClient, channelPrefix string) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = defaultChannelPrefix
	}
	return &RedisBus{
		client:        client,
		channelPrefix: channelPrefix,
		subs:          make(map[*redisSubscription]struct{}),
	}
}

// Publish sends payload on the subject's channel. It returns
// ErrNoSubscribers when Redis reports no receiving client.
func (b *RedisBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if subject == "" {
		return fmt.Errorf("eventbus: subject cannot be empty")
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	receivers, err := b.client.Publish(ctx, b.channelPrefix+subject, payload).Result()
	if err != nil {
		return fmt.Errorf("eventbus: redis publish %s: %w", subject, err)
	}
	if receivers == 0 {
		return fmt.Errorf("%w: %s", ErrNoSubscribers, subject)
	}
	return nil
}

// Subscribe subscribes to an exact subject.
func (b *RedisBus) Subscribe(ctx context.Context, subject string, buffer int) (Subscription, error) {
	if subject == "" {
		return nil, fmt.Errorf("eventbus: subject cannot be empty")
	}
	if buffer <= 0 {
		buffer = 32
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	pubsub := b.client.Subscribe(ctx, b.channelPrefix+subject)
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("eventbus: redis subscribe %s: %w", subject, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Message, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
		bus:    b,
	}
	b.subs[sub] = struct{}{}
	go b.forward(subCtx, subject, sub)
	return sub, nil
}

func (b *RedisBus) forward(ctx context.Context, subject string, sub *redisSubscription) {
	defer close(sub.done)
	defer close(sub.ch)
	defer func() {
		_ = sub.pubsub.Close()
	}()

	redisCh := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-redisCh:
			if !ok {
				return
			}
			select {
			case sub.ch <- Message{Subject: subject, Payload: []byte(msg.Payload), Timestamp: time.Now().UTC()}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *RedisBus) forget(sub *redisSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Close closes every subscription. The client is owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// Healthy reports whether Redis answers a ping.
func (b *RedisBus) Healthy(ctx context.Context) bool {
	return b.client.Ping(ctx).Err() == nil
}
