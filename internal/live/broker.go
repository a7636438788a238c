// Package live distributes full-snapshot updates to subscribers. A
// subscription targets one logical topic (a user's thread list, a thread's
// message log), receives the current snapshot immediately, then a fresh
// snapshot after every relevant write. Snapshots for one subscription are
// delivered strictly in order; bursts coalesce into a single refresh.
package live

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Topic names. ThreadsTopic carries a user id, MessagesTopic a thread id.
const (
	invalidateChannel = "courier:invalidate"
)

func ThreadsTopic(userID string) string { return "threads:" + userID }

func MessagesTopic(threadID string) string { return "messages:" + threadID }

// FetchFunc rebuilds the full snapshot for a topic.
type FetchFunc func(ctx context.Context) (any, error)

// Snapshot is one full-state event delivered to a subscriber.
type Snapshot struct {
	Topic   string
	Payload any
}

type subscriber struct {
	id     string
	topic  string
	fetch  FetchFunc
	events chan Snapshot
	notify chan struct{}
	done   chan struct{}
}

// Subscription is a cancellable handle on a live topic.
type Subscription struct {
	sub    *subscriber
	broker *Broker
	wg     *sync.WaitGroup
	once   sync.Once
}

// Events yields snapshots in delivery order. The channel closes after Cancel.
func (s *Subscription) Events() <-chan Snapshot {
	return s.sub.events
}

// Topic returns the logical target of this subscription.
func (s *Subscription) Topic() string {
	return s.sub.topic
}

// Cancel tears the subscription down and returns only once no further
// snapshot can be delivered. Callers replacing a subscription for the same
// logical target must Cancel the old one first.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.broker.remove(s.sub)
		close(s.sub.done)
		s.wg.Wait()
		close(s.sub.events)
	})
}

// Broker fans writes out to live subscriptions. With a Redis client it also
// bridges invalidations across instances via pub/sub; without one it works
// purely in-process.
type Broker struct {
	mu     sync.Mutex
	topics map[string]map[string]*subscriber

	rdb    *redis.Client
	cancel context.CancelFunc
}

// NewBroker creates a broker. rdb may be nil for single-instance setups.
func NewBroker(rdb *redis.Client) *Broker {
	b := &Broker{
		topics: make(map[string]map[string]*subscriber),
		rdb:    rdb,
	}
	if rdb != nil {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		go b.relay(ctx)
	}
	return b
}

// Close stops the Redis relay, if any.
func (b *Broker) Close() {
	if b.cancel != nil {
		b.cancel()
	}
}

// Subscribe registers a live subscription. The current snapshot is fetched
// and delivered before any change-driven refresh.
func (b *Broker) Subscribe(ctx context.Context, topic string, fetch FetchFunc) *Subscription {
	sub := &subscriber{
		id:     uuid.NewString(),
		topic:  topic,
		fetch:  fetch,
		events: make(chan Snapshot, 1),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*subscriber)
	}
	b.topics[topic][sub.id] = sub
	b.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sub.deliver(ctx)
		for {
			select {
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			case <-sub.notify:
				sub.deliver(ctx)
			}
		}
	}()

	return &Subscription{sub: sub, broker: b, wg: &wg}
}

func (s *subscriber) deliver(ctx context.Context) {
	payload, err := s.fetch(ctx)
	if err != nil {
		log.Printf("live: fetch snapshot for %s: %v", s.topic, err)
		return
	}
	select {
	case s.events <- Snapshot{Topic: s.topic, Payload: payload}:
	case <-s.done:
	case <-ctx.Done():
	}
}

func (b *Broker) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
}

// Publish marks topics dirty. Local subscribers refresh; with Redis the
// invalidation also reaches other instances.
func (b *Broker) Publish(ctx context.Context, topics ...string) {
	for _, topic := range topics {
		b.notifyLocal(topic)
		if b.rdb != nil {
			if err := b.rdb.Publish(ctx, invalidateChannel, topic).Err(); err != nil {
				log.Printf("live: publish invalidation for %s: %v", topic, err)
			}
		}
	}
}

func (b *Broker) notifyLocal(topic string) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.topics[topic]))
	for _, sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.notify <- struct{}{}:
		default:
			// A refresh is already pending; the next fetch reflects this
			// write too.
		}
	}
}

// relay forwards cross-instance invalidations to local subscribers. A
// locally published topic arrives here a second time; the pending-refresh
// coalescing above absorbs the duplicate.
func (b *Broker) relay(ctx context.Context) {
	pubsub := b.rdb.Subscribe(ctx, invalidateChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.notifyLocal(msg.Payload)
		}
	}
}
