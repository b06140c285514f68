package bus

import (
	"context"
	"sync"
	"time"
)

// MessageBus is the in-process transport. Publishers never block: each matching
// subscription receives the message if its queue has room.
type MessageBus struct {
	subscribers      map[uint64]*Subscription
	nextSubscriberID uint64
	queueSize        int
	now              func() time.Time

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus(queueSize int) *MessageBus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &MessageBus{
		subscribers: make(map[uint64]*Subscription),
		queueSize:   queueSize,
		now:         time.Now,
		done:        make(chan struct{}),
	}
}

func (mb *MessageBus) Publish(topic string, payload any, opts ...PublishOption) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	data, err := EncodePayload(payload, opts...)
	if err != nil {
		return err
	}

	select {
	case <-mb.done:
		return ErrClosed
	default:
	}

	mb.mu.RLock()
	subs := make([]*Subscription, 0, len(mb.subscribers))
	for _, sub := range mb.subscribers {
		if sub.Matches(topic) {
			subs = append(subs, sub)
		}
	}
	mb.mu.RUnlock()

	at := mb.now()
	for _, sub := range subs {
		// Slow subscribers lose the message; the publisher is never held up.
		sub.deliver(NewMessage(topic, data, at))
	}

	return nil
}

func (mb *MessageBus) Subscribe(ctx context.Context, prefixes ...string) (*Subscription, error) {
	sub := newSubscription(prefixes, mb.queueSize)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		return nil, ErrClosed
	default:
	}

	id := mb.nextSubscriberID
	mb.nextSubscriberID++
	mb.subscribers[id] = sub
	mb.mu.Unlock()

	sub.onClose = func() {
		mb.mu.Lock()
		delete(mb.subscribers, id)
		mb.mu.Unlock()
	}
	sub.closeWith(ctx, mb.done)

	return sub, nil
}

// Subscribers returns the number of open subscriptions.
func (mb *MessageBus) Subscribers() int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.subscribers)
}

func (mb *MessageBus) Close() error {
	mb.closeOnce.Do(func() {
		close(mb.done)
	})
	return nil
}
