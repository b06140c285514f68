package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultQueueSize = 256

// Subscription is a bounded, prefix-filtered stream of messages. When the queue is
// full new messages are dropped for this subscription only.
type Subscription struct {
	prefixes []string
	messages chan Message

	dropped atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newSubscription(prefixes []string, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Subscription{
		prefixes: normalizePrefixes(prefixes),
		messages: make(chan Message, queueSize),
		done:     make(chan struct{}),
	}
}

// Prefixes returns the topic prefixes this subscription matches. Nil means everything.
func (s *Subscription) Prefixes() []string {
	return append([]string(nil), s.prefixes...)
}

// Matches reports whether topic is selected by this subscription.
func (s *Subscription) Matches(topic string) bool {
	return MatchPrefix(topic, s.prefixes)
}

// deliver enqueues msg without blocking. It reports false when the message was
// dropped or the subscription is closed.
func (s *Subscription) deliver(msg Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.messages <- msg:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// C exposes the message queue for use in select loops. It is never closed;
// select on Done as well.
func (s *Subscription) C() <-chan Message {
	return s.messages
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped counts messages discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Receive waits up to timeout for the next message. A timeout <= 0 waits until
// ctx is cancelled or the subscription closes. It returns false on timeout or close.
func (s *Subscription) Receive(ctx context.Context, timeout time.Duration) (Message, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case msg := <-s.messages:
		return msg, true
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case msg := <-s.messages:
		return msg, true
	case <-ctx.Done():
		return Message{}, false
	case <-s.done:
		return Message{}, false
	case <-expired:
		return Message{}, false
	}
}

// Close ends the subscription and releases its transport resources.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// closeWith ties the subscription lifetime to ctx and to a transport-wide done channel.
func (s *Subscription) closeWith(ctx context.Context, transportDone <-chan struct{}) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-transportDone:
			s.Close()
		case <-s.done:
		}
	}()
}
