package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus carries bus traffic over a NATS server instead of the riderpi broker.
// Topics map one-to-one onto subjects; prefix subscriptions are widened to a
// subject wildcard and narrowed again client-side.
type NATSBus struct {
	conn      *nats.Conn
	queueSize int
	log       *slog.Logger
	outage    atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// DialNATS connects to url. The connection reconnects forever in the background.
func DialNATS(url string, queueSize int, log *slog.Logger) (*NATSBus, error) {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	b := &NATSBus{
		queueSize: queueSize,
		log:       log.With("component", "bus.nats"),
		done:      make(chan struct{}),
	}

	opts := []nats.Option{
		nats.Name("riderpi"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(b.handleDisconnect),
		nats.ReconnectHandler(b.handleReconnect),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, NewError(ErrorTransportUnavailable, fmt.Sprintf("connect %s: %v", url, err))
	}
	b.conn = conn
	return b, nil
}

func (b *NATSBus) handleDisconnect(_ *nats.Conn, err error) {
	if b.outage.CompareAndSwap(false, true) {
		b.log.Warn("NATS connection lost", "err", err)
	}
}

func (b *NATSBus) handleReconnect(conn *nats.Conn) {
	if b.outage.CompareAndSwap(true, false) {
		b.log.Info("NATS connection restored", "url", conn.ConnectedUrl())
	}
}

func (b *NATSBus) Publish(topic string, payload any, opts ...PublishOption) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	data, err := EncodePayload(payload, opts...)
	if err != nil {
		return err
	}
	if b.closed() {
		return ErrClosed
	}

	if err := b.conn.Publish(topic, data); err != nil {
		switch {
		case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
			return ErrClosed
		case errors.Is(err, nats.ErrReconnectBufExceeded):
			return NewError(ErrorDropped, err.Error())
		case errors.Is(err, nats.ErrBadSubject):
			return NewError(ErrorConfiguration, err.Error())
		default:
			return NewError(ErrorTransportUnavailable, err.Error())
		}
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, prefixes ...string) (*Subscription, error) {
	if b.closed() || b.conn.IsClosed() {
		return nil, ErrClosed
	}

	sub := newSubscription(prefixes, b.queueSize)
	handler := func(msg *nats.Msg) {
		if sub.Matches(msg.Subject) {
			sub.deliver(NewMessage(msg.Subject, msg.Data, time.Now()))
		}
	}

	var natsSubs []*nats.Subscription
	for _, subject := range SubjectsForPrefixes(sub.prefixes) {
		natsSub, err := b.conn.Subscribe(subject, handler)
		if err != nil {
			for _, s := range natsSubs {
				_ = s.Unsubscribe()
			}
			return nil, NewError(ErrorTransportUnavailable, fmt.Sprintf("subscribe %s: %v", subject, err))
		}
		natsSubs = append(natsSubs, natsSub)
	}

	sub.onClose = func() {
		for _, s := range natsSubs {
			_ = s.Unsubscribe()
		}
	}
	sub.closeWith(ctx, b.done)

	return sub, nil
}

// Close ends every subscription and drains the connection. It is idempotent.
func (b *NATSBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.conn.Drain()
		switch {
		case err == nil, errors.Is(err, nats.ErrConnectionClosed):
			err = nil
		case errors.Is(err, nats.ErrConnectionReconnecting):
			// Drain closes a connection that is still reconnecting.
			err = nil
		default:
			b.conn.Close()
		}
	})
	return err
}

func (b *NATSBus) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// SubjectsForPrefixes widens topic prefixes to the smallest covering NATS subjects.
// "cmd.motion." becomes "cmd.motion.>", "motion.cmd" becomes "motion.>", and a
// prefix without a dot (or no prefix at all) becomes ">".
func SubjectsForPrefixes(prefixes []string) []string {
	if len(prefixes) == 0 {
		return []string{">"}
	}

	stems := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		idx := strings.LastIndex(prefix, ".")
		if idx < 0 {
			return []string{">"}
		}
		stems = append(stems, prefix[:idx+1])
	}

	// Overlapping wildcards would deliver a message twice; keep only the widest.
	subjects := make([]string, 0, len(stems))
	for i, stem := range stems {
		covered := false
		for j, other := range stems {
			if i == j {
				continue
			}
			if strings.HasPrefix(stem, other) && (stem != other || j < i) {
				covered = true
				break
			}
		}
		if !covered {
			subjects = append(subjects, stem+">")
		}
	}
	return subjects
}

var _ Bus = (*NATSBus)(nil)
