package bus

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	writeWait        = 2 * time.Second
	handshakeTimeout = 2 * time.Second
)

// ClientOptions configures a broker transport client.
type ClientOptions struct {
	// PubAddr is the broker ingress address, SubAddr the egress address. Both accept
	// host:port, ws:// URLs and the legacy tcp://host:port form.
	PubAddr   string
	SubAddr   string
	QueueSize int
	Logger    *slog.Logger

	// NewBackOff builds the reconnect policy. Defaults to an exponential backoff
	// capped at 5s that never gives up.
	NewBackOff func() backoff.BackOff
}

// Client is the broker transport. Publishes are queued to a single writer
// goroutine; each subscription owns its own egress connection.
type Client struct {
	pubURL     string
	subURL     string
	queueSize  int
	log        *slog.Logger
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff

	outgoing chan []byte
	dropped  atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient starts the publish writer. No connection is attempted until the first
// publish or subscribe.
func NewClient(opts ClientOptions) (*Client, error) {
	pubURL, err := ClientURL(opts.PubAddr)
	if err != nil {
		return nil, err
	}
	subURL, err := ClientURL(opts.SubAddr)
	if err != nil {
		return nil, err
	}

	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	newBackOff := opts.NewBackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}

	c := &Client{
		pubURL:     pubURL,
		subURL:     subURL,
		queueSize:  queueSize,
		log:        log.With("component", "bus.client"),
		dialer:     &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		newBackOff: newBackOff,
		outgoing:   make(chan []byte, queueSize),
		done:       make(chan struct{}),
	}

	c.wg.Add(1)
	go c.writeLoop()

	return c, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Publish encodes payload synchronously and queues the frame. It never blocks:
// a full queue returns a dropped error.
func (c *Client) Publish(topic string, payload any, opts ...PublishOption) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	data, err := EncodePayload(payload, opts...)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.outgoing <- EncodeFrame(topic, data):
		return nil
	default:
		c.dropped.Add(1)
		return NewError(ErrorDropped, fmt.Sprintf("publish queue full (%d)", c.queueSize))
	}
}

// Dropped counts frames discarded by the publisher, either because the queue was
// full or because the broker was unreachable when the frame was due.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// writeLoop owns the ingress connection. Connection attempts happen lazily when a
// frame is due and are spaced by the backoff policy; frames due while the broker is
// unreachable are dropped.
func (c *Client) writeLoop() {
	defer c.wg.Done()

	var (
		conn        *websocket.Conn
		outage      bool
		nextAttempt time.Time
		policy      = c.newBackOff()
	)
	defer func() {
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.Close()
		}
	}()

	send := func(frame []byte) {
		if conn == nil {
			if time.Now().Before(nextAttempt) {
				c.dropped.Add(1)
				return
			}
			next, _, err := c.dialer.Dial(c.pubURL, nil)
			if err != nil {
				if !outage {
					c.log.Warn("Broker unavailable, dropping publishes", "addr", c.pubURL, "err", err)
					outage = true
				}
				nextAttempt = time.Now().Add(policy.NextBackOff())
				c.dropped.Add(1)
				return
			}
			if outage {
				c.log.Info("Broker connection restored", "addr", c.pubURL)
			}
			conn, outage = next, false
			policy.Reset()
			go discardReads(conn)
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Warn("Broker connection lost", "addr", c.pubURL, "err", err)
			_ = conn.Close()
			conn, outage = nil, true
			nextAttempt = time.Now().Add(policy.NextBackOff())
			c.dropped.Add(1)
		}
	}

	for {
		select {
		case <-c.done:
			// Frames accepted before Close still get one delivery attempt.
			for {
				select {
				case frame := <-c.outgoing:
					send(frame)
				default:
					return
				}
			}
		case frame := <-c.outgoing:
			send(frame)
		}
	}
}

// discardReads services control frames on the publish connection.
func discardReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// Subscribe returns immediately; the egress connection is established and
// re-established in the background.
func (c *Client) Subscribe(ctx context.Context, prefixes ...string) (*Subscription, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	sub := newSubscription(prefixes, c.queueSize)
	target, err := subscribeURL(c.subURL, sub.prefixes)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		current *websocket.Conn
	)
	sub.onClose = func() {
		mu.Lock()
		if current != nil {
			_ = current.Close()
		}
		mu.Unlock()
	}
	sub.closeWith(ctx, c.done)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(sub, target, func(conn *websocket.Conn) bool {
			mu.Lock()
			defer mu.Unlock()
			select {
			case <-sub.Done():
				return false
			default:
			}
			current = conn
			return true
		})
	}()

	return sub, nil
}

func (c *Client) readLoop(sub *Subscription, target string, attach func(*websocket.Conn) bool) {
	policy := c.newBackOff()
	outage := false

	for {
		select {
		case <-sub.Done():
			return
		default:
		}

		conn, _, err := c.dialer.Dial(target, nil)
		if err != nil {
			if !outage {
				c.log.Warn("Broker unavailable, retrying subscription", "addr", target, "err", err)
				outage = true
			}
			wait := time.NewTimer(policy.NextBackOff())
			select {
			case <-sub.Done():
				wait.Stop()
				return
			case <-wait.C:
			}
			continue
		}
		if !attach(conn) {
			_ = conn.Close()
			return
		}
		if outage {
			c.log.Info("Subscription restored", "addr", target)
			outage = false
		}
		policy.Reset()

		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-sub.Done():
				default:
					c.log.Warn("Subscription connection lost", "addr", target, "err", err)
					outage = true
				}
				_ = conn.Close()
				break
			}
			topic, payload, err := DecodeFrame(frame)
			if err != nil || !sub.Matches(topic) {
				continue
			}
			sub.deliver(NewMessage(topic, payload, time.Now()))
		}
	}
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return nil
}

// ClientURL converts a configured broker address into a websocket URL.
func ClientURL(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", NewError(ErrorConfiguration, "broker address is empty")
	}
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return addr, nil
	case strings.HasPrefix(addr, "tcp://"):
		addr = strings.TrimPrefix(addr, "tcp://")
	}
	host, port, ok := strings.Cut(addr, ":")
	if !ok || port == "" {
		return "", NewError(ErrorConfiguration, fmt.Sprintf("broker address %q has no port", addr))
	}
	if host == "" || host == "*" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "ws://" + host + ":" + port + "/", nil
}

func subscribeURL(base string, prefixes []string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", NewError(ErrorConfiguration, fmt.Sprintf("parse broker url: %v", err))
	}
	query := u.Query()
	for _, prefix := range prefixes {
		query.Add("prefix", prefix)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

var _ Bus = (*Client)(nil)
var _ Bus = (*MessageBus)(nil)
