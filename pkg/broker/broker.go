// Package broker relays bus frames from any number of publishers to any number of
// prefix-filtered subscribers. It keeps no state beyond live connections.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"riderpi/pkg/bus"
)

// ErrAlreadyRunning is returned by Run when either address is already bound,
// normally by another broker instance.
var ErrAlreadyRunning = errors.New("broker already running")

const (
	defaultSubscriberBuffer = 256
	writeWait               = 2 * time.Second
	pingInterval            = 20 * time.Second
	maxFrameSize            = 1 << 20
)

// Options configures a Broker.
type Options struct {
	// SubscriberBuffer bounds each subscriber's send queue.
	SubscriberBuffer int
	Logger           *slog.Logger
}

// Broker is an N:M websocket relay with an ingress side for publishers and an
// egress side for subscribers.
type Broker struct {
	log      *slog.Logger
	buffer   int
	metrics  *brokerMetrics
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	pubConns    map[*websocket.Conn]struct{}
	publishers  atomic.Int64

	ready      chan struct{}
	readyOnce  sync.Once
	ingressURL string
	egressURL  string
}

type subscriber struct {
	send chan []byte

	mu       sync.RWMutex
	all      bool
	prefixes []string

	dropped atomic.Uint64
}

func newSubscriber(raw []string, buffer int) *subscriber {
	sub := &subscriber{send: make(chan []byte, buffer)}
	if len(raw) == 0 {
		sub.all = true
	}
	for _, prefix := range raw {
		sub.add(prefix)
	}
	return sub
}

func (s *subscriber) matches(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.all {
		return true
	}
	for _, prefix := range s.prefixes {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

func (s *subscriber) add(prefix string) {
	if prefix == "" {
		s.all = true
		return
	}
	if slices.Contains(s.prefixes, prefix) {
		return
	}
	s.prefixes = append(s.prefixes, prefix)
}

func (s *subscriber) remove(prefix string) {
	if prefix == "" {
		s.all = false
		return
	}
	s.prefixes = slices.DeleteFunc(s.prefixes, func(existing string) bool { return existing == prefix })
}

// control applies an in-flight "+prefix" or "-prefix" frame. An empty prefix means
// every topic.
func (s *subscriber) control(frame string) bool {
	if frame == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch frame[0] {
	case '+':
		s.add(frame[1:])
		return true
	case '-':
		s.remove(frame[1:])
		return true
	default:
		return false
	}
}

// New builds a broker. Nothing is bound until Run.
func New(opts Options) *Broker {
	buffer := opts.SubscriberBuffer
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Broker{
		log:     log.With("component", "broker"),
		buffer:  buffer,
		metrics: newBrokerMetrics(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Robot-local producers (web dashboards included) connect from any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subscribers: make(map[*subscriber]struct{}),
		pubConns:    make(map[*websocket.Conn]struct{}),
		ready:       make(chan struct{}),
	}
}

// Run binds both addresses and relays until ctx is cancelled.
func (b *Broker) Run(ctx context.Context, ingressAddr string, egressAddr string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ingress, err := listen(ingressAddr)
	if err != nil {
		return err
	}
	egress, err := listen(egressAddr)
	if err != nil {
		_ = ingress.Close()
		return err
	}

	b.ingressURL = "ws://" + ingress.Addr().String() + "/"
	b.egressURL = "ws://" + egress.Addr().String() + "/"

	ingressServer := &http.Server{Handler: http.HandlerFunc(b.handlePublisher), ReadHeaderTimeout: 5 * time.Second}
	egressServer := &http.Server{Handler: http.HandlerFunc(b.handleSubscriber), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 2)
	go func() { errCh <- ingressServer.Serve(ingress) }()
	go func() { errCh <- egressServer.Serve(egress) }()

	b.log.Info("Broker listening", "ingress", ingress.Addr().String(), "egress", egress.Addr().String())
	b.readyOnce.Do(func() { close(b.ready) })

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = ingressServer.Shutdown(shutdownCtx)
	_ = egressServer.Shutdown(shutdownCtx)
	b.closeConnections()

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", serveErr)
	}

	b.log.Info("Broker stopped")
	return nil
}

// Ready is closed once both addresses are bound.
func (b *Broker) Ready() <-chan struct{} {
	return b.ready
}

// URLs returns the bound ingress and egress websocket URLs. Valid after Ready.
func (b *Broker) URLs() (ingress string, egress string) {
	return b.ingressURL, b.egressURL
}

// Subscribers returns the number of connected subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publishers returns the number of connected publishers.
func (b *Broker) Publishers() int {
	return int(b.publishers.Load())
}

// MetricsHandler serves the broker's Prometheus registry.
func (b *Broker) MetricsHandler() http.Handler {
	return b.metrics.handler()
}

func (b *Broker) handlePublisher(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Debug("Publisher upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	b.mu.Lock()
	b.pubConns[conn] = struct{}{}
	b.mu.Unlock()
	b.publishers.Add(1)
	b.metrics.publishers.Inc()
	defer func() {
		b.mu.Lock()
		delete(b.pubConns, conn)
		b.mu.Unlock()
		b.publishers.Add(-1)
		b.metrics.publishers.Dec()
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		topic, _, err := bus.DecodeFrame(frame)
		if err != nil {
			b.metrics.malformed.Inc()
			continue
		}
		b.relay(topic, frame)
	}
}

// relay fans a frame out to matching subscribers without ever blocking on one.
func (b *Broker) relay(topic string, frame []byte) {
	b.metrics.relayed.Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.send <- frame:
		default:
			sub.dropped.Add(1)
			b.metrics.dropped.Inc()
		}
	}
}

func (b *Broker) handleSubscriber(w http.ResponseWriter, r *http.Request) {
	prefixes := r.URL.Query()["prefix"]
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Debug("Subscriber upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sub := newSubscriber(prefixes, b.buffer)
	b.register(sub)

	go b.writePump(conn, sub)

	conn.SetReadLimit(maxFrameSize)
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if !sub.control(string(frame)) {
			b.log.Debug("Ignoring subscriber frame", "frame", string(frame))
		}
	}

	b.unregister(sub)
	_ = conn.Close()
}

func (b *Broker) writePump(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *Broker) register(sub *subscriber) {
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	b.metrics.subscribers.Inc()
}

func (b *Broker) unregister(sub *subscriber) {
	b.mu.Lock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.send)
		b.metrics.subscribers.Dec()
	}
	b.mu.Unlock()
}

// closeConnections ends every hijacked connection; http.Server.Shutdown does not
// track them.
func (b *Broker) closeConnections() {
	b.mu.Lock()
	for conn := range b.pubConns {
		_ = conn.Close()
	}
	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		close(sub.send)
		b.metrics.subscribers.Dec()
	}
	b.mu.Unlock()
}

func listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", NormalizeAddr(addr))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, addr)
		}
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

// NormalizeAddr maps the accepted address spellings onto a net.Listen address:
// "tcp://*:5555" and "tcp://0.0.0.0:5555" become ":5555"; ws:// URLs lose their scheme.
func NormalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	for _, scheme := range []string{"tcp://", "ws://"} {
		addr = strings.TrimPrefix(addr, scheme)
	}
	addr = strings.TrimSuffix(addr, "/")
	if host, port, ok := strings.Cut(addr, ":"); ok && (host == "*" || host == "0.0.0.0") {
		return ":" + port
	}
	return addr
}
