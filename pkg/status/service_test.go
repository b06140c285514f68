package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"riderpi/pkg/bus"
	"riderpi/pkg/config"
	"riderpi/pkg/logger"
	"riderpi/pkg/motion"
)

type fakeSource struct {
	state motion.State
}

func (f *fakeSource) Snapshot() motion.State { return f.state }

func (f *fakeSource) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("riderpi_bridge_events_total 1\n"))
	})
}

type harness struct {
	svc    *Service
	source *fakeSource
	mb     *bus.MessageBus
	sub    *bus.Subscription
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mb := bus.NewMessageBus(16)
	t.Cleanup(func() { _ = mb.Close() })
	sub, err := mb.Subscribe(context.Background(), bus.TopicMove, bus.TopicStop)
	require.NoError(t, err)

	source := &fakeSource{state: motion.State{Running: true, Present: true, DryRun: true}}
	svc, err := NewService(config.StatusConfig{Host: "127.0.0.1", Port: 8081}, source, mb, logger.Discard())
	require.NoError(t, err)
	svc.newRID = func() string { return "rid-1" }

	return &harness{svc: svc, source: source, mb: mb, sub: sub}
}

func (h *harness) do(t *testing.T, method, target string, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.svc.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func (h *harness) published(t *testing.T) bus.Message {
	t.Helper()
	msg, ok := h.sub.Receive(context.Background(), time.Second)
	require.True(t, ok, "expected a published command")
	return msg
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec, body := h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, true, body["dry_run"])

	rec, body = h.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", body["status"])

	h.source.state.Running = false
	rec, body = h.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "not_ready", body["status"])
}

func TestStateAndMetrics(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.source.state.LastEvent = &motion.Event{TS: 1700000000, Event: "forward", Detail: map[string]any{"v": 0.5}}
	h.source.state.EventCounts = map[string]uint64{"forward": 2}

	rec, body := h.do(t, http.MethodGet, "/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["running"])
	last, ok := body["last_event"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "forward", last["event"])
	require.Equal(t, map[string]any{"forward": float64(2)}, body["event_counts"])

	rec, _ = h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "riderpi_bridge_events_total")
}

func TestControlDriveRepublishesMove(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/control", `{"type":"drive","lx":0.4,"az":0,"dur":0.2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["ok"])
	require.Equal(t, "rid-1", body["rid"])
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	msg := h.published(t)
	require.Equal(t, bus.TopicMove, msg.Topic)
	var payload struct {
		VX       float64 `json:"vx"`
		Yaw      float64 `json:"yaw"`
		Duration float64 `json:"duration"`
		RID      string  `json:"rid"`
		TS       float64 `json:"ts"`
	}
	require.NoError(t, msg.Decode(&payload))
	require.InDelta(t, 0.4, payload.VX, 1e-9)
	require.InDelta(t, 0.2, payload.Duration, 1e-9)
	require.Equal(t, "rid-1", payload.RID)
	require.Greater(t, payload.TS, 0.0)
}

func TestControlKeepsCallerRID(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/control", `{"type":"stop","rid":"mine"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "mine", body["rid"])

	msg := h.published(t)
	require.Equal(t, bus.TopicStop, msg.Topic)
	fields, ok := msg.Fields()
	require.True(t, ok)
	require.Equal(t, "mine", fields["rid"])
}

func TestControlRejectsBadBodies(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, body := range []string{`{"type":"jump"}`, `not json`, `{"type":"spin","dir":"up"}`} {
		rec, decoded := h.do(t, http.MethodPost, "/control", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		require.Equal(t, false, decoded["ok"], body)
		require.NotEmpty(t, decoded["err"], body)
	}

	_, ok := h.sub.Receive(context.Background(), 50*time.Millisecond)
	require.False(t, ok, "rejected control must not publish")
}

func TestControlPreflight(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodOptions, "/control", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestAPIMoveAndStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodGet, "/api/move?dir=left&w=0.5&t=0.3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	msg := h.published(t)
	require.Equal(t, bus.TopicMove, msg.Topic)
	fields, ok := msg.Fields()
	require.True(t, ok)
	require.InDelta(t, -0.5, fields["yaw"], 1e-9)
	require.InDelta(t, 0.3, fields["duration"], 1e-9)

	rec, _ = h.do(t, http.MethodGet, "/api/move?dir=forward&v=9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	fields, _ = h.published(t).Fields()
	require.InDelta(t, 1.0, fields["vx"], 1e-9)
	require.InDelta(t, defaultDuration, fields["duration"], 1e-9)

	rec, _ = h.do(t, http.MethodGet, "/api/move?dir=forward&v=fast", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/api/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, bus.TopicStop, h.published(t).Topic)
}

func TestControlReportsClosedBus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.NoError(t, h.mb.Close())

	rec, body := h.do(t, http.MethodPost, "/control", `{"type":"stop"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, bus.CategoryFromError(bus.ErrClosed), body["err"])
}

func TestNewServiceValidates(t *testing.T) {
	t.Parallel()

	_, err := NewService(config.StatusConfig{}, nil, bus.NewMessageBus(1), nil)
	require.Error(t, err)
	_, err = NewService(config.StatusConfig{}, &fakeSource{}, nil, nil)
	require.Error(t, err)

	svc, err := NewService(config.StatusConfig{}, &fakeSource{}, bus.NewMessageBus(1), nil)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8081", svc.Addr())
}

func TestRunServesUntilCancelled(t *testing.T) {
	t.Parallel()

	port := freeTCPPort(t)
	source := &fakeSource{state: motion.State{Running: true}}
	svc, err := NewService(config.StatusConfig{Host: "127.0.0.1", Port: port}, source, bus.NewMessageBus(1), logger.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return resp.StatusCode == http.StatusOK && strings.Contains(buf.String(), `"status":"ok"`)
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("status server did not stop")
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
