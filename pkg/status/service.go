// Package status serves the bridge's HTTP surface: health and readiness probes,
// a state snapshot, Prometheus metrics, and the small /control write contract
// that republishes dashboard commands onto the bus.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"riderpi/pkg/bus"
	"riderpi/pkg/config"
	"riderpi/pkg/motion"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 8081

	maxControlBody = 64 << 10

	// Query defaults of the GET /api/move shortcut.
	defaultLinear   = 0.10
	defaultAngular  = 0.18
	defaultDuration = 0.15
)

// Source is the bridge as seen by the status server.
type Source interface {
	Snapshot() motion.State
	MetricsHandler() http.Handler
}

// Publisher is the part of a bus the control endpoints need.
type Publisher interface {
	Publish(topic string, payload any, opts ...bus.PublishOption) error
}

type Service struct {
	cfg    config.StatusConfig
	log    *slog.Logger
	source Source
	pub    Publisher
	newRID func() string

	mu        sync.RWMutex
	startedAt time.Time
}

type statusResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Running       bool   `json:"running"`
	Present       bool   `json:"present"`
	DryRun        bool   `json:"dry_run"`
	EStop         bool   `json:"estop"`
	DeadmanArmed  bool   `json:"deadman_armed"`
}

type controlResponse struct {
	OK   bool           `json:"ok"`
	RID  string         `json:"rid,omitempty"`
	Sent map[string]any `json:"sent,omitempty"`
	Err  string         `json:"err,omitempty"`
}

func NewService(cfg config.StatusConfig, source Source, pub Publisher, log *slog.Logger) (*Service, error) {
	if source == nil {
		return nil, errors.New("state source is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		cfg:    cfg,
		log:    log.With("component", "status"),
		source: source,
		pub:    pub,
		newRID: uuid.NewString,
	}, nil
}

// Addr returns the configured listen address.
func (s *Service) Addr() string {
	host := strings.TrimSpace(s.cfg.Host)
	if host == "" {
		host = defaultHost
	}
	port := s.cfg.Port
	if port <= 0 {
		port = defaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Handler builds the HTTP routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /state", s.handleState)
	mux.Handle("GET /metrics", s.source.MetricsHandler())
	mux.HandleFunc("POST /control", s.handleControl)
	mux.HandleFunc("OPTIONS /control", s.handlePreflight)
	mux.HandleFunc("GET /api/move", s.handleAPIMove)
	mux.HandleFunc("GET /api/stop", s.handleAPIStop)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	server := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Status server started", "address", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start status server: %w", err)
	}
	return nil
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.source.Snapshot().Running {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	s.writeJSON(w, statusCode, s.currentStatus(status))
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	uptime := int64(0)
	if !startedAt.IsZero() {
		uptime = int64(time.Since(startedAt).Seconds())
	}

	state := s.source.Snapshot()
	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Running:       state.Running,
		Present:       state.Present,
		DryRun:        state.DryRun,
		EStop:         state.EStop,
		DeadmanArmed:  state.DeadmanArmed,
	}
}

func (s *Service) handleState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.Snapshot())
}

func (s *Service) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	allowCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleControl accepts the dashboard's {type: drive|spin|stop} body.
func (s *Service) handleControl(w http.ResponseWriter, r *http.Request) {
	allowCORS(w)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, controlResponse{Err: "read body: " + err.Error()})
		return
	}
	var fields map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			s.writeJSON(w, http.StatusBadRequest, controlResponse{Err: "body is not a JSON object"})
			return
		}
	}
	if fields == nil {
		fields = map[string]any{}
	}

	s.forward(w, fields)
}

// handleAPIMove is the GET shortcut ?dir=forward|backward|left|right&v=&w=&t=.
func (s *Service) handleAPIMove(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := map[string]any{"dir": q.Get("dir")}
	for key, def := range map[string]float64{"v": defaultLinear, "w": defaultAngular, "t": defaultDuration} {
		value := def
		if raw := q.Get(key); raw != "" {
			parsed, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				s.writeJSON(w, http.StatusBadRequest, controlResponse{Err: fmt.Sprintf("%s is not a number", key)})
				return
			}
			value = parsed
		}
		if key != "t" {
			value = min(1, max(0, value))
		}
		fields[key] = value
	}
	if rid := q.Get("rid"); rid != "" {
		fields["rid"] = rid
	}

	s.forward(w, fields)
}

func (s *Service) handleAPIStop(w http.ResponseWriter, r *http.Request) {
	fields := map[string]any{"type": "stop"}
	if rid := r.URL.Query().Get("rid"); rid != "" {
		fields["rid"] = rid
	}
	s.forward(w, fields)
}

// forward validates a dashboard command the way the bridge will read it and
// republishes it as cmd.move or cmd.stop.
func (s *Service) forward(w http.ResponseWriter, fields map[string]any) {
	rid, _ := fields["rid"].(string)
	if rid == "" {
		rid = s.newRID()
		fields["rid"] = rid
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, controlResponse{RID: rid, Err: err.Error()})
		return
	}
	intent, err := motion.Normalize(bus.NewMessage(bus.TopicMotionCmd, raw, time.Now()), 0)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, controlResponse{RID: rid, Err: err.Error()})
		return
	}

	topic := bus.TopicStop
	payload := map[string]any{"rid": rid}
	if intent.Kind == motion.KindMove {
		topic = bus.TopicMove
		payload["vx"] = intent.VX
		payload["vy"] = intent.VY
		payload["yaw"] = intent.Yaw
		payload["duration"] = intent.Duration
	}

	if err := s.pub.Publish(topic, payload, bus.WithTimestamp()); err != nil {
		s.log.Warn("Control publish failed", "topic", topic, "rid", rid, "err", err)
		s.writeJSON(w, http.StatusServiceUnavailable, controlResponse{RID: rid, Err: bus.CategoryFromError(err)})
		return
	}

	s.log.Debug("Control forwarded", "topic", topic, "rid", rid)
	s.writeJSON(w, http.StatusOK, controlResponse{OK: true, RID: rid, Sent: payload})
}

func (s *Service) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func allowCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}
