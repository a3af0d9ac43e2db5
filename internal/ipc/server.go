// Package ipc is the loopback HTTP interface for the companion UI. It
// surfaces queue status, the contentless event log, and the two writable
// settings. Every handler re-checks authorization independently; none of
// them can return content, URLs, or raw error text.
package ipc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/safewatchhq/safewatch-agent/internal/crisis"
	"github.com/safewatchhq/safewatch-agent/internal/events"
	"github.com/safewatchhq/safewatch-agent/internal/idle"
	"github.com/safewatchhq/safewatch-agent/internal/queue"
	"github.com/safewatchhq/safewatch-agent/internal/status"
	"github.com/safewatchhq/safewatch-agent/internal/storage"
	"github.com/safewatchhq/safewatch-agent/internal/uploader"
)

const tokenHeader = "X-Agent-Token"

// Server exposes the companion-UI API.
type Server struct {
	addr    string
	token   string
	queue   *queue.Queue
	events  *events.Logger
	tracker *status.Tracker
	sync    *uploader.Synchronizer
	monitor *idle.Monitor
	engine  *crisis.Engine
	store   storage.Store
	log     zerolog.Logger
}

// Config wires the server's collaborators.
type Config struct {
	Addr    string
	Token   string
	Queue   *queue.Queue
	Events  *events.Logger
	Tracker *status.Tracker
	Sync    *uploader.Synchronizer
	Monitor *idle.Monitor
	Engine  *crisis.Engine
	Store   storage.Store
}

// NewServer constructs a Server.
func NewServer(cfg Config, log zerolog.Logger) *Server {
	return &Server{
		addr:    cfg.Addr,
		token:   cfg.Token,
		queue:   cfg.Queue,
		events:  cfg.Events,
		tracker: cfg.Tracker,
		sync:    cfg.Sync,
		monitor: cfg.Monitor,
		engine:  cfg.Engine,
		store:   cfg.Store,
		log:     log,
	}
}

// Handler returns the route mux; split out so tests can drive it without a
// listening socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/settings/idle-threshold", s.handleIdleThreshold)
	mux.HandleFunc("/v1/settings/decoy", s.handleDecoy)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.addr).Msg("ipc server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// authorized performs the per-handler token check. Constant-time compare;
// an agent with an empty configured token refuses everything.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	got := r.Header.Get(tokenHeader)
	if s.token == "" || got == "" ||
		subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

type statusResponse struct {
	QueueSize      int    `json:"queue_size"`
	Online         bool   `json:"online"`
	NeedsAttention bool   `json:"needs_attention"`
	IdleState      string `json:"idle_state"`
	DecoyMode      bool   `json:"decoy_mode"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	size, err := s.queue.Size()
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	decoy := false
	if settings, err := s.store.GetSettings(); err == nil && settings != nil {
		decoy = settings.DecoyModeEnabled
	}
	writeJSON(w, statusResponse{
		QueueSize:      size,
		Online:         s.sync.Online(),
		NeedsAttention: s.tracker.NeedsAttention(),
		IdleState:      string(s.monitor.State()),
		DecoyMode:      decoy,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		var types []string
		if t := r.URL.Query().Get("type"); t != "" {
			types = []string{t}
		}
		list, err := s.events.List(types, limit)
		if err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		if list == nil {
			list = []storage.EventRecord{}
		}
		writeJSON(w, list)
	case http.MethodDelete:
		if err := s.events.Clear(); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type statsResponse struct {
	EventCount       int    `json:"event_count"`
	QueueSize        int    `json:"queue_size"`
	AllowlistSize    int    `json:"allowlist_size"`
	AllowlistVersion string `json:"allowlist_version"`
	DBSizeBytes      int64  `json:"db_size_bytes"`
	IdleThreshold    int    `json:"idle_threshold_seconds"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	eventCount, _ := s.events.Count()
	queueSize, _ := s.queue.Size()
	dbSize, _ := s.store.SizeBytes()
	alSize, alVersion, _ := s.engine.CacheInfo()

	writeJSON(w, statsResponse{
		EventCount:       eventCount,
		QueueSize:        queueSize,
		AllowlistSize:    alSize,
		AllowlistVersion: alVersion,
		DBSizeBytes:      dbSize,
		IdleThreshold:    s.monitor.Threshold(),
	})
}

type thresholdRequest struct {
	Seconds int `json:"seconds"`
}

func (s *Server) handleIdleThreshold(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req thresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Seconds < idle.MinThresholdSeconds || req.Seconds > idle.MaxThresholdSeconds {
		http.Error(w, "threshold out of range", http.StatusUnprocessableEntity)
		return
	}

	// Persist first, then apply; takes effect on the next evaluation.
	err := s.store.UpdateSettings(func(settings *storage.Settings) {
		settings.IdleThresholdSeconds = req.Seconds
	})
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	s.monitor.SetThreshold(req.Seconds)
	w.WriteHeader(http.StatusNoContent)
}

type decoyRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleDecoy(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req decoyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	err := s.store.UpdateSettings(func(settings *storage.Settings) {
		settings.DecoyModeEnabled = req.Enabled
	})
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
