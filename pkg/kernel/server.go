package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/heisenworks/applyos/internal/config"
	"github.com/heisenworks/applyos/internal/core/domain"
	"github.com/heisenworks/applyos/internal/core/ports"
	"github.com/heisenworks/applyos/internal/core/services"
)

// Server is the kernel's HTTP surface: queue and session control, learned
// answers, settings, the profile, the event stream, and the inspector
// websocket mount.
type Server struct {
	logger    *slog.Logger
	scheduler *services.Scheduler
	automaton *services.Automaton
	memory    *services.MemoryStore
	settings  *config.SettingsStore
	eventBus  *services.EventBus
	browser   ports.BrowserManager
	inspector http.HandlerFunc

	autofillBusy atomic.Bool
}

func NewServer(
	logger *slog.Logger,
	scheduler *services.Scheduler,
	automaton *services.Automaton,
	memory *services.MemoryStore,
	settings *config.SettingsStore,
	eventBus *services.EventBus,
	browser ports.BrowserManager,
	inspector http.HandlerFunc,
) *Server {
	return &Server{
		logger:    logger,
		scheduler: scheduler,
		automaton: automaton,
		memory:    memory,
		settings:  settings,
		eventBus:  eventBus,
		browser:   browser,
		inspector: inspector,
	}
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /v1/queue", s.handleEnqueue)
	mux.HandleFunc("GET /v1/queue", s.handleListQueue)

	mux.HandleFunc("POST /v1/session/start", s.handleSessionStart)
	mux.HandleFunc("POST /v1/session/stop", s.handleSessionStop)
	mux.HandleFunc("POST /v1/session/resume", s.handleSessionResume)
	mux.HandleFunc("GET /v1/session", s.handleSessionStatus)

	mux.HandleFunc("POST /v1/autofill/start", s.handleAutofillStart)
	mux.HandleFunc("POST /v1/autofill/stop", s.handleAutofillStop)

	mux.HandleFunc("POST /v1/answers", s.handleAnswer)
	mux.HandleFunc("GET /v1/memory", s.handleListMemory)
	mux.HandleFunc("PUT /v1/memory/{fingerprint}", s.handleUpdateMemory)

	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handleUpdateSettings)
	mux.HandleFunc("GET /v1/profile", s.handleGetProfile)
	mux.HandleFunc("PUT /v1/profile", s.handleUpdateProfile)

	mux.HandleFunc("GET /v1/workers", s.handleListWorkers)

	mux.HandleFunc("GET /v1/events", s.handleBroadcastSSE)
	mux.HandleFunc("GET /v1/targets/{id}/events", s.handleTargetSSE)

	if s.inspector != nil {
		mux.HandleFunc("GET /v1/inspector/ws", s.inspector)
	}

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleEnqueue adds one target to the work queue.
// POST /v1/queue
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var item domain.QueueItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	err := s.scheduler.Enqueue(r.Context(), item)
	switch {
	case errors.Is(err, domain.ErrInvalidTarget):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrDuplicateTarget):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue target")
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"target_id": string(item.TargetID)})
	}
}

// handleListQueue returns the durable queue.
// GET /v1/queue
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.scheduler.Queue(r.Context())
	if err != nil {
		s.logger.Error("list queue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list queue")
		return
	}
	if items == nil {
		items = []domain.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// handleSessionStart begins dispatching the pending queue.
// POST /v1/session/start
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	err := s.scheduler.Start(r.Context())
	switch {
	case errors.Is(err, domain.ErrSessionActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrDailyLimit):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case err != nil:
		s.logger.Error("session start failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

// handleSessionStop aborts the active session. Idempotent.
// POST /v1/session/stop
func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.scheduler.Stop(ctx); err != nil {
		s.logger.Error("session stop failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleSessionResume continues a paused session.
// POST /v1/session/resume
func (s *Server) handleSessionResume(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// handleSessionStatus returns the scheduler and automaton state.
// GET /v1/session
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	state := s.scheduler.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":   state,
		"automaton": string(s.automaton.State()),
	})
}

// handleAutofillStart runs the automaton once for a single target outside any
// session. The run is asynchronous; progress arrives on the target's event
// channel.
// POST /v1/autofill/start
func (s *Server) handleAutofillStart(w http.ResponseWriter, r *http.Request) {
	var item domain.QueueItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := item.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.scheduler.Status().Active {
		writeError(w, http.StatusConflict, domain.ErrSessionActive.Error())
		return
	}
	if !s.autofillBusy.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "autofill already running")
		return
	}

	profile, err := s.settings.Profile(r.Context())
	if err != nil {
		s.autofillBusy.Store(false)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go func() {
		defer s.autofillBusy.Store(false)
		if err := s.automaton.Run(context.Background(), item, profile); err != nil {
			s.logger.Warn("manual autofill failed", "target", item.TargetID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "started",
		"target_id": string(item.TargetID),
	})
}

// handleAutofillStop aborts any in-flight automaton run. Idempotent.
// POST /v1/autofill/stop
func (s *Server) handleAutofillStop(w http.ResponseWriter, r *http.Request) {
	s.automaton.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleAnswer delivers a user answer for an ask-user escalation.
// POST /v1/answers
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
		Question    string `json:"question"`
		Answer      string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.automaton.ProvideAnswer(r.Context(), req.Fingerprint, req.Question, req.Answer); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleListMemory returns every learned answer.
// GET /v1/memory
func (s *Server) handleListMemory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.memory.List(r.Context())
	if err != nil {
		s.logger.Error("list memory failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list memory")
		return
	}
	if entries == nil {
		entries = []domain.MemoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleUpdateMemory overwrites one learned answer.
// PUT /v1/memory/{fingerprint}
func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	fingerprint := r.PathValue("fingerprint")

	var req struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.memory.RememberByFingerprint(r.Context(), fingerprint, req.Question, req.Answer); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fingerprint": fingerprint})
}

// handleGetSettings returns the config with secrets masked.
// GET /v1/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.GetMaskedConfig())
}

// handleUpdateSettings replaces the config.
// PUT /v1/settings
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var update domain.AppConfig
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.settings.UpdateConfig(r.Context(), &update); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.settings.GetMaskedConfig())
}

// handleGetProfile returns the stored candidate profile.
// GET /v1/profile
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.settings.Profile(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handleUpdateProfile replaces the stored candidate profile.
// PUT /v1/profile
func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var profile domain.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.settings.UpdateProfile(r.Context(), profile); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handleListWorkers returns the browser workers known to the runtime.
// GET /v1/workers
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.browser.List(r.Context())
	if err != nil {
		s.logger.Error("list workers failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}
	if workers == nil {
		workers = []domain.Worker{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
