package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oddsworks/vigil/internal/billing"
	"github.com/oddsworks/vigil/internal/monitor"
)

// UsageReader exposes billing records for the operations surface.
type UsageReader interface {
	UsageSummary(subscriber, eventKey string) (billing.Usage, bool)
	UserTotals(subscriber string) (totalEvents int, totalCalls int, totalCost float64)
}

type Server struct {
	router   *chi.Mux
	port     int
	registry *monitor.Registry
	usage    UsageReader
	logger   *slog.Logger
}

func NewServer(port int, registry *monitor.Registry, usage UsageReader, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		port:     port,
		registry: registry,
		usage:    usage,
		logger:   logger,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/vigil/status", s.status)

	router.Route("/api/v1/monitors", func(r chi.Router) {
		r.Post("/", s.createMonitor)
		r.Post("/{key}/subscribers", s.addSubscriber)
		r.Delete("/{key}/subscribers/{id}", s.removeSubscriber)
		r.Post("/{key}/subscribers/{id}/pause", s.pauseSubscriber)
		r.Post("/{key}/subscribers/{id}/resume", s.resumeSubscriber)
		r.Post("/{key}/stop", s.stopMonitor)
		r.Delete("/{key}", s.purgeMonitor)
		r.Get("/{key}/usage", s.monitorUsage)
	})
	router.Get("/api/v1/subscribers/{id}/usage", s.subscriberUsage)

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("API server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":  "vigil",
		"monitors": s.registry.Overview(),
	})
}

type createMonitorRequest struct {
	EventKey    string `json:"event_key"`
	Question    string `json:"question"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Subscriber  string `json:"subscriber"`
}

func (s *Server) createMonitor(w http.ResponseWriter, r *http.Request) {
	var req createMonitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.EventKey == "" || req.Question == "" || req.Subscriber == "" {
		writeError(w, http.StatusBadRequest, "event_key, question, and subscriber are required")
		return
	}

	m, err := s.registry.Create(r.Context(), req.EventKey, req.Question, req.Description, req.Category, req.Subscriber)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := s.registry.Start(r.Context(), req.EventKey); err != nil {
		writeError(w, http.StatusPaymentRequired, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"event_key": req.EventKey,
		"status":    m.Status(),
		"accounts":  m.Ruleset().Accounts,
	})
}

type subscriberRequest struct {
	Subscriber string `json:"subscriber"`
}

func (s *Server) addSubscriber(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req subscriberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.Subscriber == "" {
		writeError(w, http.StatusBadRequest, "subscriber is required")
		return
	}

	if err := s.registry.AddSubscriber(r.Context(), key, req.Subscriber); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event_key": key, "subscriber": req.Subscriber})
}

func (s *Server) removeSubscriber(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	id := chi.URLParam(r, "id")

	if err := s.registry.RemoveSubscriber(r.Context(), key, id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event_key": key, "removed": id})
}

func (s *Server) pauseSubscriber(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	id := chi.URLParam(r, "id")

	m, ok := s.registry.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no monitor for event %s", key))
		return
	}
	m.PauseSubscriber(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]string{"event_key": key, "paused": id})
}

func (s *Server) resumeSubscriber(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	id := chi.URLParam(r, "id")

	m, ok := s.registry.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no monitor for event %s", key))
		return
	}
	m.ResumeSubscriber(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]string{"event_key": key, "resumed": id})
}

func (s *Server) stopMonitor(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := s.registry.StopMonitor(r.Context(), key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event_key": key, "status": monitor.StatusStopped})
}

func (s *Server) purgeMonitor(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	m, ok := s.registry.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no monitor for event %s", key))
		return
	}
	if m.Status() != monitor.StatusStopped {
		writeError(w, http.StatusConflict, fmt.Sprintf("monitor %s must be stopped before purging", key))
		return
	}
	if err := s.registry.Purge(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event_key": key, "purged": "true"})
}

func (s *Server) monitorUsage(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	subscriber := r.URL.Query().Get("subscriber")
	if subscriber == "" {
		writeError(w, http.StatusBadRequest, "subscriber query parameter is required")
		return
	}

	usage, ok := s.usage.UsageSummary(subscriber, key)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no usage for %s on %s", subscriber, key))
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) subscriberUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, calls, cost := s.usage.UserTotals(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriber":   id,
		"total_events": events,
		"total_calls":  calls,
		"total_cost":   cost,
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
