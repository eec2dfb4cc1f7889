package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/pyotel/chicken-feed/internal/model"
	"github.com/pyotel/chicken-feed/internal/observability"
	"github.com/pyotel/chicken-feed/internal/schedule"
	"github.com/pyotel/chicken-feed/internal/store"
)

// Server exposes the collector's ingest and query API. The command queue is
// optional; without it the command endpoints answer 503.
type Server struct {
	repo     *store.Repo
	commands *store.CommandQueue
	loc      *time.Location
	router   chi.Router
}

func NewServer(repo *store.Repo, commands *store.CommandQueue, loc *time.Location) *Server {
	s := &Server{repo: repo, commands: commands, loc: loc}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", observability.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/feeding/log", s.handleIngestEvent)
		r.Get("/feeding/logs/{deviceID}", s.handleListEvents)
		r.Get("/feeding/missed/{deviceID}", s.handleListMissed)
		r.Post("/feeding/missed/{incidentID}/resolve", s.handleResolveMissed)
		r.Get("/stats/{deviceID}", s.handleStats)
		r.Post("/device/config", s.handleUpsertConfig)
		r.Post("/device/command/{deviceID}", s.handlePushCommand)
		r.Get("/device/command/{deviceID}", s.handlePopCommand)
	})

	s.router = r
	return s
}

func (s *Server) Router() http.Handler { return s.router }

type eventRequest struct {
	ID        uuid.UUID      `json:"event_id"`
	DeviceID  string         `json:"device_id"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details"`
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if !model.ValidAction(req.Action) {
		writeError(w, http.StatusBadRequest, "unknown action "+strconv.Quote(req.Action))
		return
	}
	if req.Timestamp.IsZero() {
		writeError(w, http.StatusBadRequest, "timestamp is required")
		return
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}

	var details []byte
	if req.Details != nil {
		b, err := json.Marshal(req.Details)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid details")
			return
		}
		details = b
	}

	ev := &store.FeedingEvent{
		ID:       req.ID,
		DeviceID: req.DeviceID,
		Action:   req.Action,
		TS:       req.Timestamp.UTC(),
		Details:  details,
	}
	if err := s.repo.InsertEvent(r.Context(), ev); err != nil {
		slog.Error("failed to persist feeding event", "device_id", req.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist event")
		return
	}
	observability.EventsIngested.WithLabelValues(req.Action).Inc()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "event_id": ev.ID})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.repo.ListEvents(r.Context(), deviceID, limit)
	if err != nil {
		slog.Error("failed to list events", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "events": rows})
}

type configRequest struct {
	DeviceID        string   `json:"device_id"`
	FeedingTimes    []string `json:"feeding_times"`
	DurationMinutes int      `json:"duration_minutes"`
}

func (s *Server) handleUpsertConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	sched, err := schedule.New(req.FeedingTimes, req.DurationMinutes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.repo.UpsertDeviceConfig(r.Context(), req.DeviceID, sched.Times(), req.DurationMinutes); err != nil {
		slog.Error("failed to upsert device config", "device_id", req.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListMissed(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	day := time.Now().In(s.loc)
	if q := r.URL.Query().Get("date"); q != "" {
		parsed, err := time.ParseInLocation("2006-01-02", q, s.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	rows, err := s.repo.ListIncidents(r.Context(), deviceID, dayStart.UTC(), dayEnd.UTC())
	if err != nil {
		slog.Error("failed to list incidents", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list incidents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"date":      dayStart.Format("2006-01-02"),
		"incidents": rows,
	})
}

func (s *Server) handleResolveMissed(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "incidentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid incident ID")
		return
	}
	found, err := s.repo.ResolveIncident(r.Context(), id)
	if err != nil {
		slog.Error("failed to resolve incident", "incident_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve incident")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleStats aggregates per-day action counts in Go so the query stays
// portable across postgres and the sqlite used in tests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days <= 0 {
		days = 7
	}
	if days > 90 {
		days = 90
	}

	now := time.Now().In(s.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	cutoff := dayStart.AddDate(0, 0, -(days - 1))

	rows, err := s.repo.EventsSince(r.Context(), deviceID, cutoff.UTC())
	if err != nil {
		slog.Error("failed to load events for stats", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	type dayStats struct {
		Date   string         `json:"date"`
		Counts map[string]int `json:"counts"`
	}
	byDay := map[string]*dayStats{}
	order := []string{}
	for _, ev := range rows {
		key := ev.TS.In(s.loc).Format("2006-01-02")
		ds, ok := byDay[key]
		if !ok {
			ds = &dayStats{Date: key, Counts: map[string]int{}}
			byDay[key] = ds
			order = append(order, key)
		}
		ds.Counts[ev.Action]++
	}
	out := make([]dayStats, 0, len(order))
	for _, key := range order {
		out = append(out, *byDay[key])
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "days": days, "stats": out})
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handlePushCommand(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeError(w, http.StatusServiceUnavailable, "command queue not configured")
		return
	}
	deviceID := chi.URLParam(r, "deviceID")
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if !model.ValidCommand(req.Command) {
		writeError(w, http.StatusBadRequest, "unknown command "+strconv.Quote(req.Command))
		return
	}
	if err := s.commands.Push(r.Context(), deviceID, req.Command); err != nil {
		slog.Error("failed to queue command", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to queue command")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePopCommand(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeError(w, http.StatusServiceUnavailable, "command queue not configured")
		return
	}
	deviceID := chi.URLParam(r, "deviceID")
	cmd, err := s.commands.Pop(r.Context(), deviceID)
	if err != nil {
		slog.Error("failed to fetch command", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch command")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"has_command": cmd != "", "command": cmd})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
