package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"hookflow/internal/domain"
	"hookflow/internal/store"
	"hookflow/internal/wake"
)

// Health is what the scheduler loop exposes to /health.
type Health interface {
	Healthy() bool
}

type Server struct {
	store  store.Store
	wake   *wake.Signal
	health Health
}

func NewServer(st store.Store, w *wake.Signal, h Health) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{store: st, wake: w, health: h}

	r.Get("/health", s.healthz)
	r.Post("/api/tasks", s.createTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Get("/api/tasks/{id}/executions", s.listExecutions)
	r.Delete("/api/tasks/{id}", s.deleteTask)

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil && !s.health.Healthy() {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createReq struct {
	Name            string             `json:"name"`
	TaskType        string             `json:"task_type"`
	TriggerAt       time.Time          `json:"trigger_at"`
	IntervalSeconds *int64             `json:"interval_seconds"`
	Payload         domain.WebhookCall `json:"payload"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t := domain.Task{
		Name:      req.Name,
		Kind:      domain.TaskKind(req.TaskType),
		TriggerAt: req.TriggerAt,
		Payload:   req.Payload,
	}
	if req.IntervalSeconds != nil {
		t.IntervalSeconds = *req.IntervalSeconds
	}
	id, err := s.store.Create(r.Context(), t)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// A new task may be due sooner than whatever the loop is sleeping on.
	s.wake.Notify()
	log.Info().Str("task_id", id).Str("name", req.Name).Msg("task created")
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "id": id})
}

type taskSummary struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	TaskType        string     `json:"task_type"`
	TriggerAt       time.Time  `json:"trigger_at"`
	IntervalSeconds *int64     `json:"interval_seconds,omitempty"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

func summarize(t domain.Task) taskSummary {
	sum := taskSummary{
		ID:        t.ID,
		Name:      t.Name,
		TaskType:  string(t.Kind),
		TriggerAt: t.TriggerAt,
		DeletedAt: t.DeletedAt,
	}
	if t.Kind == domain.KindInterval {
		iv := t.IntervalSeconds
		sum.IntervalSeconds = &iv
	}
	return sum
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "1"
	tasks, err := s.store.List(r.Context(), includeDeleted)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, summarize(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		taskSummary
		Payload   domain.WebhookCall `json:"payload"`
		CreatedAt time.Time          `json:"created_at"`
	}{summarize(t), t.Payload, t.CreatedAt})
}

type executionResp struct {
	ID         string    `json:"id"`
	ExecutedAt time.Time `json:"executed_at"`
	Output     string    `json:"output"`
	Status     string    `json:"status"`
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	execs, err := s.store.ListExecutions(r.Context(), id, 100)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]executionResp, 0, len(execs))
	for _, e := range execs {
		out = append(out, executionResp{ID: e.ID, ExecutedAt: e.ExecutedAt, Output: e.Output, Status: string(e.Status)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.SoftDelete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	// Lets the loop drop the deleted task from its next-wake computation.
	s.wake.Notify()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidTask):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "resource not found"})
	default:
		log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
