// Package api is the thin management surface over the task store:
// creating, listing and deleting tasks and chain edges, and reading
// execution history. The dispatch core never goes through it.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ggicci/httpin"
	httpin_integ "github.com/ggicci/httpin/integration"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chainrun/internal/cronexpr"
	"chainrun/internal/domain"
	"chainrun/internal/store"
)

func init() {
	httpin_integ.UseGochiURLParam("path", chi.URLParam)
}

type Server struct {
	r  *chi.Mux
	st store.Store
}

func NewServer(st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, st: st}

	r.Get("/health", s.health)
	r.Post("/api/tasks", s.createTask)
	r.With(httpin.NewInput(listTasksInput{})).Get("/api/tasks", s.listTasks)
	r.With(httpin.NewInput(taskInput{})).Get("/api/tasks/{id}", s.getTask)
	r.With(httpin.NewInput(taskInput{})).Delete("/api/tasks/{id}", s.deleteTask)
	r.Post("/api/tasks/{id}/chains", s.addChain)
	r.With(httpin.NewInput(listExecutionsInput{})).Get("/api/tasks/{id}/executions", s.listExecutions)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createTaskReq struct {
	OwnerID            string             `json:"owner_id"`
	Name               string             `json:"name"`
	Endpoint           string             `json:"endpoint"`
	Method             string             `json:"method"`
	Headers            map[string]string  `json:"headers"`
	Body               json.RawMessage    `json:"body"`
	CronExpression     string             `json:"cron_expression"`
	Priority           domain.Priority    `json:"priority"`
	Type               domain.TaskType    `json:"task_type"`
	MaxRetries         int                `json:"max_retries"`
	RetryDelaySeconds  int                `json:"retry_delay_seconds"`
	ExponentialBackoff bool               `json:"exponential_backoff"`
	Chains             []domain.TaskChain `json:"chains"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.OwnerID == "" || req.Name == "" || req.Endpoint == "" {
		http.Error(w, "owner_id, name and endpoint are required", 400)
		return
	}
	if req.Type == "" {
		req.Type = domain.TaskRoot
	}

	task := domain.Task{
		OwnerID:            req.OwnerID,
		Name:               req.Name,
		Endpoint:           req.Endpoint,
		Method:             req.Method,
		Headers:            req.Headers,
		Body:               req.Body,
		CronExpression:     req.CronExpression,
		Priority:           req.Priority,
		Type:               req.Type,
		MaxRetries:         req.MaxRetries,
		RetryDelaySeconds:  req.RetryDelaySeconds,
		ExponentialBackoff: req.ExponentialBackoff,
		Chains:             req.Chains,
	}

	switch req.Type {
	case domain.TaskRoot:
		if req.CronExpression == "" {
			http.Error(w, "root tasks require a cron_expression", 400)
			return
		}
		if err := cronexpr.Validate(req.CronExpression); err != nil {
			http.Error(w, "invalid cron_expression: "+err.Error(), 400)
			return
		}
		next, err := cronexpr.Next(req.CronExpression, time.Now())
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		task.NextExecutionTime = &next
	case domain.TaskChained:
		// Chained tasks are only reachable through an edge; they never
		// carry a schedule of their own.
		if req.CronExpression != "" {
			http.Error(w, "chained tasks must not carry a cron_expression", 400)
			return
		}
	default:
		http.Error(w, "unknown task_type", 400)
		return
	}

	id, err := s.st.CreateTask(r.Context(), task)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type listTasksInput struct {
	Owner string `in:"query=owner"`
	Limit int    `in:"query=limit"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	in := r.Context().Value(httpin.Input).(*listTasksInput)
	if in.Owner == "" {
		http.Error(w, "owner is required", 400)
		return
	}
	tasks, err := s.st.ListTasks(r.Context(), in.Owner, in.Limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"tasks": tasks})
}

type taskInput struct {
	ID    string `in:"path=id"`
	Owner string `in:"query=owner"`
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	in := r.Context().Value(httpin.Input).(*taskInput)
	t, err := s.st.GetTask(r.Context(), in.Owner, in.ID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	in := r.Context().Value(httpin.Input).(*taskInput)
	err := s.st.DeleteTask(r.Context(), in.Owner, in.ID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addChainReq struct {
	StatusCode int    `json:"status_code"`
	NextTaskID string `json:"next_task_id"`
}

func (s *Server) addChain(w http.ResponseWriter, r *http.Request) {
	var req addChainReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.NextTaskID == "" {
		http.Error(w, "next_task_id is required", 400)
		return
	}
	id, err := s.st.AddChain(r.Context(), domain.TaskChain{
		TaskID:     chi.URLParam(r, "id"),
		StatusCode: req.StatusCode,
		NextTaskID: req.NextTaskID,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type listExecutionsInput struct {
	ID    string `in:"path=id"`
	Limit int    `in:"query=limit"`
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	in := r.Context().Value(httpin.Input).(*listExecutionsInput)
	execs, err := s.st.ListExecutions(r.Context(), in.ID, in.Limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"executions": execs})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
