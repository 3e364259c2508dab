// Package autopilot exposes the operator HTTP surface: goal review and
// approval, scheduler introspection, pool health, and Prometheus metrics. The
// surface is deliberately thin; all decisions live in the runtime packages.
package autopilot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goa.design/clue/log"

	"github.com/openfab/autopilot/runtime/ops/approval"
	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/pool"
	"github.com/openfab/autopilot/runtime/ops/scheduler"
	"github.com/openfab/autopilot/runtime/ops/store"
)

type (
	// Server handles the operator API.
	Server struct {
		store     store.Store
		gate      *approval.Gate
		scheduler *scheduler.Scheduler
		pools     *pool.Registry
	}

	// GoalView is the wire shape of a goal.
	GoalView struct {
		ID                 string         `json:"id"`
		Kind               string         `json:"kind"`
		Description        string         `json:"description"`
		Rationale          string         `json:"rationale,omitempty"`
		EstimatedBudgetUSD string         `json:"estimated_budget_usd"`
		EstimatedDurationH float64        `json:"estimated_duration_h"`
		Status             string         `json:"status"`
		ImpactScore        float64        `json:"impact_score"`
		SourceTag          string         `json:"source_tag"`
		Metadata           map[string]any `json:"metadata,omitempty"`
		IdentifiedAt       time.Time      `json:"identified_at"`
		ApprovedAt         *time.Time     `json:"approved_at,omitempty"`
		ApprovedBy         string         `json:"approved_by,omitempty"`
		ApprovalNotes      string         `json:"approval_notes,omitempty"`
		CompletedAt        *time.Time     `json:"completed_at,omitempty"`
		EffectivenessScore *float64       `json:"effectiveness_score,omitempty"`
	}

	// GoalDetail extends GoalView with the generated project, when one exists.
	GoalDetail struct {
		GoalView
		Project *ProjectView `json:"project,omitempty"`
	}

	// ProjectView is the wire shape of a project and its tasks.
	ProjectView struct {
		ID                 string     `json:"id"`
		Status             string     `json:"status"`
		BudgetAllocatedUSD string     `json:"budget_allocated_usd"`
		BudgetSpentUSD     string     `json:"budget_spent_usd"`
		CreatedAt          time.Time  `json:"created_at"`
		Tasks              []TaskView `json:"tasks"`
	}

	// TaskView is the wire shape of a task.
	TaskView struct {
		ID           string  `json:"id"`
		Kind         string  `json:"kind"`
		Title        string  `json:"title"`
		Status       string  `json:"status"`
		Attempts     int     `json:"attempts"`
		MaxAttempts  int     `json:"max_attempts"`
		BudgetUSD    string  `json:"budget_usd"`
		DependsOn    *string `json:"depends_on,omitempty"`
		FailureCode  string  `json:"failure_code,omitempty"`
		FailureError string  `json:"failure_error,omitempty"`
	}

	// ReviewRequest is the approve/reject request body.
	ReviewRequest struct {
		Actor string `json:"actor"`
		Notes string `json:"notes,omitempty"`
	}

	// HealthResponse reports pool and breaker state.
	HealthResponse struct {
		Status string        `json:"status"`
		Pools  []pool.Health `json:"pools"`
	}

	errorBody struct {
		Error string `json:"error"`
	}
)

// New constructs the API server.
func New(s store.Store, gate *approval.Gate, sched *scheduler.Scheduler, pools *pool.Registry) *Server {
	return &Server{store: s, gate: gate, scheduler: sched, pools: pools}
}

// Handler builds the HTTP routes. The context carries the logger used for
// request logging.
func (s *Server) Handler(logCtx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(log.HTTP(logCtx))

	r.Get("/health", s.health)
	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/goals", s.listGoals)
		r.Get("/goals/{id}", s.getGoal)
		r.Post("/goals/{id}/approve", s.approveGoal)
		r.Post("/goals/{id}/reject", s.rejectGoal)
		r.Post("/tasks/{id}/approve", s.approveTask)
		r.Get("/scheduler/jobs", s.listJobs)
	})
	return r
}

func (s *Server) listGoals(w http.ResponseWriter, r *http.Request) {
	var f store.GoalFilter
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		f.Status = model.GoalStatus(v)
	}
	if v := q.Get("kind"); v != "" {
		f.Kind = model.GoalKind(v)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, model.InvalidInputf("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	goals, err := s.store.ListGoals(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]GoalView, len(goals))
	for i, g := range goals {
		views[i] = goalView(g)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getGoal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	g, err := s.store.GetGoal(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	detail := GoalDetail{GoalView: goalView(g)}
	if p, err := s.store.GetProjectByGoal(ctx, id); err == nil {
		tasks, err := s.store.ListProjectTasks(ctx, p.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		pv := projectView(p, tasks)
		detail.Project = &pv
	} else if !errors.Is(err, model.ErrNotFound) {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) approveGoal(w http.ResponseWriter, r *http.Request) {
	s.review(w, r, s.gate.Approve)
}

func (s *Server) rejectGoal(w http.ResponseWriter, r *http.Request) {
	s.review(w, r, s.gate.Reject)
}

func (s *Server) review(w http.ResponseWriter, r *http.Request, decide func(ctx context.Context, id, actor, notes string) (model.Goal, error)) {
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, model.InvalidInputf("invalid request body: %v", err))
		return
	}
	g, err := decide(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, goalView(g))
}

// approveTask records the human sign-off that print tasks require before
// their handler will touch hardware.
func (s *Server) approveTask(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, model.InvalidInputf("invalid request body: %v", err))
		return
	}
	task, err := s.gate.ApprovePrint(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView(task))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Snapshot())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	pools := s.pools.Health()
	status := "ok"
	code := http.StatusOK
	for _, p := range pools {
		if !p.Healthy || p.Breaker == "open" {
			status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, HealthResponse{Status: status, Pools: pools})
}

func goalView(g model.Goal) GoalView {
	return GoalView{
		ID:                 g.ID,
		Kind:               string(g.Kind),
		Description:        g.Description,
		Rationale:          g.Rationale,
		EstimatedBudgetUSD: g.EstimatedBudgetUSD.StringFixed(2),
		EstimatedDurationH: g.EstimatedDurationH,
		Status:             string(g.Status),
		ImpactScore:        g.ImpactScore,
		SourceTag:          g.SourceTag,
		Metadata:           g.Metadata,
		IdentifiedAt:       g.IdentifiedAt,
		ApprovedAt:         g.ApprovedAt,
		ApprovedBy:         g.ApprovedBy,
		ApprovalNotes:      g.ApprovalNotes,
		CompletedAt:        g.CompletedAt,
		EffectivenessScore: g.EffectivenessScore,
	}
}

func taskView(t model.Task) TaskView {
	v := TaskView{
		ID:          t.ID,
		Kind:        string(t.Kind),
		Title:       t.Title,
		Status:      string(t.Status),
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		BudgetUSD:   t.BudgetAllocatedUSD.StringFixed(2),
		DependsOn:   t.DependsOn,
	}
	if t.Error != nil {
		v.FailureCode = string(t.Error.Code)
		v.FailureError = t.Error.Message
	}
	return v
}

func projectView(p model.Project, tasks []model.Task) ProjectView {
	tv := make([]TaskView, len(tasks))
	for i, t := range tasks {
		tv[i] = taskView(t)
	}
	return ProjectView{
		ID:                 p.ID,
		Status:             string(p.Status),
		BudgetAllocatedUSD: p.BudgetAllocatedUSD.StringFixed(2),
		BudgetSpentUSD:     p.BudgetSpentUSD.StringFixed(2),
		CreatedAt:          p.CreatedAt,
		Tasks:              tv,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// Encode errors mean the client went away; nothing useful to do.
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, model.ErrUpstreamUnavailable), errors.Is(err, model.ErrRateLimited):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		log.Errorf(r.Context(), err, "request failed")
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}
