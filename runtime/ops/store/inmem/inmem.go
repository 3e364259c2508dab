// Package inmem provides an in-memory implementation of store.Store for
// tests and local development. All operations are thread-safe via a single
// mutex, which also gives every multi-entity operation the serialisable
// semantics the contract requires. Records are defensively copied on read and
// write. Production deployments use features/store/postgres.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/store"
)

// Store implements store.Store in memory with no durability.
type Store struct {
	mu        sync.Mutex
	goals     map[string]model.Goal
	projects  map[string]model.Project
	tasks     map[string]model.Task
	ledger    []model.LedgerEntry
	outcomes  map[string]model.GoalOutcome
	baselines map[string]baseline
	audits    []model.AuditEvent
}

type baseline struct {
	at      time.Time
	metrics map[string]float64
}

var _ store.Store = (*Store)(nil)

// New constructs an empty Store ready for use.
func New() *Store {
	return &Store{
		goals:     make(map[string]model.Goal),
		projects:  make(map[string]model.Project),
		tasks:     make(map[string]model.Task),
		outcomes:  make(map[string]model.GoalOutcome),
		baselines: make(map[string]baseline),
	}
}

// CreateGoal persists a new goal. The ID must be unique.
func (s *Store) CreateGoal(_ context.Context, g model.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == "" {
		return model.InvalidInputf("goal id is required")
	}
	if _, ok := s.goals[g.ID]; ok {
		return model.InvalidStatef("goal %s already exists", g.ID)
	}
	if g.Status == "" {
		g.Status = model.GoalIdentified
	}
	s.goals[g.ID] = copyGoal(g)
	return nil
}

// GetGoal loads one goal by ID.
func (s *Store) GetGoal(_ context.Context, id string) (model.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[id]
	if !ok {
		return model.Goal{}, model.NotFoundf("goal %s", id)
	}
	return copyGoal(g), nil
}

// ListGoals returns goals matching the filter ordered by impact score
// descending, then identification time, then ID.
func (s *Store) ListGoals(_ context.Context, f store.GoalFilter) ([]model.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Goal
	for _, g := range s.goals {
		if f.Status != "" && g.Status != f.Status {
			continue
		}
		if f.Kind != "" && g.Kind != f.Kind {
			continue
		}
		out = append(out, copyGoal(g))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ImpactScore != out[j].ImpactScore {
			return out[i].ImpactScore > out[j].ImpactScore
		}
		if !out[i].IdentifiedAt.Equal(out[j].IdentifiedAt) {
			return out[i].IdentifiedAt.Before(out[j].IdentifiedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// TransitionGoal atomically moves a goal between statuses.
func (s *Store) TransitionGoal(_ context.Context, id string, from, to model.GoalStatus, mutate func(*model.Goal)) (model.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[id]
	if !ok {
		return model.Goal{}, model.NotFoundf("goal %s", id)
	}
	if g.Status != from || !model.ValidGoalTransition(from, to) {
		return model.Goal{}, model.InvalidStatef("goal %s is %s, cannot move %s -> %s", id, g.Status, from, to)
	}
	g.Status = to
	if mutate != nil {
		mutate(&g)
	}
	s.goals[id] = copyGoal(g)
	return copyGoal(g), nil
}

// ApprovedGoalsWithoutProject returns approved goals with no project, oldest
// approval first.
func (s *Store) ApprovedGoalsWithoutProject(_ context.Context) ([]model.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	withProject := make(map[string]bool, len(s.projects))
	for _, p := range s.projects {
		withProject[p.GoalID] = true
	}
	var out []model.Goal
	for _, g := range s.goals {
		if g.Status == model.GoalApproved && !withProject[g.ID] {
			out = append(out, copyGoal(g))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].ApprovedAt, out[j].ApprovedAt
		if ti != nil && tj != nil && !ti.Equal(*tj) {
			return ti.Before(*tj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GoalsDueForMeasurement returns completed goals without an outcome whose
// completion is at least window old.
func (s *Store) GoalsDueForMeasurement(_ context.Context, window time.Duration, now time.Time) ([]model.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Goal
	for _, g := range s.goals {
		if g.Status != model.GoalCompleted || g.CompletedAt == nil {
			continue
		}
		if _, measured := s.outcomes[g.ID]; measured {
			continue
		}
		if now.Sub(*g.CompletedAt) >= window {
			out = append(out, copyGoal(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateProjectWithTasks persists a project and its task DAG atomically.
func (s *Store) CreateProjectWithTasks(_ context.Context, p model.Project, tasks []model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.goals[p.GoalID]; !ok {
		return model.NotFoundf("goal %s", p.GoalID)
	}
	for _, existing := range s.projects {
		if existing.GoalID == p.GoalID {
			return model.InvalidStatef("goal %s already has project %s", p.GoalID, existing.ID)
		}
	}
	if _, ok := s.projects[p.ID]; ok {
		return model.InvalidStatef("project %s already exists", p.ID)
	}
	s.projects[p.ID] = p
	for _, t := range tasks {
		t.ProjectID = p.ID
		if t.Status == "" {
			t.Status = model.TaskPending
		}
		s.tasks[t.ID] = copyTask(t)
	}
	return nil
}

// GetProject loads one project by ID.
func (s *Store) GetProject(_ context.Context, id string) (model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return model.Project{}, model.NotFoundf("project %s", id)
	}
	return p, nil
}

// GetProjectByGoal loads the project generated from a goal.
func (s *Store) GetProjectByGoal(_ context.Context, goalID string) (model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.GoalID == goalID {
			return p, nil
		}
	}
	return model.Project{}, model.NotFoundf("project for goal %s", goalID)
}

// ListProjectTasks returns the tasks of a project in creation order.
func (s *Store) ListProjectTasks(_ context.Context, projectID string) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectTasksLocked(projectID), nil
}

func (s *Store) projectTasksLocked(projectID string) []model.Task {
	var out []model.Task
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ClaimReadyTasks atomically claims up to limit ready tasks.
func (s *Store) ClaimReadyTasks(_ context.Context, limit int, now time.Time) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}

	var ready []model.Task
	for _, t := range s.tasks {
		if t.Status != model.TaskPending {
			continue
		}
		if t.NotBefore != nil && now.Before(*t.NotBefore) {
			continue
		}
		p, ok := s.projects[t.ProjectID]
		if !ok || (p.Status != model.ProjectProposed && p.Status != model.ProjectActive) {
			continue
		}
		if t.DependsOn != nil {
			parent, ok := s.tasks[*t.DependsOn]
			if !ok || parent.Status != model.TaskCompleted {
				continue
			}
		}
		ready = append(ready, t)
	}
	sort.Slice(ready, func(i, j int) bool {
		pi, pj := priorityRank(ready[i].Priority), priorityRank(ready[j].Priority)
		if pi != pj {
			return pi < pj
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}

	claimed := make([]model.Task, 0, len(ready))
	for _, t := range ready {
		t.Status = model.TaskInProgress
		t.Attempts++
		started := now
		t.StartedAt = &started
		t.NotBefore = nil
		s.tasks[t.ID] = copyTask(t)
		if p := s.projects[t.ProjectID]; p.Status == model.ProjectProposed {
			p.Status = model.ProjectActive
			s.projects[t.ProjectID] = p
		}
		claimed = append(claimed, copyTask(t))
	}
	return claimed, nil
}

// ResolveTask applies a handler outcome and performs the rollup.
func (s *Store) ResolveTask(_ context.Context, res store.TaskResolution) (store.RollupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[res.TaskID]
	if !ok {
		return store.RollupResult{}, model.NotFoundf("task %s", res.TaskID)
	}
	if !model.ValidTaskTransition(t.Status, res.Status) {
		return store.RollupResult{}, model.InvalidStatef("task %s is %s, cannot resolve to %s", t.ID, t.Status, res.Status)
	}
	t.Status = res.Status
	t.Result = copyMap(res.Result)
	t.Error = res.Error
	fin := res.FinishedAt
	t.FinishedAt = &fin
	s.tasks[t.ID] = copyTask(t)

	p := s.projects[t.ProjectID]
	if res.CostUSD.IsPositive() {
		s.ledger = append(s.ledger, model.LedgerEntry{
			TS:        res.FinishedAt,
			ProjectID: t.ProjectID,
			TaskID:    t.ID,
			AmountUSD: res.CostUSD,
			Reason:    res.Reason,
		})
		p.BudgetSpentUSD = p.BudgetSpentUSD.Add(res.CostUSD)
	}

	if res.Status == model.TaskFailed {
		s.skipBlockedLocked(t.ProjectID, res.FinishedAt)
	}

	out := store.RollupResult{Task: copyTask(t)}
	status, done := model.RollupStatus(s.projectTasksLocked(t.ProjectID))
	if done && (p.Status == model.ProjectActive || p.Status == model.ProjectProposed) {
		p.Status = status
		completed := res.FinishedAt
		p.CompletedAt = &completed
		hours := completed.Sub(p.CreatedAt).Hours()
		p.ActualDurationH = &hours
		out.ProjectTerminal = true
		if status == model.ProjectCompleted {
			if g, ok := s.goals[p.GoalID]; ok && g.Status == model.GoalApproved {
				g.Status = model.GoalCompleted
				g.CompletedAt = &completed
				s.goals[g.ID] = g
				out.GoalCompleted = true
			}
		}
	}
	s.projects[p.ID] = p
	out.Project = p
	return out, nil
}

// skipBlockedLocked marks pending tasks whose parent can never complete as
// skipped, so a failed chain still reaches a terminal rollup. Iterates to a
// fixpoint to cover transitive chains.
func (s *Store) skipBlockedLocked(projectID string, at time.Time) {
	for {
		changed := false
		for id, t := range s.tasks {
			if t.ProjectID != projectID || t.Status != model.TaskPending || t.DependsOn == nil {
				continue
			}
			parent, ok := s.tasks[*t.DependsOn]
			if !ok {
				continue
			}
			if parent.Status == model.TaskFailed || parent.Status == model.TaskSkipped {
				t.Status = model.TaskSkipped
				fin := at
				t.FinishedAt = &fin
				s.tasks[id] = copyTask(t)
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

// RequeueTask returns an in_progress task to pending for a later attempt,
// charging whatever the failed attempt cost.
func (s *Store) RequeueTask(_ context.Context, taskID string, taskErr model.TaskError, notBefore time.Time, costUSD decimal.Decimal) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return model.Task{}, model.NotFoundf("task %s", taskID)
	}
	if t.Status != model.TaskInProgress {
		return model.Task{}, model.InvalidStatef("task %s is %s, cannot requeue", taskID, t.Status)
	}
	t.Status = model.TaskPending
	t.Error = &taskErr
	t.StartedAt = nil
	nb := notBefore
	t.NotBefore = &nb
	s.tasks[taskID] = copyTask(t)
	if costUSD.IsPositive() {
		s.ledger = append(s.ledger, model.LedgerEntry{
			TS:        notBefore,
			ProjectID: t.ProjectID,
			TaskID:    t.ID,
			AmountUSD: costUSD,
			Reason:    "failed attempt: " + string(taskErr.Code),
		})
		p := s.projects[t.ProjectID]
		p.BudgetSpentUSD = p.BudgetSpentUSD.Add(costUSD)
		s.projects[t.ProjectID] = p
	}
	return copyTask(t), nil
}

// GrantTaskApproval records a human sign-off in a pending task's metadata.
func (s *Store) GrantTaskApproval(_ context.Context, taskID, actor string) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return model.Task{}, model.NotFoundf("task %s", taskID)
	}
	if required, _ := t.Metadata["requires_human_approval"].(bool); !required {
		return model.Task{}, model.InvalidInputf("task %s does not require human approval", taskID)
	}
	if t.Status != model.TaskPending {
		return model.Task{}, model.InvalidStatef("task %s is %s, cannot grant approval", taskID, t.Status)
	}
	md := copyMap(t.Metadata)
	md["human_approved"] = true
	md["approved_by"] = actor
	t.Metadata = md
	s.tasks[taskID] = copyTask(t)
	return copyTask(t), nil
}

// GetTask loads one task by ID.
func (s *Store) GetTask(_ context.Context, id string) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, model.NotFoundf("task %s", id)
	}
	return copyTask(t), nil
}

// LedgerAppend appends one spend record.
func (s *Store) LedgerAppend(_ context.Context, e model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, e)
	return nil
}

// LedgerSum sums entries matching the filter.
func (s *Store) LedgerSum(_ context.Context, f store.LedgerFilter) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := decimal.Zero
	for _, e := range s.ledger {
		if !f.From.IsZero() && e.TS.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !e.TS.Before(f.To) {
			continue
		}
		if f.ProjectID != "" && e.ProjectID != f.ProjectID {
			continue
		}
		sum = sum.Add(e.AmountUSD)
	}
	return sum, nil
}

// RecordOutcome inserts the outcome and stamps the goal, once.
func (s *Store) RecordOutcome(_ context.Context, o model.GoalOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outcomes[o.GoalID]; ok {
		return false, nil
	}
	g, ok := s.goals[o.GoalID]
	if !ok {
		return false, model.NotFoundf("goal %s", o.GoalID)
	}
	s.outcomes[o.GoalID] = copyOutcome(o)
	score := o.EffectivenessScore
	g.EffectivenessScore = &score
	measured := o.MeasurementDate
	g.OutcomeMeasuredAt = &measured
	s.goals[g.ID] = g
	return true, nil
}

// SaveBaseline stores the pre-execution metric snapshot for a goal.
func (s *Store) SaveBaseline(_ context.Context, goalID string, at time.Time, metrics map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.goals[goalID]; !ok {
		return model.NotFoundf("goal %s", goalID)
	}
	s.baselines[goalID] = baseline{at: at, metrics: copyFloatMap(metrics)}
	return nil
}

// GetBaseline loads a goal's baseline snapshot.
func (s *Store) GetBaseline(_ context.Context, goalID string) (time.Time, map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.baselines[goalID]
	if !ok {
		return time.Time{}, nil, model.NotFoundf("baseline for goal %s", goalID)
	}
	return b.at, copyFloatMap(b.metrics), nil
}

// GetOutcome loads the outcome for a goal.
func (s *Store) GetOutcome(_ context.Context, goalID string) (model.GoalOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[goalID]
	if !ok {
		return model.GoalOutcome{}, model.NotFoundf("outcome for goal %s", goalID)
	}
	return copyOutcome(o), nil
}

// RecentOutcomes returns the newest outcomes for goals of the given kind.
func (s *Store) RecentOutcomes(_ context.Context, kind model.GoalKind, limit int) ([]model.GoalOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.GoalOutcome
	for _, o := range s.outcomes {
		g, ok := s.goals[o.GoalID]
		if !ok || g.Kind != kind {
			continue
		}
		out = append(out, copyOutcome(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].MeasurementDate.Equal(out[j].MeasurementDate) {
			return out[i].MeasurementDate.After(out[j].MeasurementDate)
		}
		return out[i].GoalID < out[j].GoalID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendAudit records one audit event.
func (s *Store) AppendAudit(_ context.Context, ev model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, ev)
	return nil
}

// AuditEvents returns a copy of the recorded audit stream. Test helper, not
// part of store.Store.
func (s *Store) AuditEvents() []model.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AuditEvent(nil), s.audits...)
}

// LedgerEntries returns a copy of the ledger. Test helper.
func (s *Store) LedgerEntries() []model.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.LedgerEntry(nil), s.ledger...)
}

func priorityRank(p model.TaskPriority) int {
	switch p {
	case model.PriorityHigh:
		return 0
	case model.PriorityMedium:
		return 1
	case model.PriorityLow:
		return 2
	default:
		return 3
	}
}

func copyGoal(g model.Goal) model.Goal {
	g.Metadata = copyMap(g.Metadata)
	return g
}

func copyTask(t model.Task) model.Task {
	t.Result = copyMap(t.Result)
	t.Metadata = copyMap(t.Metadata)
	if t.Error != nil {
		e := *t.Error
		t.Error = &e
	}
	return t
}

func copyOutcome(o model.GoalOutcome) model.GoalOutcome {
	o.BaselineMetrics = copyFloatMap(o.BaselineMetrics)
	o.OutcomeMetrics = copyFloatMap(o.OutcomeMetrics)
	return o
}

func copyMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyFloatMap(src map[string]float64) map[string]float64 {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
