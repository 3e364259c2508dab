package executor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/openfab/autopilot/runtime/ops/audit"
	"github.com/openfab/autopilot/runtime/ops/capability"
	"github.com/openfab/autopilot/runtime/ops/capability/captest"
	"github.com/openfab/autopilot/runtime/ops/clock"
	"github.com/openfab/autopilot/runtime/ops/handler"
	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/planner"
	"github.com/openfab/autopilot/runtime/ops/store"
	"github.com/openfab/autopilot/runtime/ops/store/inmem"
)

var t0 = time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC)

type stubHandler struct {
	kind model.TaskKind
	fn   func(inv handler.Invocation) handler.Result
}

func (h *stubHandler) Kind() model.TaskKind { return h.kind }

func (h *stubHandler) Run(_ context.Context, inv handler.Invocation) handler.Result {
	return h.fn(inv)
}

func newHarness(t *testing.T, cfg Config, registry *handler.Registry) (*Executor, *inmem.Store, *clock.Manual) {
	t.Helper()
	s := inmem.New()
	c := clock.NewManual(t0)
	auditLog := audit.New(s, audit.WithClock(c))
	auditLog.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		auditLog.Close(ctx)
	})
	return New(cfg, s, c, registry, auditLog), s, c
}

func seedResearchProject(t *testing.T, s *inmem.Store, c *clock.Manual, auditLog *audit.Log, budget float64) (model.Goal, model.Project) {
	t.Helper()
	ctx := context.Background()
	approvedAt := t0.Add(-time.Hour)
	g := model.Goal{
		ID:                 uuid.NewString(),
		Kind:               model.GoalResearch,
		Description:        "research nylon",
		EstimatedBudgetUSD: decimal.NewFromFloat(budget),
		Status:             model.GoalIdentified,
		Metadata:           map[string]any{"category": "materials", "slug": "nylon", "material": "nylon"},
		IdentifiedAt:       t0.Add(-2 * time.Hour),
	}
	require.NoError(t, s.CreateGoal(ctx, g))
	_, err := s.TransitionGoal(ctx, g.ID, model.GoalIdentified, model.GoalApproved, func(m *model.Goal) {
		m.ApprovedAt = &approvedAt
		m.ApprovedBy = "operator"
	})
	require.NoError(t, err)

	gen := planner.New(planner.Config{}, s, c, auditLog)
	created, err := gen.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, created)

	project, err := s.GetProjectByGoal(ctx, g.ID)
	require.NoError(t, err)
	return g, project
}

func researchRegistry() *handler.Registry {
	return handler.NewRegistry(
		&handler.Search{Provider: &captest.SearchStub{
			Hits: []capability.SearchHit{{Title: "Nylon guide", URL: "https://example.org/nylon"}},
			Cost: decimal.NewFromFloat(0.05),
		}},
		&handler.Synthesize{LLM: &captest.SynthesizerStub{Text: "Nylon needs drying.", Cost: decimal.NewFromFloat(0.12)}},
		&handler.KBWrite{Knowledge: captest.NewKnowledgeStub()},
		&handler.Commit{VCS: &captest.VCSStub{}},
	)
}

func TestExecutionRollup(t *testing.T) {
	e, s, c := newHarness(t, Config{}, researchRegistry())
	goal, project := seedResearchProject(t, s, c, e.audit, 2.50)
	ctx := context.Background()

	// The chain releases exactly one link per tick.
	for i := 0; i < 4; i++ {
		n, err := e.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "tick %d", i)
	}
	n, err := e.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "all tasks terminal")

	p, err := s.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, model.ProjectCompleted, p.Status)

	g, err := s.GetGoal(ctx, goal.ID)
	require.NoError(t, err)
	require.Equal(t, model.GoalCompleted, g.Status)
	require.NotNil(t, g.CompletedAt)

	spent, err := s.LedgerSum(ctx, store.LedgerFilter{ProjectID: project.ID})
	require.NoError(t, err)
	require.True(t, spent.Equal(p.BudgetSpentUSD), "ledger %s vs spent %s", spent, p.BudgetSpentUSD)
	require.True(t, spent.Equal(decimal.NewFromFloat(0.17)), spent.String())
}

func TestGrantedPrintChainCompletes(t *testing.T) {
	registry := handler.NewRegistry(
		&handler.CAD{LLM: &captest.SynthesizerStub{Text: "0.2mm layers, PETG, 4 walls", Cost: decimal.NewFromFloat(0.08)}},
		handler.ReviewSafety{},
		&handler.QueuePrint{Queue: &captest.PrintQueueStub{}},
	)
	e, s, c := newHarness(t, Config{}, registry)
	ctx := context.Background()

	approvedAt := t0.Add(-time.Hour)
	g := model.Goal{
		ID:                 uuid.NewString(),
		Kind:               model.GoalFabrication,
		Description:        "print a cable bracket",
		EstimatedBudgetUSD: decimal.NewFromFloat(3),
		Status:             model.GoalIdentified,
		Metadata:           map[string]any{"spec": "cable bracket"},
		IdentifiedAt:       t0.Add(-2 * time.Hour),
	}
	require.NoError(t, s.CreateGoal(ctx, g))
	_, err := s.TransitionGoal(ctx, g.ID, model.GoalIdentified, model.GoalApproved, func(m *model.Goal) {
		m.ApprovedAt = &approvedAt
		m.ApprovedBy = "operator"
	})
	require.NoError(t, err)

	gen := planner.New(planner.Config{}, s, c, e.audit)
	created, err := gen.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, created)
	project, err := s.GetProjectByGoal(ctx, g.ID)
	require.NoError(t, err)

	tasks, err := s.ListProjectTasks(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	var printTask model.Task
	for _, task := range tasks {
		if task.Kind == model.TaskQueuePrint {
			printTask = task
		}
	}
	require.Equal(t, true, printTask.Metadata["requires_human_approval"])

	// Sign off while the upstream CAD and review tasks still run.
	_, err = s.GrantTaskApproval(ctx, printTask.ID, "operator")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		n, err := e.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "tick %d", i)
	}

	p, err := s.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, model.ProjectCompleted, p.Status)

	done, err := s.GetTask(ctx, printTask.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, done.Status)
	require.Equal(t, "print-1", done.Result["job_id"])
}

func TestUngrantedPrintTaskIsDenied(t *testing.T) {
	registry := handler.NewRegistry(
		&handler.CAD{LLM: &captest.SynthesizerStub{Text: "0.2mm layers", Cost: decimal.Zero}},
		handler.ReviewSafety{},
		&handler.QueuePrint{Queue: &captest.PrintQueueStub{}},
	)
	e, s, c := newHarness(t, Config{}, registry)
	ctx := context.Background()

	approvedAt := t0.Add(-time.Hour)
	g := model.Goal{
		ID:                 uuid.NewString(),
		Kind:               model.GoalFabrication,
		Description:        "print a cable bracket",
		EstimatedBudgetUSD: decimal.NewFromFloat(3),
		Status:             model.GoalIdentified,
		Metadata:           map[string]any{"spec": "cable bracket"},
		IdentifiedAt:       t0.Add(-2 * time.Hour),
	}
	require.NoError(t, s.CreateGoal(ctx, g))
	_, err := s.TransitionGoal(ctx, g.ID, model.GoalIdentified, model.GoalApproved, func(m *model.Goal) {
		m.ApprovedAt = &approvedAt
	})
	require.NoError(t, err)

	gen := planner.New(planner.Config{}, s, c, e.audit)
	_, err = gen.Run(ctx)
	require.NoError(t, err)
	project, err := s.GetProjectByGoal(ctx, g.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.RunOnce(ctx)
		require.NoError(t, err)
	}

	tasks, err := s.ListProjectTasks(ctx, project.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Kind == model.TaskQueuePrint {
			require.Equal(t, model.TaskFailed, task.Status)
			require.Equal(t, model.FailPolicyDenied, task.Error.Code)
		}
	}
	p, err := s.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, model.ProjectFailed, p.Status)
}

func TestRetryableFailureRequeues(t *testing.T) {
	calls := 0
	flaky := &stubHandler{kind: model.TaskSearch, fn: func(handler.Invocation) handler.Result {
		calls++
		if calls == 1 {
			return handler.Failed(model.FailRateLimited, "429 from search provider", decimal.Zero)
		}
		return handler.Completed(map[string]any{"hits": []map[string]any{}}, decimal.Zero)
	}}
	registry := handler.NewRegistry(flaky)
	e, s, c := newHarness(t, Config{RetryBaseBackoff: time.Minute, RetryMaxBackoff: 5 * time.Minute}, registry)
	_, project := seedResearchProject(t, s, c, e.audit, 2.50)
	ctx := context.Background()

	n, err := e.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tasks, err := s.ListProjectTasks(ctx, project.ID)
	require.NoError(t, err)
	search := tasks[0]
	require.Equal(t, model.TaskPending, search.Status)
	require.Equal(t, 1, search.Attempts)
	require.NotNil(t, search.NotBefore)
	require.True(t, search.NotBefore.After(c.Now()))

	// Under backoff: nothing to claim.
	n, err = e.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	c.Advance(10 * time.Minute)
	n, err = e.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tasks, err = s.ListProjectTasks(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, tasks[0].Status)
	require.Equal(t, 2, tasks[0].Attempts)
}

func TestAttemptsExhaustedFailsProject(t *testing.T) {
	broken := &stubHandler{kind: model.TaskSearch, fn: func(handler.Invocation) handler.Result {
		return handler.Failed(model.FailUpstreamUnavailable, "provider down", decimal.Zero)
	}}
	e, s, c := newHarness(t, Config{RetryBaseBackoff: time.Minute}, handler.NewRegistry(broken))
	goal, project := seedResearchProject(t, s, c, e.audit, 2.50)
	ctx := context.Background()

	// Default max attempts is 3: two requeues, then terminal failure.
	for i := 0; i < 3; i++ {
		n, err := e.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		c.Advance(time.Hour)
	}

	tasks, err := s.ListProjectTasks(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, tasks[0].Status)
	require.Equal(t, 3, tasks[0].Attempts)

	// Blocked children are skipped and the project rolls up failed.
	for _, task := range tasks[1:] {
		require.Equal(t, model.TaskSkipped, task.Status)
	}
	p, err := s.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, model.ProjectFailed, p.Status)

	g, err := s.GetGoal(ctx, goal.ID)
	require.NoError(t, err)
	require.Equal(t, model.GoalApproved, g.Status, "failed execution never completes the goal")
}

func TestPolicyDeniedIsNotRetried(t *testing.T) {
	denied := &stubHandler{kind: model.TaskSearch, fn: func(handler.Invocation) handler.Result {
		return handler.Failed(model.FailPolicyDenied, "blocked by policy", decimal.Zero)
	}}
	e, s, c := newHarness(t, Config{}, handler.NewRegistry(denied))
	_, project := seedResearchProject(t, s, c, e.audit, 2.50)
	ctx := context.Background()

	n, err := e.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tasks, err := s.ListProjectTasks(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, tasks[0].Status)
	require.Equal(t, 1, tasks[0].Attempts)
}

func TestBudgetExhaustedPreCheck(t *testing.T) {
	ran := false
	h := &stubHandler{kind: model.TaskSynthesize, fn: func(handler.Invocation) handler.Result {
		ran = true
		return handler.Completed(nil, decimal.Zero)
	}}
	e, s, c := newHarness(t, Config{}, handler.NewRegistry(h))
	_, project := seedResearchProject(t, s, c, e.audit, 2.50)
	ctx := context.Background()

	// The first task burns the whole allocation; the chain then stops.
	claimed, err := s.ClaimReadyTasks(ctx, 1, c.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = s.ResolveTask(ctx, store.TaskResolution{
		TaskID: claimed[0].ID, Status: model.TaskCompleted,
		CostUSD: decimal.NewFromFloat(2.50), FinishedAt: c.Now(),
	})
	require.NoError(t, err)

	n, err := e.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, ran, "handler must not run once the budget is gone")

	tasks, err := s.ListProjectTasks(ctx, project.ID)
	require.NoError(t, err)
	synthesize := tasks[1]
	require.Equal(t, model.TaskFailed, synthesize.Status)
	require.Equal(t, model.FailPolicyDenied, synthesize.Error.Code)
}

func TestUnknownKindFails(t *testing.T) {
	e, s, c := newHarness(t, Config{}, handler.NewRegistry())
	_, project := seedResearchProject(t, s, c, e.audit, 2.50)
	ctx := context.Background()

	n, err := e.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tasks, err := s.ListProjectTasks(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, tasks[0].Status)
	require.Equal(t, model.FailInvalidInput, tasks[0].Error.Code)
}

func TestBackoffBounds(t *testing.T) {
	e, _, _ := newHarness(t, Config{RetryBaseBackoff: 30 * time.Second, RetryMaxBackoff: 10 * time.Minute}, handler.NewRegistry())
	for attempts := 1; attempts <= 10; attempts++ {
		for i := 0; i < 20; i++ {
			d := e.backoff(attempts)
			require.GreaterOrEqual(t, d, 30*time.Second)
			require.LessOrEqual(t, d, 10*time.Minute)
		}
	}
}
