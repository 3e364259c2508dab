package planner

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/openfab/autopilot/runtime/ops/audit"
	"github.com/openfab/autopilot/runtime/ops/clock"
	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/store/inmem"
)

var t0 = time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC)

func newGenerator(t *testing.T) (*Generator, *inmem.Store) {
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
	return New(Config{}, s, c, auditLog), s
}

func approvedGoal(t *testing.T, s *inmem.Store, kind model.GoalKind, budget float64, md map[string]any) model.Goal {
	t.Helper()
	approvedAt := t0.Add(-time.Hour)
	g := model.Goal{
		ID:                 uuid.NewString(),
		Kind:               kind,
		Description:        "test goal",
		EstimatedBudgetUSD: decimal.NewFromFloat(budget),
		Status:             model.GoalIdentified,
		Metadata:           md,
		IdentifiedAt:       t0.Add(-2 * time.Hour),
	}
	require.NoError(t, s.CreateGoal(context.Background(), g))
	out, err := s.TransitionGoal(context.Background(), g.ID, model.GoalIdentified, model.GoalApproved, func(m *model.Goal) {
		m.ApprovedAt = &approvedAt
		m.ApprovedBy = "operator"
	})
	require.NoError(t, err)
	return out
}

func TestRunExpandsResearchGoal(t *testing.T) {
	gen, s := newGenerator(t)
	goal := approvedGoal(t, s, model.GoalResearch, 2.50, map[string]any{
		"category": "materials",
		"slug":     "nylon",
		"material": "nylon",
	})

	created, err := gen.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, created)

	project, err := s.GetProjectByGoal(context.Background(), goal.ID)
	require.NoError(t, err)
	require.Equal(t, model.ProjectProposed, project.Status)
	require.True(t, project.BudgetAllocatedUSD.Equal(decimal.NewFromFloat(2.50)))

	tasks, err := s.ListProjectTasks(context.Background(), project.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	kinds := make([]model.TaskKind, len(tasks))
	for i, task := range tasks {
		kinds[i] = task.Kind
	}
	require.Equal(t, []model.TaskKind{model.TaskSearch, model.TaskSynthesize, model.TaskKBWrite, model.TaskCommit}, kinds)

	// Linear chain: each task depends on the previous one.
	require.Nil(t, tasks[0].DependsOn)
	for i := 1; i < len(tasks); i++ {
		require.NotNil(t, tasks[i].DependsOn)
		require.Equal(t, tasks[i-1].ID, *tasks[i].DependsOn)
	}

	// 40/20/20/20 split of the estimated budget.
	require.True(t, tasks[0].BudgetAllocatedUSD.Equal(decimal.NewFromFloat(1.00)), tasks[0].BudgetAllocatedUSD.String())
	for _, task := range tasks[1:] {
		require.True(t, task.BudgetAllocatedUSD.Equal(decimal.NewFromFloat(0.50)), task.BudgetAllocatedUSD.String())
	}

	require.Contains(t, tasks[0].Metadata["query"], "nylon")
	require.Equal(t, "materials", tasks[2].Metadata["category"])
	require.Equal(t, "nylon", tasks[2].Metadata["slug"])
}

func TestRunIsIdempotent(t *testing.T) {
	gen, s := newGenerator(t)
	approvedGoal(t, s, model.GoalResearch, 2.50, nil)

	created, err := gen.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, created)

	created, err = gen.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, created)
}

func TestRunSkipsUnknownKind(t *testing.T) {
	gen, s := newGenerator(t)
	approvedGoal(t, s, model.GoalKind("exploration"), 2.50, nil)
	good := approvedGoal(t, s, model.GoalOptimization, 3.00, map[string]any{"frontier_share": 0.352})

	created, err := gen.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, created)

	_, err = s.GetProjectByGoal(context.Background(), good.ID)
	require.NoError(t, err)
}

func TestBudgetSplitSumsToAllocation(t *testing.T) {
	gen, s := newGenerator(t)
	// 10/3 does not divide evenly; the last task absorbs the remainder.
	goal := approvedGoal(t, s, model.GoalProcurement, 10.00, nil)

	_, err := gen.Run(context.Background())
	require.NoError(t, err)

	project, err := s.GetProjectByGoal(context.Background(), goal.ID)
	require.NoError(t, err)
	tasks, err := s.ListProjectTasks(context.Background(), project.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	sum := decimal.Zero
	for _, task := range tasks {
		sum = sum.Add(task.BudgetAllocatedUSD)
	}
	require.True(t, sum.Equal(project.BudgetAllocatedUSD), sum.String())
}

func TestFabricationQueuePrintRequiresHumanApproval(t *testing.T) {
	gen, s := newGenerator(t)
	goal := approvedGoal(t, s, model.GoalFabrication, 6.00, nil)

	_, err := gen.Run(context.Background())
	require.NoError(t, err)

	project, err := s.GetProjectByGoal(context.Background(), goal.ID)
	require.NoError(t, err)
	tasks, err := s.ListProjectTasks(context.Background(), project.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	queuePrint := tasks[len(tasks)-1]
	require.Equal(t, model.TaskQueuePrint, queuePrint.Kind)
	require.Equal(t, true, queuePrint.Metadata["requires_human_approval"])
	for _, task := range tasks[:len(tasks)-1] {
		require.NotContains(t, task.Metadata, "requires_human_approval")
	}
}
