package approval

import (
	"context"
	"errors"
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

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type baselineSpy struct {
	captured []string
	err      error
}

func (b *baselineSpy) CaptureBaseline(_ context.Context, g model.Goal) error {
	if b.err != nil {
		return b.err
	}
	b.captured = append(b.captured, g.ID)
	return nil
}

func newGate(t *testing.T, policy Policy, baseline BaselineRecorder) (*Gate, *inmem.Store, *clock.Manual) {
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
	return New(s, c, auditLog, baseline, policy), s, c
}

func seedGoal(t *testing.T, s *inmem.Store, kind model.GoalKind, identifiedAt time.Time) model.Goal {
	t.Helper()
	g := model.Goal{
		ID:                 uuid.NewString(),
		Kind:               kind,
		Description:        "test goal",
		EstimatedBudgetUSD: decimal.NewFromFloat(2.50),
		Status:             model.GoalIdentified,
		ImpactScore:        63,
		SourceTag:          "knowledge_gap",
		IdentifiedAt:       identifiedAt,
	}
	require.NoError(t, s.CreateGoal(context.Background(), g))
	return g
}

func TestApprove(t *testing.T) {
	baseline := &baselineSpy{}
	gate, s, _ := newGate(t, Policy{}, baseline)
	g := seedGoal(t, s, model.GoalResearch, t0.Add(-time.Hour))

	approved, err := gate.Approve(context.Background(), g.ID, "operator", "looks worthwhile")
	require.NoError(t, err)
	require.Equal(t, model.GoalApproved, approved.Status)
	require.Equal(t, "operator", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)
	require.Equal(t, t0, approved.ApprovedAt.UTC())
	require.Equal(t, []string{g.ID}, baseline.captured)
}

func TestApproveIdempotent(t *testing.T) {
	baseline := &baselineSpy{}
	gate, s, _ := newGate(t, Policy{}, baseline)
	g := seedGoal(t, s, model.GoalResearch, t0.Add(-time.Hour))

	first, err := gate.Approve(context.Background(), g.ID, "operator", "")
	require.NoError(t, err)
	second, err := gate.Approve(context.Background(), g.ID, "someone-else", "")
	require.NoError(t, err)
	require.Equal(t, first.ApprovedBy, second.ApprovedBy)
	require.Len(t, baseline.captured, 1, "baseline captured once")
}

func TestApproveRejectedGoalFails(t *testing.T) {
	gate, s, _ := newGate(t, Policy{}, nil)
	g := seedGoal(t, s, model.GoalResearch, t0.Add(-time.Hour))

	_, err := gate.Reject(context.Background(), g.ID, "operator", "not now")
	require.NoError(t, err)
	_, err = gate.Approve(context.Background(), g.ID, "operator", "")
	require.ErrorIs(t, err, model.ErrInvalidState)
}

func TestRejectApprovedGoalFails(t *testing.T) {
	gate, s, _ := newGate(t, Policy{}, nil)
	g := seedGoal(t, s, model.GoalResearch, t0.Add(-time.Hour))

	_, err := gate.Approve(context.Background(), g.ID, "operator", "")
	require.NoError(t, err)
	_, err = gate.Reject(context.Background(), g.ID, "operator", "changed my mind")
	require.ErrorIs(t, err, model.ErrInvalidState)
}

func TestApproveUnknownGoal(t *testing.T) {
	gate, _, _ := newGate(t, Policy{}, nil)
	_, err := gate.Approve(context.Background(), uuid.NewString(), "operator", "")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestApproveRequiresActor(t *testing.T) {
	gate, s, _ := newGate(t, Policy{}, nil)
	g := seedGoal(t, s, model.GoalResearch, t0.Add(-time.Hour))
	_, err := gate.Approve(context.Background(), g.ID, "", "")
	require.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestBaselineFailureDoesNotBlockApproval(t *testing.T) {
	gate, s, _ := newGate(t, Policy{}, &baselineSpy{err: errors.New("metrics offline")})
	g := seedGoal(t, s, model.GoalResearch, t0.Add(-time.Hour))

	approved, err := gate.Approve(context.Background(), g.ID, "operator", "")
	require.NoError(t, err)
	require.Equal(t, model.GoalApproved, approved.Status)
}

func seedPrintTask(t *testing.T, gate *Gate, s *inmem.Store) model.Task {
	t.Helper()
	g := seedGoal(t, s, model.GoalFabrication, t0.Add(-time.Hour))
	_, err := gate.Approve(context.Background(), g.ID, "operator", "")
	require.NoError(t, err)
	task := model.Task{
		ID:          uuid.NewString(),
		Kind:        model.TaskQueuePrint,
		Title:       "Queue print job",
		Priority:    model.PriorityMedium,
		Status:      model.TaskPending,
		MaxAttempts: 3,
		Metadata:    map[string]any{"requires_human_approval": true},
		CreatedAt:   t0,
	}
	p := model.Project{
		ID:        uuid.NewString(),
		GoalID:    g.ID,
		Title:     "print bracket",
		Status:    model.ProjectProposed,
		CreatedAt: t0,
	}
	task.ProjectID = p.ID
	require.NoError(t, s.CreateProjectWithTasks(context.Background(), p, []model.Task{task}))
	return task
}

func TestApprovePrint(t *testing.T) {
	gate, s, _ := newGate(t, Policy{}, nil)
	task := seedPrintTask(t, gate, s)

	granted, err := gate.ApprovePrint(context.Background(), task.ID, "operator")
	require.NoError(t, err)
	require.Equal(t, true, granted.Metadata["human_approved"])
	require.Equal(t, "operator", granted.Metadata["approved_by"])

	// Granting again is a no-op, not an error.
	again, err := gate.ApprovePrint(context.Background(), task.ID, "someone-else")
	require.NoError(t, err)
	require.Equal(t, true, again.Metadata["human_approved"])
}

func TestApprovePrintRequiresActor(t *testing.T) {
	gate, s, _ := newGate(t, Policy{}, nil)
	task := seedPrintTask(t, gate, s)
	_, err := gate.ApprovePrint(context.Background(), task.ID, "")
	require.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestApprovePrintOnTaskWithoutRequirement(t *testing.T) {
	gate, s, _ := newGate(t, Policy{}, nil)
	g := seedGoal(t, s, model.GoalResearch, t0.Add(-time.Hour))
	_, err := gate.Approve(context.Background(), g.ID, "operator", "")
	require.NoError(t, err)
	plain := model.Task{
		ID:          uuid.NewString(),
		Kind:        model.TaskSearch,
		Title:       "search the literature",
		Priority:    model.PriorityMedium,
		Status:      model.TaskPending,
		MaxAttempts: 3,
		CreatedAt:   t0,
	}
	require.NoError(t, s.CreateProjectWithTasks(context.Background(), model.Project{
		ID:        uuid.NewString(),
		GoalID:    g.ID,
		Title:     "research",
		Status:    model.ProjectProposed,
		CreatedAt: t0,
	}, []model.Task{plain}))

	_, err = gate.ApprovePrint(context.Background(), plain.ID, "operator")
	require.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = gate.ApprovePrint(context.Background(), uuid.NewString(), "operator")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestApprovePrintAfterClaimFails(t *testing.T) {
	gate, s, _ := newGate(t, Policy{}, nil)
	task := seedPrintTask(t, gate, s)

	claimed, err := s.ClaimReadyTasks(context.Background(), 1, t0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, task.ID, claimed[0].ID)

	_, err = gate.ApprovePrint(context.Background(), task.ID, "operator")
	require.ErrorIs(t, err, model.ErrInvalidState)
}

func TestAutoApproveSweepOffByDefault(t *testing.T) {
	gate, s, _ := newGate(t, Policy{}, nil)
	seedGoal(t, s, model.GoalResearch, t0.Add(-30*24*time.Hour))

	n, err := gate.AutoApproveSweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAutoApproveSweep(t *testing.T) {
	gate, s, _ := newGate(t, Policy{AutoApproveAge: 72 * time.Hour}, nil)

	old := seedGoal(t, s, model.GoalResearch, t0.Add(-96*time.Hour))
	young := seedGoal(t, s, model.GoalResearch, t0.Add(-time.Hour))
	// Old but not research: never auto-approved.
	fab := seedGoal(t, s, model.GoalFabrication, t0.Add(-96*time.Hour))
	proc := seedGoal(t, s, model.GoalProcurement, t0.Add(-96*time.Hour))

	n, err := gate.AutoApproveSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	g, err := gate.Get(context.Background(), old.ID)
	require.NoError(t, err)
	require.Equal(t, model.GoalApproved, g.Status)
	require.Equal(t, SystemActor, g.ApprovedBy)

	for _, id := range []string{young.ID, fab.ID, proc.ID} {
		g, err := gate.Get(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, model.GoalIdentified, g.Status)
	}
}
