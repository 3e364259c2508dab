// Package approval implements the human decision point between identified
// goals and project generation. Every goal passes through the gate; nothing
// downstream runs on a goal that was not explicitly approved, except under
// the narrow auto-approve policy for aged research goals.
package approval

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/openfab/autopilot/runtime/ops/audit"
	"github.com/openfab/autopilot/runtime/ops/clock"
	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/store"
)

type (
	// BaselineRecorder snapshots pre-execution metrics when a goal is
	// approved, so outcome measurement has something to compare against.
	BaselineRecorder interface {
		CaptureBaseline(ctx context.Context, g model.Goal) error
	}

	// Policy configures automatic approval. Disabled unless Age is positive.
	// Automatic approval only ever applies to research goals.
	Policy struct {
		AutoApproveAge time.Duration
	}

	// Store is the persistence the gate needs: the goal lifecycle plus the
	// task-level sign-off stamp for print jobs.
	Store interface {
		store.GoalStore
		GrantTaskApproval(ctx context.Context, taskID, actor string) (model.Task, error)
	}

	// Gate serialises approve/reject decisions through the goal state
	// machine.
	Gate struct {
		goals    Store
		clock    clock.Clock
		audit    *audit.Log
		baseline BaselineRecorder
		policy   Policy
	}
)

// SystemActor is recorded on decisions the gate makes itself.
const SystemActor = "system"

// New constructs a Gate. baseline may be nil.
func New(goals Store, c clock.Clock, auditLog *audit.Log, baseline BaselineRecorder, policy Policy) *Gate {
	return &Gate{goals: goals, clock: c, audit: auditLog, baseline: baseline, policy: policy}
}

// List returns goals matching the filter, best-scored first.
func (g *Gate) List(ctx context.Context, status model.GoalStatus, kind model.GoalKind, limit int) ([]model.Goal, error) {
	return g.goals.ListGoals(ctx, store.GoalFilter{Status: status, Kind: kind, Limit: limit})
}

// Get returns one goal.
func (g *Gate) Get(ctx context.Context, id string) (model.Goal, error) {
	return g.goals.GetGoal(ctx, id)
}

// Approve moves an identified goal to approved and captures its outcome
// baseline. Approving an already-approved goal is a no-op returning the
// stored record; any other status fails with ErrInvalidState.
func (g *Gate) Approve(ctx context.Context, id, actor, notes string) (model.Goal, error) {
	if actor == "" {
		return model.Goal{}, model.InvalidInputf("approve: actor required")
	}
	current, err := g.goals.GetGoal(ctx, id)
	if err != nil {
		return model.Goal{}, err
	}
	if current.Status == model.GoalApproved {
		return current, nil
	}

	now := g.clock.Now()
	goal, err := g.goals.TransitionGoal(ctx, id, model.GoalIdentified, model.GoalApproved, func(m *model.Goal) {
		m.ApprovedAt = &now
		m.ApprovedBy = actor
		m.ApprovalNotes = notes
	})
	if err != nil {
		return model.Goal{}, fmt.Errorf("approve goal %s: %w", id, err)
	}

	g.audit.Emit(ctx, actor, "goal.approved", goal.ID, map[string]any{
		"kind":  string(goal.Kind),
		"notes": notes,
	})
	if g.baseline != nil {
		// Baseline capture is best-effort: a failed snapshot degrades the
		// eventual outcome measurement, it does not block the approval.
		if err := g.baseline.CaptureBaseline(ctx, goal); err != nil {
			log.Errorf(ctx, err, "baseline capture for goal %s", goal.ID)
		}
	}
	return goal, nil
}

// Reject moves an identified goal to rejected. Rejecting an already-rejected
// goal is a no-op; any other status fails with ErrInvalidState.
func (g *Gate) Reject(ctx context.Context, id, actor, notes string) (model.Goal, error) {
	if actor == "" {
		return model.Goal{}, model.InvalidInputf("reject: actor required")
	}
	current, err := g.goals.GetGoal(ctx, id)
	if err != nil {
		return model.Goal{}, err
	}
	if current.Status == model.GoalRejected {
		return current, nil
	}

	goal, err := g.goals.TransitionGoal(ctx, id, model.GoalIdentified, model.GoalRejected, func(m *model.Goal) {
		m.ApprovedBy = actor
		m.ApprovalNotes = notes
	})
	if err != nil {
		return model.Goal{}, fmt.Errorf("reject goal %s: %w", id, err)
	}
	g.audit.Emit(ctx, actor, "goal.rejected", goal.ID, map[string]any{
		"kind":  string(goal.Kind),
		"notes": notes,
	})
	return goal, nil
}

// ApprovePrint records a human sign-off on a task that refuses to run
// without one, such as queueing a print job. The grant is only valid while
// the task is still pending; by the time the task is claimed its handler
// reads the stamped metadata.
func (g *Gate) ApprovePrint(ctx context.Context, taskID, actor string) (model.Task, error) {
	if actor == "" {
		return model.Task{}, model.InvalidInputf("approve print: actor required")
	}
	t, err := g.goals.GrantTaskApproval(ctx, taskID, actor)
	if err != nil {
		return model.Task{}, fmt.Errorf("approve print task %s: %w", taskID, err)
	}
	g.audit.Emit(ctx, actor, "task.print_approved", t.ID, map[string]any{
		"kind":       string(t.Kind),
		"project_id": t.ProjectID,
	})
	return t, nil
}

// AutoApproveSweep approves research goals that have sat unreviewed longer
// than the configured age. Returns the number approved. Fabrication and
// procurement goals are never auto-approved regardless of configuration, and
// neither is anything else outside the research kind.
func (g *Gate) AutoApproveSweep(ctx context.Context) (int, error) {
	if g.policy.AutoApproveAge <= 0 {
		return 0, nil
	}
	cutoff := g.clock.Now().Add(-g.policy.AutoApproveAge)
	goals, err := g.goals.ListGoals(ctx, store.GoalFilter{
		Status: model.GoalIdentified,
		Kind:   model.GoalResearch,
	})
	if err != nil {
		return 0, fmt.Errorf("auto-approve sweep: %w", err)
	}

	approved := 0
	for _, goal := range goals {
		if goal.IdentifiedAt.After(cutoff) {
			continue
		}
		notes := fmt.Sprintf("auto-approved after %s unreviewed", g.policy.AutoApproveAge)
		if _, err := g.Approve(ctx, goal.ID, SystemActor, notes); err != nil {
			log.Errorf(ctx, err, "auto-approve goal %s", goal.ID)
			continue
		}
		approved++
	}
	return approved, nil
}
