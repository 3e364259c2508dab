// Package planner turns approved goals into durable projects with task
// chains. Each goal kind expands through a template into an ordered task
// list; the whole expansion persists in one transaction, so a crashed run
// leaves nothing half-created and the next tick retries cleanly.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"goa.design/clue/log"

	"github.com/openfab/autopilot/runtime/ops/audit"
	"github.com/openfab/autopilot/runtime/ops/clock"
	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/store"
)

type (
	// Config tunes project expansion.
	Config struct {
		// DefaultMaxAttempts bounds handler invocations per task; defaults
		// to 3.
		DefaultMaxAttempts int
	}

	// Generator projectises approved goals.
	Generator struct {
		cfg   Config
		store store.Store
		clock clock.Clock
		audit *audit.Log
	}

	// step is one template row: a task kind with its share of the project
	// budget.
	step struct {
		kind   model.TaskKind
		title  string
		weight float64
		// humanApproval marks tasks whose handler refuses to run without an
		// explicit human sign-off in the task metadata.
		humanApproval bool
	}
)

// templates maps goal kinds to their task expansion, in execution order.
// Every expansion is a linear chain.
var templates = map[model.GoalKind][]step{
	model.GoalResearch: {
		{kind: model.TaskSearch, title: "Search sources", weight: 0.40},
		{kind: model.TaskSynthesize, title: "Synthesize findings", weight: 0.20},
		{kind: model.TaskKBWrite, title: "Write knowledge entry", weight: 0.20},
		{kind: model.TaskCommit, title: "Commit knowledge entry", weight: 0.20},
	},
	model.GoalImprovement: {
		{kind: model.TaskResearch, title: "Research failure mode", weight: 0.50},
		{kind: model.TaskUpdateGuide, title: "Update operating guide", weight: 0.50},
	},
	model.GoalOptimization: {
		{kind: model.TaskAnalyze, title: "Analyze spend history", weight: 0.50},
		{kind: model.TaskDocument, title: "Document routing changes", weight: 0.50},
	},
	model.GoalProcurement: {
		{kind: model.TaskQuote, title: "Collect quotes", weight: 1.0 / 3},
		{kind: model.TaskDecide, title: "Select supplier", weight: 1.0 / 3},
		{kind: model.TaskOrder, title: "Place order", weight: 1.0 / 3},
	},
	model.GoalFabrication: {
		{kind: model.TaskCAD, title: "Prepare CAD model", weight: 1.0 / 3},
		{kind: model.TaskReviewSafety, title: "Review print safety", weight: 1.0 / 3},
		{kind: model.TaskQueuePrint, title: "Queue print job", weight: 1.0 / 3, humanApproval: true},
	},
}

// New constructs a Generator.
func New(cfg Config, s store.Store, c clock.Clock, auditLog *audit.Log) *Generator {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	return &Generator{cfg: cfg, store: s, clock: c, audit: auditLog}
}

// Run projectises every approved goal that has no project yet and returns the
// number of projects created. A goal whose kind has no template is left
// untouched and logged; it stays visible in the approval queue rather than
// silently disappearing.
func (g *Generator) Run(ctx context.Context) (int, error) {
	goals, err := g.store.ApprovedGoalsWithoutProject(ctx)
	if err != nil {
		return 0, fmt.Errorf("planner: list approved goals: %w", err)
	}

	created := 0
	for _, goal := range goals {
		project, tasks, err := g.plan(goal)
		if err != nil {
			log.Errorf(ctx, err, "plan goal %s", goal.ID)
			g.audit.Emit(ctx, "planner", "project.generation_failed", goal.ID, map[string]any{
				"error": err.Error(),
			})
			continue
		}
		if err := g.store.CreateProjectWithTasks(ctx, project, tasks); err != nil {
			// Another generator won the race for this goal.
			if errors.Is(err, model.ErrInvalidState) {
				continue
			}
			return created, fmt.Errorf("planner: create project for goal %s: %w", goal.ID, err)
		}
		created++
		g.audit.Emit(ctx, "planner", "project.created", project.ID, map[string]any{
			"goal_id":    goal.ID,
			"kind":       string(goal.Kind),
			"task_count": len(tasks),
			"budget_usd": project.BudgetAllocatedUSD.String(),
		})
		log.Printf(ctx, "created project %s (%d tasks) for goal %s", project.ID, len(tasks), goal.ID)
	}
	return created, nil
}

// plan expands one approved goal into a project and its task chain.
func (g *Generator) plan(goal model.Goal) (model.Project, []model.Task, error) {
	tmpl, ok := templates[goal.Kind]
	if !ok {
		return model.Project{}, nil, model.InvalidInputf("no project template for goal kind %q", goal.Kind)
	}

	now := g.clock.Now()
	project := model.Project{
		ID:                 uuid.NewString(),
		GoalID:             goal.ID,
		Title:              goal.Description,
		Description:        goal.Rationale,
		Status:             model.ProjectProposed,
		BudgetAllocatedUSD: goal.EstimatedBudgetUSD,
		CreatedAt:          now,
	}

	tasks := make([]model.Task, 0, len(tmpl))
	var parent *string
	remaining := goal.EstimatedBudgetUSD
	for i, st := range tmpl {
		var share decimal.Decimal
		if i == len(tmpl)-1 {
			// The last task absorbs the rounding remainder so the task
			// budgets always sum to the project allocation.
			share = remaining
		} else {
			share = goal.EstimatedBudgetUSD.Mul(decimal.NewFromFloat(st.weight)).Round(6)
			remaining = remaining.Sub(share)
		}

		task := model.Task{
			ID:                 uuid.NewString(),
			ProjectID:          project.ID,
			Kind:               st.kind,
			Title:              st.title,
			Priority:           model.PriorityMedium,
			DependsOn:          parent,
			Status:             model.TaskPending,
			BudgetAllocatedUSD: share,
			MaxAttempts:        g.cfg.DefaultMaxAttempts,
			Metadata:           taskMetadata(goal, st),
			// Stagger creation stamps so listings preserve template order.
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		}
		tasks = append(tasks, task)
		id := task.ID
		parent = &id
	}
	return project, tasks, nil
}

// taskMetadata derives handler inputs from the goal's detection metadata.
func taskMetadata(goal model.Goal, st step) map[string]any {
	md := make(map[string]any)
	if st.humanApproval {
		md["requires_human_approval"] = true
	}

	switch st.kind {
	case model.TaskSearch, model.TaskResearch:
		md["query"] = searchQuery(goal)
	case model.TaskSynthesize:
		md["topic"] = searchQuery(goal)
	case model.TaskQuote:
		md["item"] = stringOr(goal.Metadata, "item", goal.Description)
	case model.TaskCAD:
		md["spec"] = stringOr(goal.Metadata, "spec", goal.Description)
	case model.TaskKBWrite:
		md["category"] = stringOr(goal.Metadata, "category", "notes")
		md["slug"] = stringOr(goal.Metadata, "slug", goal.ID)
	case model.TaskCommit:
		md["message"] = fmt.Sprintf("kb: %s", goal.Description)
	case model.TaskUpdateGuide:
		if reason, ok := goal.Metadata["reason"]; ok {
			md["reason"] = reason
		}
	case model.TaskAnalyze:
		if share, ok := goal.Metadata["frontier_share"]; ok {
			md["frontier_share"] = share
		}
		if cost, ok := goal.Metadata["frontier_cost_usd"]; ok {
			md["frontier_cost_usd"] = cost
		}
	}
	return md
}

// searchQuery builds the query a research chain starts from.
func searchQuery(goal model.Goal) string {
	if material, ok := goal.Metadata["material"].(string); ok && material != "" {
		return fmt.Sprintf("%s 3d printing properties and settings", material)
	}
	if reason, ok := goal.Metadata["reason"].(string); ok && reason != "" {
		return fmt.Sprintf("fix recurring %s print failures", reason)
	}
	return goal.Description
}

func stringOr(md map[string]any, key, fallback string) string {
	if v, ok := md[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
