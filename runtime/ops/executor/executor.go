// Package executor drains ready tasks through their handlers. Claiming is the
// only path into in_progress; resolution and rollup happen in one store
// transaction. Concurrency is bounded twice: a global semaphore caps total
// in-flight tasks, a per-kind semaphore caps parallelism against any one
// upstream. Retryable failures go back to pending with exponential backoff
// until the attempt budget runs out.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
	"golang.org/x/sync/semaphore"

	"github.com/openfab/autopilot/runtime/ops/audit"
	"github.com/openfab/autopilot/runtime/ops/clock"
	"github.com/openfab/autopilot/runtime/ops/handler"
	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/store"
	"github.com/openfab/autopilot/telemetry"
)

type (
	// Config tunes one executor.
	Config struct {
		// ClaimLimit caps tasks claimed per tick; defaults to 8.
		ClaimLimit int
		// GlobalParallel caps in-flight tasks across kinds; defaults to 4.
		GlobalParallel int64
		// KindParallel caps in-flight tasks per kind; unlisted kinds use
		// DefaultKindParallel (default 2).
		KindParallel        map[model.TaskKind]int64
		DefaultKindParallel int64
		// TaskTimeout bounds one handler invocation; defaults to 2m.
		TaskTimeout time.Duration
		// RetryBaseBackoff and RetryMaxBackoff bound the exponential retry
		// delay; defaults 30s and 10m.
		RetryBaseBackoff time.Duration
		RetryMaxBackoff  time.Duration
	}

	// Executor claims and runs ready tasks.
	Executor struct {
		cfg      Config
		store    store.Store
		clock    clock.Clock
		registry *handler.Registry
		audit    *audit.Log
		tracer   trace.Tracer

		global *semaphore.Weighted

		mu    sync.Mutex
		kinds map[model.TaskKind]*semaphore.Weighted
	}
)

// New constructs an Executor.
func New(cfg Config, s store.Store, c clock.Clock, registry *handler.Registry, auditLog *audit.Log) *Executor {
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 8
	}
	if cfg.GlobalParallel <= 0 {
		cfg.GlobalParallel = 4
	}
	if cfg.DefaultKindParallel <= 0 {
		cfg.DefaultKindParallel = 2
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	if cfg.RetryBaseBackoff <= 0 {
		cfg.RetryBaseBackoff = 30 * time.Second
	}
	if cfg.RetryMaxBackoff <= 0 {
		cfg.RetryMaxBackoff = 10 * time.Minute
	}
	return &Executor{
		cfg:      cfg,
		store:    s,
		clock:    c,
		registry: registry,
		audit:    auditLog,
		tracer:   otel.Tracer("autopilot/executor"),
		global:   semaphore.NewWeighted(cfg.GlobalParallel),
		kinds:    make(map[model.TaskKind]*semaphore.Weighted),
	}
}

// RunOnce claims up to ClaimLimit ready tasks, runs them to resolution, and
// returns how many were claimed. It blocks until every claimed task has been
// resolved or requeued, so a scheduler tick never leaves tasks stranded
// in_progress.
func (e *Executor) RunOnce(ctx context.Context) (int, error) {
	tasks, err := e.store.ClaimReadyTasks(ctx, e.cfg.ClaimLimit, e.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("executor: claim tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task model.Task) {
			defer wg.Done()
			e.dispatch(ctx, task)
		}(task)
	}
	wg.Wait()
	return len(tasks), nil
}

// dispatch runs one claimed task to resolution or requeue.
func (e *Executor) dispatch(ctx context.Context, task model.Task) {
	if err := e.global.Acquire(ctx, 1); err != nil {
		e.abandon(ctx, task, model.FailTimeout, "cancelled before execution")
		return
	}
	defer e.global.Release(1)
	sem := e.kindSemaphore(task.Kind)
	if err := sem.Acquire(ctx, 1); err != nil {
		e.abandon(ctx, task, model.FailTimeout, "cancelled before execution")
		return
	}
	defer sem.Release(1)

	ctx, span := e.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.kind", string(task.Kind)),
		attribute.String("project.id", task.ProjectID),
		attribute.Int("task.attempt", task.Attempts),
	))
	defer span.End()

	res := e.attempt(ctx, task)
	span.SetAttributes(attribute.String("task.status", string(res.Status)))

	now := e.clock.Now()
	if res.Status == model.TaskFailed && res.Err != nil && res.Err.Retryable && task.Attempts < task.MaxAttempts {
		backoff := e.backoff(task.Attempts)
		if _, err := e.store.RequeueTask(ctx, task.ID, *res.Err, now.Add(backoff), res.CostUSD); err != nil {
			log.Errorf(ctx, err, "requeue task %s", task.ID)
			return
		}
		telemetry.TaskOutcomes.WithLabelValues(string(task.Kind), "requeued").Inc()
		e.audit.Emit(ctx, "executor", "task.requeued", task.ID, map[string]any{
			"attempt": task.Attempts,
			"code":    string(res.Err.Code),
			"backoff": backoff.String(),
		})
		return
	}

	rollup, err := e.store.ResolveTask(ctx, store.TaskResolution{
		TaskID:     task.ID,
		Status:     res.Status,
		Result:     res.Result,
		Error:      res.Err,
		CostUSD:    res.CostUSD,
		Reason:     fmt.Sprintf("%s task", task.Kind),
		FinishedAt: now,
	})
	if err != nil {
		log.Errorf(ctx, err, "resolve task %s", task.ID)
		return
	}

	telemetry.TaskOutcomes.WithLabelValues(string(task.Kind), string(res.Status)).Inc()
	payload := map[string]any{
		"kind":     string(task.Kind),
		"status":   string(res.Status),
		"cost_usd": res.CostUSD.String(),
	}
	if res.Err != nil {
		payload["code"] = string(res.Err.Code)
		payload["error"] = res.Err.Message
	}
	e.audit.Emit(ctx, "executor", "task.resolved", task.ID, payload)

	if rollup.ProjectTerminal {
		e.audit.Emit(ctx, "executor", "project."+string(rollup.Project.Status), rollup.Project.ID, map[string]any{
			"spent_usd": rollup.Project.BudgetSpentUSD.String(),
		})
		log.Printf(ctx, "project %s %s (spent %s of %s USD)",
			rollup.Project.ID, rollup.Project.Status,
			rollup.Project.BudgetSpentUSD, rollup.Project.BudgetAllocatedUSD)
	}
	if rollup.GoalCompleted {
		e.audit.Emit(ctx, "executor", "goal.completed", rollup.Project.GoalID, nil)
	}
}

// attempt resolves the handler, checks the budget envelope, and invokes the
// handler under the task deadline.
func (e *Executor) attempt(ctx context.Context, task model.Task) handler.Result {
	h, ok := e.registry.Lookup(task.Kind)
	if !ok {
		return handler.Failed(model.FailInvalidInput, fmt.Sprintf("no handler for task kind %q", task.Kind), decimal.Zero)
	}

	project, err := e.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return handler.FailedErr(fmt.Errorf("load project: %w", err), decimal.Zero)
	}
	remaining := project.BudgetAllocatedUSD.Sub(project.BudgetSpentUSD)
	if !remaining.IsPositive() {
		return handler.Failed(model.FailPolicyDenied,
			fmt.Sprintf("project budget exhausted: spent %s of %s USD", project.BudgetSpentUSD, project.BudgetAllocatedUSD),
			decimal.Zero)
	}
	envelope := task.BudgetAllocatedUSD
	if envelope.GreaterThan(remaining) {
		envelope = remaining
	}

	var parentResult map[string]any
	if task.DependsOn != nil {
		parent, err := e.store.GetTask(ctx, *task.DependsOn)
		if err != nil {
			return handler.FailedErr(fmt.Errorf("load parent task: %w", err), decimal.Zero)
		}
		parentResult = parent.Result
	}

	hctx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()
	res := h.Run(hctx, handler.Invocation{
		Task:         task,
		ParentResult: parentResult,
		BudgetUSD:    envelope,
	})

	// A handler that blew its deadline without self-classifying is treated
	// as a retryable timeout.
	if res.Status == model.TaskFailed && res.Err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) && res.Err.Code != model.FailTimeout {
		res.Err = &model.TaskError{Code: model.FailTimeout, Message: res.Err.Message, Retryable: true}
	}
	return res
}

// abandon resolves a task the executor could not run at all.
func (e *Executor) abandon(ctx context.Context, task model.Task, code model.FailureCode, msg string) {
	taskErr := model.TaskError{Code: code, Message: msg, Retryable: true}
	if task.Attempts < task.MaxAttempts {
		if _, err := e.store.RequeueTask(context.WithoutCancel(ctx), task.ID, taskErr, e.clock.Now(), decimal.Zero); err != nil {
			log.Errorf(ctx, err, "abandon task %s", task.ID)
		}
		return
	}
	_, err := e.store.ResolveTask(context.WithoutCancel(ctx), store.TaskResolution{
		TaskID:     task.ID,
		Status:     model.TaskFailed,
		Error:      &taskErr,
		FinishedAt: e.clock.Now(),
	})
	if err != nil {
		log.Errorf(ctx, err, "abandon task %s", task.ID)
	}
}

// backoff computes the delay before retry attempt n+1: base doubled per prior
// attempt with up to 25% jitter, capped at the configured maximum.
func (e *Executor) backoff(attempts int) time.Duration {
	d := e.cfg.RetryBaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= e.cfg.RetryMaxBackoff {
			d = e.cfg.RetryMaxBackoff
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	if d+jitter > e.cfg.RetryMaxBackoff {
		return e.cfg.RetryMaxBackoff
	}
	return d + jitter
}

func (e *Executor) kindSemaphore(kind model.TaskKind) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.kinds[kind]
	if !ok {
		permits := e.cfg.DefaultKindParallel
		if p, ok := e.cfg.KindParallel[kind]; ok && p > 0 {
			permits = p
		}
		sem = semaphore.NewWeighted(permits)
		e.kinds[kind] = sem
	}
	return sem
}
