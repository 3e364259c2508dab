// Package handler adapts task kinds to external capabilities. Handlers are
// pure adapters: they never touch the store, they honour the cancellation
// context, and they report what the attempt cost so the executor can charge
// the ledger. Failure classification follows the shared taxonomy; upstream
// unavailability, rate limiting, and timeouts are retryable.
package handler

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/openfab/autopilot/runtime/ops/model"
)

type (
	// Invocation is one handler attempt. ParentResult carries the completed
	// parent task's result so chain data flows without store access.
	Invocation struct {
		Task         model.Task
		ParentResult map[string]any
		BudgetUSD    decimal.Decimal
	}

	// Result is the outcome of one attempt. Status is completed or failed;
	// CostUSD is charged to the ledger either way.
	Result struct {
		Status  model.TaskStatus
		Result  map[string]any
		Err     *model.TaskError
		CostUSD decimal.Decimal
	}

	// Handler executes one task kind.
	Handler interface {
		Kind() model.TaskKind
		Run(ctx context.Context, inv Invocation) Result
	}

	// Registry dispatches tasks to handlers by kind.
	Registry struct {
		byKind map[model.TaskKind]Handler
	}
)

// NewRegistry builds a registry. Registering two handlers for one kind is a
// programming error and panics at startup.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{byKind: make(map[model.TaskKind]Handler, len(handlers))}
	for _, h := range handlers {
		if _, ok := r.byKind[h.Kind()]; ok {
			panic("duplicate handler for task kind " + string(h.Kind()))
		}
		r.byKind[h.Kind()] = h
	}
	return r
}

// Lookup returns the handler for a kind.
func (r *Registry) Lookup(kind model.TaskKind) (Handler, bool) {
	h, ok := r.byKind[kind]
	return h, ok
}

// Kinds returns the registered kinds, for startup logging.
func (r *Registry) Kinds() []model.TaskKind {
	out := make([]model.TaskKind, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	return out
}

// Completed builds a success result.
func Completed(result map[string]any, cost decimal.Decimal) Result {
	return Result{Status: model.TaskCompleted, Result: result, CostUSD: cost}
}

// Failed builds a failure result with the default retryability for the code.
func Failed(code model.FailureCode, msg string, cost decimal.Decimal) Result {
	return Result{
		Status:  model.TaskFailed,
		Err:     &model.TaskError{Code: code, Message: msg, Retryable: model.RetryableFailure(code)},
		CostUSD: cost,
	}
}

// FailedErr classifies an error through the shared taxonomy.
func FailedErr(err error, cost decimal.Decimal) Result {
	return Failed(model.FailureCodeFor(err), err.Error(), cost)
}

// metaString reads an optional string from task metadata.
func metaString(md map[string]any, key string) string {
	v, _ := md[key].(string)
	return v
}

// parentString reads an optional string from the parent result.
func parentString(parent map[string]any, key string) string {
	v, _ := parent[key].(string)
	return v
}

// parentMaps reads a list of objects from the parent result. A result loaded
// from the database has round-tripped through JSON, so the list arrives as
// []any; a result handed over in-process keeps its concrete type. Both shapes
// decode to the same slice.
func parentMaps(parent map[string]any, key string) []map[string]any {
	switch v := parent[key].(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
