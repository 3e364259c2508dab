package handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/openfab/autopilot/runtime/ops/capability"
	"github.com/openfab/autopilot/runtime/ops/capability/captest"
	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/pool"
)

func task(kind model.TaskKind, md map[string]any) model.Task {
	return model.Task{ID: "task-1", ProjectID: "project-1", Kind: kind, Metadata: md}
}

func TestSearchHandler(t *testing.T) {
	provider := &captest.SearchStub{
		Hits: []capability.SearchHit{{Title: "Nylon guide", URL: "https://example.org/nylon"}},
		Cost: decimal.NewFromFloat(0.05),
	}
	h := &Search{Provider: provider}

	res := h.Run(context.Background(), Invocation{
		Task: task(model.TaskSearch, map[string]any{"query": "nylon 3d printing"}),
	})
	require.Equal(t, model.TaskCompleted, res.Status)
	require.True(t, res.CostUSD.Equal(decimal.NewFromFloat(0.05)))
	hits := res.Result["hits"].([]map[string]any)
	require.Len(t, hits, 1)
	require.Equal(t, "Nylon guide", hits[0]["title"])
	require.Equal(t, []string{"nylon 3d printing"}, provider.Queries)
}

func TestSearchHandlerMissingQuery(t *testing.T) {
	h := &Search{Provider: &captest.SearchStub{}}
	res := h.Run(context.Background(), Invocation{Task: task(model.TaskSearch, nil)})
	require.Equal(t, model.TaskFailed, res.Status)
	require.Equal(t, model.FailInvalidInput, res.Err.Code)
	require.False(t, res.Err.Retryable)
}

func TestSearchHandlerThroughOpenBreaker(t *testing.T) {
	p := pool.New("search", pool.Config{FailureThreshold: 1})
	require.Error(t, p.Execute(context.Background(), func(context.Context) error {
		return errors.New("upstream down")
	}))

	h := &Search{Provider: &captest.SearchStub{}, Pool: p}
	res := h.Run(context.Background(), Invocation{
		Task: task(model.TaskSearch, map[string]any{"query": "anything"}),
	})
	require.Equal(t, model.TaskFailed, res.Status)
	require.Equal(t, model.FailUpstreamUnavailable, res.Err.Code)
	require.True(t, res.Err.Retryable)
}

func TestSynthesizeHandlerUsesParentHits(t *testing.T) {
	llm := &captest.SynthesizerStub{Text: "Nylon needs drying.", Cost: decimal.NewFromFloat(0.12)}
	h := &Synthesize{LLM: llm}

	res := h.Run(context.Background(), Invocation{
		Task: task(model.TaskSynthesize, map[string]any{"topic": "nylon printing"}),
		ParentResult: map[string]any{
			"hits": []map[string]any{{"title": "Nylon guide", "url": "https://example.org/nylon"}},
		},
	})
	require.Equal(t, model.TaskCompleted, res.Status)
	require.Equal(t, "Nylon needs drying.", res.Result["text"])
	require.Len(t, llm.Prompts, 1)
	require.Contains(t, llm.Prompts[0], "nylon printing")
	require.Contains(t, llm.Prompts[0], "https://example.org/nylon")
}

func TestKBWriteHandler(t *testing.T) {
	kb := captest.NewKnowledgeStub()
	h := &KBWrite{Knowledge: kb}

	res := h.Run(context.Background(), Invocation{
		Task:         task(model.TaskKBWrite, map[string]any{"category": "materials", "slug": "nylon"}),
		ParentResult: map[string]any{"text": "Nylon needs drying.", "topic": "nylon"},
	})
	require.Equal(t, model.TaskCompleted, res.Status)
	require.Equal(t, "materials/nylon", res.Result["path"])
	require.Equal(t, "Nylon needs drying.", kb.Entries["materials/nylon"])
}

func TestKBWriteHandlerWithoutText(t *testing.T) {
	h := &KBWrite{Knowledge: captest.NewKnowledgeStub()}
	res := h.Run(context.Background(), Invocation{
		Task: task(model.TaskKBWrite, map[string]any{"category": "materials", "slug": "nylon"}),
	})
	require.Equal(t, model.TaskFailed, res.Status)
	require.Equal(t, model.FailInvalidInput, res.Err.Code)
}

func TestCommitHandler(t *testing.T) {
	vcs := &captest.VCSStub{}
	h := &Commit{VCS: vcs}

	res := h.Run(context.Background(), Invocation{
		Task:         task(model.TaskCommit, map[string]any{"message": "kb: add nylon"}),
		ParentResult: map[string]any{"path": "materials/nylon"},
	})
	require.Equal(t, model.TaskCompleted, res.Status)
	require.Equal(t, "commit-1", res.Result["commit_id"])
	require.Equal(t, []string{"kb: add nylon"}, vcs.Commits)
}

func TestResearchHandlerSumsCosts(t *testing.T) {
	h := &Research{
		Provider: &captest.SearchStub{
			Hits: []capability.SearchHit{{Title: "Fixing first layer"}},
			Cost: decimal.NewFromFloat(0.05),
		},
		LLM: &captest.SynthesizerStub{Text: "Level the bed.", Cost: decimal.NewFromFloat(0.10)},
	}
	res := h.Run(context.Background(), Invocation{
		Task: task(model.TaskResearch, map[string]any{"query": "first layer failures"}),
	})
	require.Equal(t, model.TaskCompleted, res.Status)
	require.True(t, res.CostUSD.Equal(decimal.NewFromFloat(0.15)), res.CostUSD.String())
	require.Equal(t, "Level the bed.", res.Result["text"])
}

func TestProcurementChain(t *testing.T) {
	quote := &Quote{Provider: &captest.SearchStub{
		Hits: []capability.SearchHit{{Title: "Supplier A", URL: "https://a.example"}},
		Cost: decimal.NewFromFloat(0.02),
	}}
	quoteRes := quote.Run(context.Background(), Invocation{
		Task: task(model.TaskQuote, map[string]any{"item": "PTFE tube"}),
	})
	require.Equal(t, model.TaskCompleted, quoteRes.Status)

	decideRes := Decide{}.Run(context.Background(), Invocation{
		Task:         task(model.TaskDecide, nil),
		ParentResult: quoteRes.Result,
	})
	require.Equal(t, model.TaskCompleted, decideRes.Status)
	require.Equal(t, "PTFE tube", decideRes.Result["item"])

	supplier := &captest.ProcurementStub{Cost: decimal.NewFromFloat(4.50)}
	order := &Order{Supplier: supplier}
	orderRes := order.Run(context.Background(), Invocation{
		Task:         task(model.TaskOrder, nil),
		ParentResult: decideRes.Result,
		BudgetUSD:    decimal.NewFromFloat(5),
	})
	require.Equal(t, model.TaskCompleted, orderRes.Status)
	require.True(t, orderRes.CostUSD.Equal(decimal.NewFromFloat(4.50)))
	require.Equal(t, []string{"PTFE tube"}, supplier.Orders)
}

// jsonRoundTrip replays what the database does to a stored task result:
// marshal on write, unmarshal into map[string]any on read. Nested lists come
// back as []any, not their original concrete type.
func jsonRoundTrip(t *testing.T, m map[string]any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestDecideWithStoredParentResult(t *testing.T) {
	quote := &Quote{Provider: &captest.SearchStub{
		Hits: []capability.SearchHit{{Title: "Supplier A", URL: "https://a.example"}},
		Cost: decimal.NewFromFloat(0.02),
	}}
	quoteRes := quote.Run(context.Background(), Invocation{
		Task: task(model.TaskQuote, map[string]any{"item": "PTFE tube"}),
	})
	require.Equal(t, model.TaskCompleted, quoteRes.Status)

	res := Decide{}.Run(context.Background(), Invocation{
		Task:         task(model.TaskDecide, nil),
		ParentResult: jsonRoundTrip(t, quoteRes.Result),
	})
	require.Equal(t, model.TaskCompleted, res.Status)
	require.Equal(t, "PTFE tube", res.Result["item"])
	choice := res.Result["choice"].(map[string]any)
	require.Equal(t, "Supplier A", choice["title"])
}

func TestSynthesizeWithStoredParentHits(t *testing.T) {
	llm := &captest.SynthesizerStub{Text: "Nylon needs drying."}
	h := &Synthesize{LLM: llm}

	res := h.Run(context.Background(), Invocation{
		Task: task(model.TaskSynthesize, map[string]any{"topic": "nylon printing"}),
		ParentResult: jsonRoundTrip(t, map[string]any{
			"hits": []map[string]any{{"title": "Nylon guide", "url": "https://example.org/nylon"}},
		}),
	})
	require.Equal(t, model.TaskCompleted, res.Status)
	require.Len(t, llm.Prompts, 1)
	require.Contains(t, llm.Prompts[0], "https://example.org/nylon")
}

func TestOrderOverBudgetFails(t *testing.T) {
	supplier := &captest.ProcurementStub{Cost: decimal.NewFromFloat(9)}
	h := &Order{Supplier: supplier}
	res := h.Run(context.Background(), Invocation{
		Task:         task(model.TaskOrder, nil),
		ParentResult: map[string]any{"item": "PTFE tube"},
		BudgetUSD:    decimal.NewFromFloat(5),
	})
	require.Equal(t, model.TaskFailed, res.Status)
	require.Empty(t, supplier.Orders)
}

func TestQueuePrintRequiresHumanApproval(t *testing.T) {
	queue := &captest.PrintQueueStub{}
	h := &QueuePrint{Queue: queue}

	res := h.Run(context.Background(), Invocation{
		Task:         task(model.TaskQueuePrint, map[string]any{"requires_human_approval": true}),
		ParentResult: map[string]any{"model_ref": "bracket", "approved": true},
	})
	require.Equal(t, model.TaskFailed, res.Status)
	require.Equal(t, model.FailPolicyDenied, res.Err.Code)
	require.False(t, res.Err.Retryable)
	require.Empty(t, queue.Jobs)

	res = h.Run(context.Background(), Invocation{
		Task: task(model.TaskQueuePrint, map[string]any{
			"requires_human_approval": true,
			"human_approved":          true,
		}),
		ParentResult: map[string]any{"model_ref": "bracket", "approved": true},
	})
	require.Equal(t, model.TaskCompleted, res.Status)
	require.Equal(t, "print-1", res.Result["job_id"])
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry(&Search{Provider: &captest.SearchStub{}}, Decide{})

	h, ok := r.Lookup(model.TaskSearch)
	require.True(t, ok)
	require.Equal(t, model.TaskSearch, h.Kind())

	_, ok = r.Lookup(model.TaskCAD)
	require.False(t, ok)

	require.Panics(t, func() {
		NewRegistry(Decide{}, Decide{})
	})
}

func TestSlugify(t *testing.T) {
	require.Equal(t, "first-layer", slugify("First Layer"))
	require.Equal(t, "ptfe-tube-2mm", slugify("  PTFE tube (2mm) "))
	require.Equal(t, "abc", slugify("abc"))
}
