package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/openfab/autopilot/runtime/ops/capability"
	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/pool"
)

// execute routes a capability call through the pool's circuit breaker when
// one is configured. Local capabilities (filesystem knowledge base, git)
// need no pool.
func execute(ctx context.Context, p *pool.Pool, fn func(ctx context.Context) error) error {
	if p == nil {
		return fn(ctx)
	}
	return p.Execute(ctx, fn)
}

// Search runs a web search and records the hits for the chain.
type Search struct {
	Provider capability.Search
	Pool     *pool.Pool
	TopK     int
}

// Kind implements Handler.
func (h *Search) Kind() model.TaskKind { return model.TaskSearch }

// Run implements Handler.
func (h *Search) Run(ctx context.Context, inv Invocation) Result {
	query := metaString(inv.Task.Metadata, "query")
	if query == "" {
		return Failed(model.FailInvalidInput, "search task has no query", decimal.Zero)
	}
	topK := h.TopK
	if topK <= 0 {
		topK = 5
	}
	var res capability.SearchResult
	err := execute(ctx, h.Pool, func(ctx context.Context) error {
		var err error
		res, err = h.Provider.Search(ctx, query, topK)
		return err
	})
	if err != nil {
		return FailedErr(err, decimal.Zero)
	}
	return Completed(map[string]any{
		"query": query,
		"hits":  hitMaps(res.Hits),
	}, res.CostUSD)
}

// Synthesize condenses the parent search hits into prose.
type Synthesize struct {
	LLM  capability.Synthesizer
	Pool *pool.Pool
}

// Kind implements Handler.
func (h *Synthesize) Kind() model.TaskKind { return model.TaskSynthesize }

// Run implements Handler.
func (h *Synthesize) Run(ctx context.Context, inv Invocation) Result {
	topic := metaString(inv.Task.Metadata, "topic")
	if topic == "" {
		topic = parentString(inv.ParentResult, "query")
	}
	if topic == "" {
		return Failed(model.FailInvalidInput, "synthesize task has no topic", decimal.Zero)
	}
	prompt := synthesisPrompt(topic, inv.ParentResult)
	var out capability.Synthesis
	err := execute(ctx, h.Pool, func(ctx context.Context) error {
		var err error
		out, err = h.LLM.Synthesize(ctx, prompt)
		return err
	})
	if err != nil {
		return FailedErr(err, decimal.Zero)
	}
	return Completed(map[string]any{"text": out.Text, "topic": topic}, out.CostUSD)
}

// KBWrite persists the synthesized text as a knowledge entry.
type KBWrite struct {
	Knowledge capability.KnowledgeStore
}

// Kind implements Handler.
func (h *KBWrite) Kind() model.TaskKind { return model.TaskKBWrite }

// Run implements Handler.
func (h *KBWrite) Run(ctx context.Context, inv Invocation) Result {
	body := parentString(inv.ParentResult, "text")
	if body == "" {
		return Failed(model.FailInvalidInput, "kb_write task has no synthesized text", decimal.Zero)
	}
	category := metaString(inv.Task.Metadata, "category")
	slug := metaString(inv.Task.Metadata, "slug")
	if category == "" || slug == "" {
		return Failed(model.FailInvalidInput, "kb_write task has no category/slug", decimal.Zero)
	}
	frontmatter := map[string]any{
		"generated": true,
		"topic":     parentString(inv.ParentResult, "topic"),
	}
	path, err := h.Knowledge.Write(ctx, category, slug, frontmatter, body)
	if err != nil {
		return FailedErr(err, decimal.Zero)
	}
	return Completed(map[string]any{"path": path}, decimal.Zero)
}

// Commit records the written knowledge entry in version control.
type Commit struct {
	VCS capability.VCS
}

// Kind implements Handler.
func (h *Commit) Kind() model.TaskKind { return model.TaskCommit }

// Run implements Handler.
func (h *Commit) Run(ctx context.Context, inv Invocation) Result {
	path := parentString(inv.ParentResult, "path")
	if path == "" {
		return Failed(model.FailInvalidInput, "commit task has no path to commit", decimal.Zero)
	}
	message := metaString(inv.Task.Metadata, "message")
	if message == "" {
		message = fmt.Sprintf("kb: add %s", path)
	}
	commitID, err := h.VCS.Commit(ctx, []string{path}, message)
	if err != nil {
		return FailedErr(err, decimal.Zero)
	}
	return Completed(map[string]any{"commit_id": commitID, "path": path}, decimal.Zero)
}

// Research is the improvement chain's combined search-and-synthesize step.
type Research struct {
	Provider capability.Search
	LLM      capability.Synthesizer
	Pool     *pool.Pool
	TopK     int
}

// Kind implements Handler.
func (h *Research) Kind() model.TaskKind { return model.TaskResearch }

// Run implements Handler.
func (h *Research) Run(ctx context.Context, inv Invocation) Result {
	query := metaString(inv.Task.Metadata, "query")
	if query == "" {
		return Failed(model.FailInvalidInput, "research task has no query", decimal.Zero)
	}
	topK := h.TopK
	if topK <= 0 {
		topK = 5
	}
	cost := decimal.Zero
	var hits capability.SearchResult
	err := execute(ctx, h.Pool, func(ctx context.Context) error {
		var err error
		hits, err = h.Provider.Search(ctx, query, topK)
		return err
	})
	if err != nil {
		return FailedErr(err, cost)
	}
	cost = cost.Add(hits.CostUSD)

	var out capability.Synthesis
	err = execute(ctx, h.Pool, func(ctx context.Context) error {
		var err error
		out, err = h.LLM.Synthesize(ctx, synthesisPrompt(query, map[string]any{"hits": hitMaps(hits.Hits)}))
		return err
	})
	if err != nil {
		return FailedErr(err, cost)
	}
	cost = cost.Add(out.CostUSD)
	return Completed(map[string]any{"text": out.Text, "topic": query}, cost)
}

// UpdateGuide folds researched fixes into the operating guide.
type UpdateGuide struct {
	Knowledge capability.KnowledgeStore
}

// Kind implements Handler.
func (h *UpdateGuide) Kind() model.TaskKind { return model.TaskUpdateGuide }

// Run implements Handler.
func (h *UpdateGuide) Run(ctx context.Context, inv Invocation) Result {
	body := parentString(inv.ParentResult, "text")
	if body == "" {
		return Failed(model.FailInvalidInput, "update_guide task has no researched text", decimal.Zero)
	}
	reason := metaString(inv.Task.Metadata, "reason")
	if reason == "" {
		reason = "general"
	}
	path, err := h.Knowledge.Write(ctx, "guides", slugify(reason), map[string]any{"generated": true}, body)
	if err != nil {
		return FailedErr(err, decimal.Zero)
	}
	return Completed(map[string]any{"path": path}, decimal.Zero)
}

// Analyze turns routing spend numbers into a written recommendation.
type Analyze struct {
	LLM  capability.Synthesizer
	Pool *pool.Pool
}

// Kind implements Handler.
func (h *Analyze) Kind() model.TaskKind { return model.TaskAnalyze }

// Run implements Handler.
func (h *Analyze) Run(ctx context.Context, inv Invocation) Result {
	prompt := fmt.Sprintf(
		"Routing spend analysis: frontier tier share %v, frontier cost %v USD. Recommend which request classes to move to cheaper tiers.",
		inv.Task.Metadata["frontier_share"], inv.Task.Metadata["frontier_cost_usd"],
	)
	var out capability.Synthesis
	err := execute(ctx, h.Pool, func(ctx context.Context) error {
		var err error
		out, err = h.LLM.Synthesize(ctx, prompt)
		return err
	})
	if err != nil {
		return FailedErr(err, decimal.Zero)
	}
	return Completed(map[string]any{"text": out.Text}, out.CostUSD)
}

// Document persists the routing recommendation.
type Document struct {
	Knowledge capability.KnowledgeStore
}

// Kind implements Handler.
func (h *Document) Kind() model.TaskKind { return model.TaskDocument }

// Run implements Handler.
func (h *Document) Run(ctx context.Context, inv Invocation) Result {
	body := parentString(inv.ParentResult, "text")
	if body == "" {
		return Failed(model.FailInvalidInput, "document task has no analysis text", decimal.Zero)
	}
	path, err := h.Knowledge.Write(ctx, "optimizations", slugify(inv.Task.ProjectID), map[string]any{"generated": true}, body)
	if err != nil {
		return FailedErr(err, decimal.Zero)
	}
	return Completed(map[string]any{"path": path}, decimal.Zero)
}

// Quote searches for supplier quotes.
type Quote struct {
	Provider capability.Search
	Pool     *pool.Pool
}

// Kind implements Handler.
func (h *Quote) Kind() model.TaskKind { return model.TaskQuote }

// Run implements Handler.
func (h *Quote) Run(ctx context.Context, inv Invocation) Result {
	item := metaString(inv.Task.Metadata, "item")
	if item == "" {
		item = inv.Task.Title
	}
	var res capability.SearchResult
	err := execute(ctx, h.Pool, func(ctx context.Context) error {
		var err error
		res, err = h.Provider.Search(ctx, fmt.Sprintf("%s supplier price", item), 5)
		return err
	})
	if err != nil {
		return FailedErr(err, decimal.Zero)
	}
	if len(res.Hits) == 0 {
		return Failed(model.FailUpstreamUnavailable, "no quotes found for "+item, res.CostUSD)
	}
	return Completed(map[string]any{"item": item, "quotes": hitMaps(res.Hits)}, res.CostUSD)
}

// Decide picks a supplier from the collected quotes. Pure local logic.
type Decide struct{}

// Kind implements Handler.
func (Decide) Kind() model.TaskKind { return model.TaskDecide }

// Run implements Handler.
func (Decide) Run(_ context.Context, inv Invocation) Result {
	quotes := parentMaps(inv.ParentResult, "quotes")
	if len(quotes) == 0 {
		return Failed(model.FailInvalidInput, "decide task has no quotes", decimal.Zero)
	}
	item := parentString(inv.ParentResult, "item")
	return Completed(map[string]any{"item": item, "choice": quotes[0]}, decimal.Zero)
}

// Order places the selected order with the supplier, bounded by the task's
// budget envelope.
type Order struct {
	Supplier capability.Procurement
	Pool     *pool.Pool
}

// Kind implements Handler.
func (h *Order) Kind() model.TaskKind { return model.TaskOrder }

// Run implements Handler.
func (h *Order) Run(ctx context.Context, inv Invocation) Result {
	item := parentString(inv.ParentResult, "item")
	if item == "" {
		return Failed(model.FailInvalidInput, "order task has no selected item", decimal.Zero)
	}
	var order capability.Order
	err := execute(ctx, h.Pool, func(ctx context.Context) error {
		var err error
		order, err = h.Supplier.PlaceOrder(ctx, item, inv.BudgetUSD)
		return err
	})
	if err != nil {
		return FailedErr(err, decimal.Zero)
	}
	return Completed(map[string]any{"order_ref": order.Ref, "item": item}, order.CostUSD)
}

// CAD drafts the printable model description.
type CAD struct {
	LLM  capability.Synthesizer
	Pool *pool.Pool
}

// Kind implements Handler.
func (h *CAD) Kind() model.TaskKind { return model.TaskCAD }

// Run implements Handler.
func (h *CAD) Run(ctx context.Context, inv Invocation) Result {
	spec := metaString(inv.Task.Metadata, "spec")
	if spec == "" {
		spec = inv.Task.Title
	}
	var out capability.Synthesis
	err := execute(ctx, h.Pool, func(ctx context.Context) error {
		var err error
		out, err = h.LLM.Synthesize(ctx, "Produce printable model parameters for: "+spec)
		return err
	})
	if err != nil {
		return FailedErr(err, decimal.Zero)
	}
	return Completed(map[string]any{"model_ref": slugify(spec), "parameters": out.Text}, out.CostUSD)
}

// ReviewSafety checks the drafted model before anything touches hardware.
// Pure local logic.
type ReviewSafety struct{}

// Kind implements Handler.
func (ReviewSafety) Kind() model.TaskKind { return model.TaskReviewSafety }

// Run implements Handler.
func (ReviewSafety) Run(_ context.Context, inv Invocation) Result {
	modelRef := parentString(inv.ParentResult, "model_ref")
	if modelRef == "" {
		return Failed(model.FailInvalidInput, "review_safety task has no model to review", decimal.Zero)
	}
	if parentString(inv.ParentResult, "parameters") == "" {
		return Failed(model.FailInvalidInput, "model "+modelRef+" has no parameters", decimal.Zero)
	}
	return Completed(map[string]any{"model_ref": modelRef, "approved": true}, decimal.Zero)
}

// QueuePrint submits the reviewed model to the print queue. It refuses to run
// without an explicit human sign-off recorded in the task metadata.
type QueuePrint struct {
	Queue capability.PrintQueue
	Pool  *pool.Pool
}

// Kind implements Handler.
func (h *QueuePrint) Kind() model.TaskKind { return model.TaskQueuePrint }

// Run implements Handler.
func (h *QueuePrint) Run(ctx context.Context, inv Invocation) Result {
	if approved, _ := inv.Task.Metadata["human_approved"].(bool); !approved {
		return Failed(model.FailPolicyDenied, "print queueing requires human approval", decimal.Zero)
	}
	modelRef := parentString(inv.ParentResult, "model_ref")
	if modelRef == "" {
		return Failed(model.FailInvalidInput, "queue_print task has no reviewed model", decimal.Zero)
	}
	var jobID string
	err := execute(ctx, h.Pool, func(ctx context.Context) error {
		var err error
		jobID, err = h.Queue.QueuePrint(ctx, modelRef)
		return err
	})
	if err != nil {
		return FailedErr(err, decimal.Zero)
	}
	return Completed(map[string]any{"job_id": jobID, "model_ref": modelRef}, decimal.Zero)
}

// hitMaps flattens search hits for storage in a task result.
func hitMaps(hits []capability.SearchHit) []map[string]any {
	out := make([]map[string]any, len(hits))
	for i, h := range hits {
		out[i] = map[string]any{"title": h.Title, "url": h.URL, "snippet": h.Snippet}
	}
	return out
}

// synthesisPrompt builds the summarisation prompt from the search output.
func synthesisPrompt(topic string, parent map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarise practical findings on %q for the workshop knowledge base.\n", topic)
	if hits := parentMaps(parent, "hits"); len(hits) > 0 {
		b.WriteString("Sources:\n")
		for _, h := range hits {
			fmt.Fprintf(&b, "- %v (%v)\n", h["title"], h["url"])
		}
	}
	return b.String()
}

// slugify normalises free text into a knowledge-base slug.
func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	prev := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prev = false
		default:
			if !prev && b.Len() > 0 {
				b.WriteByte('-')
			}
			prev = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
