// Package capability declares the external capabilities the operations core
// consumes. Concrete providers (search engines, LLMs, git, printer
// telemetry, knowledge-base writers) live outside the core and are wired in
// at startup, each behind a managed connection pool. The core depends only on
// these narrow contracts so tests can substitute fakes.
package capability

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type (
	// SearchHit is one result returned by a search provider.
	SearchHit struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	}

	// SearchResult carries hits plus the metered cost of the call.
	SearchResult struct {
		Hits    []SearchHit
		CostUSD decimal.Decimal
	}

	// Search queries an external search provider.
	Search interface {
		Search(ctx context.Context, query string, topK int) (SearchResult, error)
	}

	// Synthesis carries generated text plus the metered cost of the call.
	Synthesis struct {
		Text    string
		CostUSD decimal.Decimal
	}

	// Synthesizer produces text from a prompt via an external model.
	Synthesizer interface {
		Synthesize(ctx context.Context, prompt string) (Synthesis, error)
	}

	// UsageStats reports how often a knowledge entry has been consulted.
	UsageStats struct {
		Views int
		Refs  int
	}

	// KnowledgeStore reads and writes the knowledge base.
	KnowledgeStore interface {
		Write(ctx context.Context, category, slug string, frontmatter map[string]any, body string) (path string, err error)
		Exists(ctx context.Context, category, slug string) (bool, error)
		UsageStats(ctx context.Context, path string, since time.Time) (UsageStats, error)
	}

	// VCS commits knowledge-base changes.
	VCS interface {
		Commit(ctx context.Context, paths []string, message string) (commitID string, err error)
	}

	// Order is the receipt for a placed procurement order.
	Order struct {
		Ref     string
		CostUSD decimal.Decimal
	}

	// Procurement places orders with external suppliers. Implementations
	// must refuse orders above the given ceiling.
	Procurement interface {
		PlaceOrder(ctx context.Context, item string, maxUSD decimal.Decimal) (Order, error)
	}

	// PrintQueue submits jobs to the fabrication queue.
	PrintQueue interface {
		QueuePrint(ctx context.Context, modelRef string) (jobID string, err error)
	}

	// HostSnapshot is a point-in-time view of host load and idleness.
	HostSnapshot struct {
		CPUPct  float64
		MemPct  float64
		IdleMin float64
	}

	// HostMetrics samples the host the core runs on.
	HostMetrics interface {
		Snapshot(ctx context.Context) (HostSnapshot, error)
	}

	// OpsEvent is one record of operational history: a failure, a routing
	// decision, a print job, etc. Strategy-specific fields live in Attrs.
	OpsEvent struct {
		Time    time.Time
		Kind    string
		Reason  string
		Tier    string
		CostUSD decimal.Decimal
		Attrs   map[string]any
	}

	// Telemetry exposes historical operational events for the opportunity
	// detector's failure-pattern and cost-optimisation strategies.
	Telemetry interface {
		OperationalHistory(ctx context.Context, kind string, since time.Time) ([]OpsEvent, error)
	}
)

// Event kinds recorded in operational history.
const (
	EventFailure = "failure"
	EventRouting = "routing"
)

// Routing tiers used by the cost-optimisation strategy.
const (
	TierLocal    = "local"
	TierMCP      = "mcp"
	TierFrontier = "frontier"
)
