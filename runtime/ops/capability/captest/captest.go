// Package captest provides in-memory capability fakes for tests and local
// development. Each fake is thread-safe and records the calls it served so
// tests can assert on interactions.
package captest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openfab/autopilot/runtime/ops/capability"
)

// SearchStub serves canned hits for every query at a fixed cost.
type SearchStub struct {
	mu      sync.Mutex
	Hits    []capability.SearchHit
	Cost    decimal.Decimal
	Err     error
	Queries []string
}

// Search implements capability.Search.
func (s *SearchStub) Search(_ context.Context, query string, _ int) (capability.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return capability.SearchResult{}, s.Err
	}
	s.Queries = append(s.Queries, query)
	return capability.SearchResult{Hits: s.Hits, CostUSD: s.Cost}, nil
}

// SynthesizerStub echoes a canned completion at a fixed cost.
type SynthesizerStub struct {
	mu      sync.Mutex
	Text    string
	Cost    decimal.Decimal
	Err     error
	Prompts []string
}

// Synthesize implements capability.Synthesizer.
func (s *SynthesizerStub) Synthesize(_ context.Context, prompt string) (capability.Synthesis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return capability.Synthesis{}, s.Err
	}
	s.Prompts = append(s.Prompts, prompt)
	return capability.Synthesis{Text: s.Text, CostUSD: s.Cost}, nil
}

// KnowledgeStub keeps knowledge entries in a map keyed by category/slug.
type KnowledgeStub struct {
	mu      sync.Mutex
	Entries map[string]string // "category/slug" -> body
	Stats   map[string]capability.UsageStats
	Err     error
}

// NewKnowledgeStub returns an empty knowledge store fake.
func NewKnowledgeStub() *KnowledgeStub {
	return &KnowledgeStub{
		Entries: make(map[string]string),
		Stats:   make(map[string]capability.UsageStats),
	}
}

// Write implements capability.KnowledgeStore.
func (k *KnowledgeStub) Write(_ context.Context, category, slug string, _ map[string]any, body string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.Err != nil {
		return "", k.Err
	}
	path := fmt.Sprintf("%s/%s", category, slug)
	k.Entries[path] = body
	return path, nil
}

// Exists implements capability.KnowledgeStore.
func (k *KnowledgeStub) Exists(_ context.Context, category, slug string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.Err != nil {
		return false, k.Err
	}
	_, ok := k.Entries[fmt.Sprintf("%s/%s", category, slug)]
	return ok, nil
}

// UsageStats implements capability.KnowledgeStore.
func (k *KnowledgeStub) UsageStats(_ context.Context, path string, _ time.Time) (capability.UsageStats, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.Err != nil {
		return capability.UsageStats{}, k.Err
	}
	return k.Stats[path], nil
}

// VCSStub returns sequential fake commit IDs.
type VCSStub struct {
	mu      sync.Mutex
	Err     error
	Commits []string
}

// Commit implements capability.VCS.
func (v *VCSStub) Commit(_ context.Context, _ []string, message string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Err != nil {
		return "", v.Err
	}
	id := fmt.Sprintf("commit-%d", len(v.Commits)+1)
	v.Commits = append(v.Commits, message)
	return id, nil
}

// ProcurementStub accepts every order under the ceiling at a fixed cost.
type ProcurementStub struct {
	mu     sync.Mutex
	Cost   decimal.Decimal
	Err    error
	Orders []string
}

// PlaceOrder implements capability.Procurement.
func (p *ProcurementStub) PlaceOrder(_ context.Context, item string, maxUSD decimal.Decimal) (capability.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return capability.Order{}, p.Err
	}
	if p.Cost.GreaterThan(maxUSD) {
		return capability.Order{}, fmt.Errorf("order for %s exceeds ceiling %s", item, maxUSD)
	}
	p.Orders = append(p.Orders, item)
	return capability.Order{Ref: fmt.Sprintf("order-%d", len(p.Orders)), CostUSD: p.Cost}, nil
}

// PrintQueueStub returns sequential fake print job IDs.
type PrintQueueStub struct {
	mu   sync.Mutex
	Err  error
	Jobs []string
}

// QueuePrint implements capability.PrintQueue.
func (q *PrintQueueStub) QueuePrint(_ context.Context, modelRef string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return "", q.Err
	}
	q.Jobs = append(q.Jobs, modelRef)
	return fmt.Sprintf("print-%d", len(q.Jobs)), nil
}

// HostStub serves a fixed host snapshot.
type HostStub struct {
	Snap capability.HostSnapshot
	Err  error
}

// Snapshot implements capability.HostMetrics.
func (h *HostStub) Snapshot(context.Context) (capability.HostSnapshot, error) {
	if h.Err != nil {
		return capability.HostSnapshot{}, h.Err
	}
	return h.Snap, nil
}

// TelemetryStub serves canned operational history filtered by kind and time.
type TelemetryStub struct {
	mu     sync.Mutex
	Events []capability.OpsEvent
	Err    error
}

// OperationalHistory implements capability.Telemetry.
func (t *TelemetryStub) OperationalHistory(_ context.Context, kind string, since time.Time) ([]capability.OpsEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return nil, t.Err
	}
	var out []capability.OpsEvent
	for _, ev := range t.Events {
		if ev.Kind == kind && !ev.Time.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}
