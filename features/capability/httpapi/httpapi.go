// Package httpapi implements the external capability contracts against plain
// JSON-over-HTTP services. Every client routes its requests through a managed
// pool so the circuit breaker and connection limits apply uniformly.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openfab/autopilot/runtime/ops/capability"
	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/pool"
)

type (
	// Client carries what every capability client needs: a pooled transport,
	// the service base URL, and an optional bearer token.
	Client struct {
		pool  *pool.Pool
		base  string
		token string
	}

	// SearchClient implements capability.Search.
	SearchClient struct{ Client }

	// SynthClient implements capability.Synthesizer.
	SynthClient struct{ Client }

	// ProcurementClient implements capability.Procurement.
	ProcurementClient struct{ Client }

	// PrintQueueClient implements capability.PrintQueue.
	PrintQueueClient struct{ Client }

	// TelemetryClient implements capability.Telemetry against the fleet
	// telemetry service's event log.
	TelemetryClient struct{ Client }
)

// NewClient builds the shared client core.
func NewClient(p *pool.Pool, base, token string) Client {
	return Client{pool: p, base: base, token: token}
}

// NewSearch wraps a client as a search provider.
func NewSearch(c Client) *SearchClient { return &SearchClient{c} }

// NewSynthesizer wraps a client as a synthesis provider.
func NewSynthesizer(c Client) *SynthClient { return &SynthClient{c} }

// NewProcurement wraps a client as a procurement provider.
func NewProcurement(c Client) *ProcurementClient { return &ProcurementClient{c} }

// NewPrintQueue wraps a client as a print queue provider.
func NewPrintQueue(c Client) *PrintQueueClient { return &PrintQueueClient{c} }

// NewTelemetry wraps a client as an operational history source.
func NewTelemetry(c Client) *TelemetryClient { return &TelemetryClient{c} }

// Search queries the search service.
func (c *SearchClient) Search(ctx context.Context, query string, topK int) (capability.SearchResult, error) {
	q := url.Values{"q": {query}, "limit": {strconv.Itoa(topK)}}
	var body struct {
		Results []capability.SearchHit `json:"results"`
		CostUSD decimal.Decimal        `json:"cost_usd"`
	}
	if err := c.getJSON(ctx, "/search?"+q.Encode(), &body); err != nil {
		return capability.SearchResult{}, err
	}
	return capability.SearchResult{Hits: body.Results, CostUSD: body.CostUSD}, nil
}

// Synthesize posts a prompt to the synthesis service.
func (c *SynthClient) Synthesize(ctx context.Context, prompt string) (capability.Synthesis, error) {
	var body struct {
		Text    string          `json:"text"`
		CostUSD decimal.Decimal `json:"cost_usd"`
	}
	if err := c.postJSON(ctx, "/v1/synthesize", map[string]any{"prompt": prompt}, &body); err != nil {
		return capability.Synthesis{}, err
	}
	return capability.Synthesis{Text: body.Text, CostUSD: body.CostUSD}, nil
}

// PlaceOrder submits an order. The ceiling travels with the request and the
// call fails with policy_denied semantics when the supplier quotes above it.
func (c *ProcurementClient) PlaceOrder(ctx context.Context, item string, maxUSD decimal.Decimal) (capability.Order, error) {
	var body struct {
		Ref     string          `json:"ref"`
		CostUSD decimal.Decimal `json:"cost_usd"`
	}
	req := map[string]any{"item": item, "max_usd": maxUSD}
	if err := c.postJSON(ctx, "/orders", req, &body); err != nil {
		return capability.Order{}, err
	}
	if body.CostUSD.GreaterThan(maxUSD) {
		return capability.Order{}, model.InvalidInputf("order %s cost %s exceeds ceiling %s", body.Ref, body.CostUSD, maxUSD)
	}
	return capability.Order{Ref: body.Ref, CostUSD: body.CostUSD}, nil
}

// QueuePrint submits a print job.
func (c *PrintQueueClient) QueuePrint(ctx context.Context, modelRef string) (string, error) {
	var body struct {
		JobID string `json:"job_id"`
	}
	if err := c.postJSON(ctx, "/print", map[string]any{"model_ref": modelRef}, &body); err != nil {
		return "", err
	}
	return body.JobID, nil
}

// OperationalHistory lists events of one kind since the given time.
func (c *TelemetryClient) OperationalHistory(ctx context.Context, kind string, since time.Time) ([]capability.OpsEvent, error) {
	q := url.Values{"kind": {kind}, "since": {since.UTC().Format(time.RFC3339)}}
	var body struct {
		Events []struct {
			Time    time.Time       `json:"time"`
			Kind    string          `json:"kind"`
			Reason  string          `json:"reason"`
			Tier    string          `json:"tier"`
			CostUSD decimal.Decimal `json:"cost_usd"`
			Attrs   map[string]any  `json:"attrs"`
		} `json:"events"`
	}
	if err := c.getJSON(ctx, "/events?"+q.Encode(), &body); err != nil {
		return nil, err
	}
	out := make([]capability.OpsEvent, len(body.Events))
	for i, e := range body.Events {
		out[i] = capability.OpsEvent{
			Time:    e.Time,
			Kind:    e.Kind,
			Reason:  e.Reason,
			Tier:    e.Tier,
			CostUSD: e.CostUSD,
			Attrs:   e.Attrs,
		}
	}
	return out, nil
}

func (c Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, dst)
}

func (c Client) postJSON(ctx context.Context, path string, payload, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dst)
}

func (c Client) do(req *http.Request, dst any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.pool.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.InvalidInputf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, raw)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
