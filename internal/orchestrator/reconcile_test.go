package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nugget/concierge/internal/agent"
	"github.com/nugget/concierge/internal/events"
	"github.com/nugget/concierge/internal/llm"
	"github.com/nugget/concierge/internal/pricing"
	"github.com/nugget/concierge/internal/usage"
)

func unreported(content string) reply {
	return reply{resp: &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: llm.RoleAssistant, Content: content},
		Done:    true,
	}}
}

func streamTurn(t *testing.T, f *fixture, r TurnRequest) *TurnResponse {
	t.Helper()
	ch, err := f.orch.SubmitTurnStream(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	var done *TurnResponse
	for ev := range ch {
		if ev.Kind == EventDone {
			done = ev.Response
		}
	}
	if done == nil {
		t.Fatal("no done event")
	}
	return done
}

func TestReconcile_ComputedFromPriceTable(t *testing.T) {
	f := newFixture(t, []reply{unreported("Here is what I found.")}, agent.Config{})
	ctx := context.Background()

	done := streamTurn(t, f, req("find a clinic"))

	pending, err := f.orch.Unreconciled(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != done.TurnID {
		t.Fatalf("Unreconciled = %+v, want the turn's request", pending)
	}
	f.drainEvents()

	row, err := f.orch.Reconcile(ctx, done.TurnID, LateUsage{InputTokens: 1000, OutputTokens: 100})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	// 1000 * 3/M + 100 * 15/M
	want := decimal.RequireFromString("0.0045")
	if row.CostSource != pricing.SourceComputedFallback || row.Cost == nil || !row.Cost.Equal(want) {
		t.Errorf("row = source %s cost %v, want computed-fallback %s", row.CostSource, row.Cost, want)
	}
	if row.NeedsReconciliation || row.Estimated || row.InputTokens != 1000 {
		t.Errorf("row still flagged: %+v", row)
	}

	sum, err := f.orch.SessionUsage(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if cost, ok := sum.Cost(); !ok || !cost.Equal(want) || sum.Requests != 1 {
		t.Errorf("summary = %+v, want one complete row costing %s", sum, want)
	}

	var amended bool
	for _, e := range f.drainEvents() {
		if e.Kind == events.KindAmended {
			amended = true
		}
	}
	if !amended {
		t.Error("no amended event")
	}

	if _, err := f.orch.Reconcile(ctx, done.TurnID, LateUsage{InputTokens: 1, OutputTokens: 1}); !errors.Is(err, usage.ErrNotAmendable) {
		t.Errorf("second Reconcile err = %v, want ErrNotAmendable", err)
	}
}

func TestReconcile_ProviderCost(t *testing.T) {
	f := newFixture(t, []reply{unreported("Done.")}, agent.Config{})
	ctx := context.Background()
	done := streamTurn(t, f, req("hello"))

	cost := decimal.RequireFromString("0.000123456789")
	row, err := f.orch.Reconcile(ctx, done.TurnID, LateUsage{InputTokens: 40, OutputTokens: 2, Cost: &cost})
	if err != nil {
		t.Fatal(err)
	}
	if row.CostSource != pricing.SourceProviderReported || !row.Cost.Equal(pricing.Round(cost)) {
		t.Errorf("row = source %s cost %v", row.CostSource, row.Cost)
	}
}

func TestReconcile_Errors(t *testing.T) {
	f := newFixture(t, nil, agent.Config{})
	ctx := context.Background()

	if err := f.requests.Insert(ctx, &usage.Request{
		ID: "r-unpriced", SessionID: "sess-9", TenantID: "acme", Model: "mystery-model",
		CostSource: pricing.SourceUnknown, Estimated: true, NeedsReconciliation: true,
	}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		id   string
		late LateUsage
		want error
	}{
		{"missing row", "nope", LateUsage{InputTokens: 1}, usage.ErrNotFound},
		{"unpriced model", "r-unpriced", LateUsage{InputTokens: 10, OutputTokens: 1}, pricing.ErrPricingUnavailable},
		{"negative tokens", "r-unpriced", LateUsage{InputTokens: -1, Cost: &decimal.Zero}, usage.ErrInvalidAmendment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.orch.Reconcile(ctx, tt.id, tt.late); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
