package orchestrator

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nugget/concierge/internal/pricing"
	"github.com/nugget/concierge/internal/usage"
)

// LateUsage is authoritative usage for a request that was billed as
// unknown, typically fetched from the provider after the stream closed.
// A nil Cost is computed from the price table.
type LateUsage struct {
	InputTokens  int
	OutputTokens int
	Cost         *decimal.Decimal
}

// Unreconciled lists up to limit ledger rows still waiting for an
// authoritative cost, oldest first.
func (o *Orchestrator) Unreconciled(ctx context.Context, limit int) ([]*usage.Request, error) {
	return o.requests.Unreconciled(ctx, limit)
}

// Reconcile amends an unknown-cost request in place with late usage. A
// reported cost is stored as provider-reported; otherwise the cost is
// computed from the current price table, and a model without a price
// returns an error wrapping [pricing.ErrPricingUnavailable].
func (o *Orchestrator) Reconcile(ctx context.Context, requestID string, late LateUsage) (*usage.Request, error) {
	row, err := o.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	a := usage.Amendment{InputTokens: late.InputTokens, OutputTokens: late.OutputTokens}
	if late.Cost != nil {
		a.Cost = *late.Cost
		a.Source = pricing.SourceProviderReported
	} else {
		entry, ok := o.pricing.Table().Lookup(row.Model)
		if !ok {
			return nil, fmt.Errorf("reconcile %s: %s: %w", requestID, row.Model, pricing.ErrPricingUnavailable)
		}
		a.Cost = entry.Cost(late.InputTokens, late.OutputTokens)
		a.Source = pricing.SourceComputedFallback
	}

	if err := o.ledger.Amend(ctx, requestID, a); err != nil {
		return nil, err
	}
	o.logger.Info("request reconciled", "request", requestID, "session", row.SessionID,
		"source", a.Source, "cost", pricing.Round(a.Cost).String())
	return o.requests.Get(ctx, requestID)
}
