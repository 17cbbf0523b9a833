package pricing

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// CostSource records how a ledger entry's cost was determined.
type CostSource string

const (
	SourceProviderReported CostSource = "provider-reported"
	SourceComputedFallback CostSource = "computed-fallback"
	SourceUnknown          CostSource = "unknown"
)

// Valid reports whether s is one of the three known sources.
func (s CostSource) Valid() bool {
	switch s {
	case SourceProviderReported, SourceComputedFallback, SourceUnknown:
		return true
	}
	return false
}

// CostScale is the number of fractional digits kept on every cost.
const CostScale = 10

// ErrPricingUnavailable means the model has no entry in the price table.
var ErrPricingUnavailable = errors.New("pricing unavailable")

// Signals is everything a finished model call told us about its usage.
type Signals struct {
	InputTokens    int
	OutputTokens   int
	TokensReported bool

	// ProviderCost is the provider's own figure, nil when absent.
	ProviderCost *decimal.Decimal

	// Character counts for the calls that reported no tokens. When
	// TokensReported is false they are estimated and added to whatever
	// InputTokens/OutputTokens other calls did report.
	PromptChars int
	OutputChars int
}

// Resolution is the authoritative usage tuple for one request.
type Resolution struct {
	InputTokens  int
	OutputTokens int

	// Cost is nil when Source is SourceUnknown. It is never a
	// stand-in zero.
	Cost   *decimal.Decimal
	Source CostSource

	// Estimated is set when token counts came from character counts.
	Estimated bool

	// NeedsReconciliation flags rows a later authoritative figure
	// should amend.
	NeedsReconciliation bool

	// Err carries the non-fatal reason a cost could not be computed.
	Err error
}

// Resolver resolves usage against the current price table. Readers
// load the table with one atomic read and never wait on a refresh.
type Resolver struct {
	table  atomic.Pointer[Table]
	logger *slog.Logger
}

// NewResolver creates a resolver serving t (which may be nil).
func NewResolver(t *Table, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{logger: logger.With("component", "pricing")}
	if t == nil {
		t = NewTable(nil)
	}
	r.table.Store(t)
	return r
}

// Table returns the table currently in service.
func (r *Resolver) Table() *Table {
	return r.table.Load()
}

// Swap installs t and returns the table it replaced.
func (r *Resolver) Swap(t *Table) *Table {
	return r.table.Swap(t)
}

// Resolve applies the resolution order: provider-reported cost, then
// a cost computed from reported tokens, then unknown with estimated
// tokens.
func (r *Resolver) Resolve(model string, s Signals) Resolution {
	res := Resolution{InputTokens: s.InputTokens, OutputTokens: s.OutputTokens}
	if !s.TokensReported {
		res.InputTokens = s.InputTokens + EstimateTokens(s.PromptChars)
		res.OutputTokens = s.OutputTokens + EstimateTokens(s.OutputChars)
		res.Estimated = true
	}

	if s.ProviderCost != nil {
		cost := Round(*s.ProviderCost)
		res.Cost = &cost
		res.Source = SourceProviderReported
		return res
	}

	if s.TokensReported {
		entry, ok := r.Table().Lookup(model)
		if ok {
			cost := Round(entry.Cost(s.InputTokens, s.OutputTokens))
			res.Cost = &cost
			res.Source = SourceComputedFallback
			return res
		}
		res.Err = fmt.Errorf("model %s: %w", model, ErrPricingUnavailable)
		r.logger.Warn("no price for model, cost unknown", "model", model)
	}

	res.Source = SourceUnknown
	res.NeedsReconciliation = true
	return res
}

// Round applies the stored cost precision.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(CostScale)
}

// EstimateTokens approximates a token count from characters at four
// characters per token, rounding up so non-empty text never counts as
// zero.
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}
