// Package usage stores the llm_requests ledger: one row per model
// invocation with exact token counts, fixed-point cost and the source
// of that cost. Rows are append-only; the single exception is that a
// row whose cost is still unknown may be amended once an authoritative
// figure arrives.
package usage

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nugget/concierge/internal/pricing"
)

var (
	// ErrNotFound means no row has the requested id.
	ErrNotFound = errors.New("llm request not found")

	// ErrDuplicate means a row with the same id already exists.
	ErrDuplicate = errors.New("llm request already recorded")

	// ErrNotAmendable means the row already has a known cost.
	ErrNotAmendable = errors.New("llm request cost is already known")

	// ErrInvalidAmendment means the late figures themselves are unusable.
	ErrInvalidAmendment = errors.New("invalid amendment")
)

// PromptSection is one named part of an assembled prompt, recorded for
// audit only.
type PromptSection struct {
	Name   string `json:"name"`
	Origin string `json:"origin"`
	Chars  int    `json:"chars"`
	Count  int    `json:"count,omitempty"`
}

// ToolCall is one tool invocation made while answering a turn.
type ToolCall struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// Request is one llm_requests row.
type Request struct {
	ID        string
	SessionID string
	TenantID  string
	Model     string
	Provider  string

	InputTokens  int
	OutputTokens int
	Cost         *decimal.Decimal // nil when CostSource is unknown
	CostSource   pricing.CostSource

	LatencyMS int64
	Rounds    int

	Estimated           bool
	NeedsReconciliation bool
	Partial             bool

	Breakdown []PromptSection
	ToolCalls []ToolCall

	CreatedAt time.Time
	AmendedAt *time.Time
}

// Validate checks the invariants every stored row must satisfy.
func (r *Request) Validate() error {
	if r.ID == "" || r.SessionID == "" || r.Model == "" {
		return fmt.Errorf("llm request missing id, session or model")
	}
	if !r.CostSource.Valid() {
		return fmt.Errorf("invalid cost source %q", r.CostSource)
	}
	if r.CostSource == pricing.SourceUnknown && r.Cost != nil {
		return fmt.Errorf("unknown cost source with a cost value")
	}
	if r.CostSource != pricing.SourceUnknown && r.Cost == nil {
		return fmt.Errorf("cost source %s without a cost value", r.CostSource)
	}
	if r.InputTokens < 0 || r.OutputTokens < 0 {
		return fmt.Errorf("negative token count")
	}
	return nil
}

// Amendment carries late authoritative usage for an unknown-cost row.
type Amendment struct {
	InputTokens  int
	OutputTokens int
	Cost         decimal.Decimal
	Source       pricing.CostSource
}

// Summary aggregates ledger rows. KnownCost only sums rows with a
// known cost; UnknownRequests counts the rest, and Complete is false
// whenever any exist, so an unknown cost is never reported as zero.
type Summary struct {
	Requests        int64
	InputTokens     int64
	OutputTokens    int64
	KnownCost       decimal.Decimal
	UnknownRequests int64
	BySource        map[pricing.CostSource]int64
}

// Complete reports whether every row in the summary has a known cost.
func (s *Summary) Complete() bool {
	return s.UnknownRequests == 0
}

// Cost returns the total cost and true, or zero and false when any row
// is unknown.
func (s *Summary) Cost() (decimal.Decimal, bool) {
	if !s.Complete() {
		return decimal.Zero, false
	}
	return s.KnownCost, true
}

// CostString renders the total, marking unknown rows explicitly.
func (s *Summary) CostString() string {
	if s.Complete() {
		return "$" + s.KnownCost.StringFixed(6)
	}
	return fmt.Sprintf("≥ $%s (+%d unknown)", s.KnownCost.StringFixed(6), s.UnknownRequests)
}

func (s *Summary) add(in, out int64, cost *decimal.Decimal, source pricing.CostSource) {
	s.Requests++
	s.InputTokens += in
	s.OutputTokens += out
	if s.BySource == nil {
		s.BySource = make(map[pricing.CostSource]int64)
	}
	s.BySource[source]++
	if source == pricing.SourceUnknown || cost == nil {
		s.UnknownRequests++
		return
	}
	s.KnownCost = s.KnownCost.Add(*cost)
}

// Filter selects ledger rows for reporting. Zero fields do not filter.
type Filter struct {
	SessionID string
	TenantID  string
	Start     time.Time
	End       time.Time
}
