package agent

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/nugget/concierge/internal/llm"
	"github.com/nugget/concierge/internal/pricing"
)

// Usage aggregates the usage signals of every model call in a turn.
type Usage struct {
	// Tokens summed over the calls that reported them.
	InputTokens  int
	OutputTokens int
	// TokensReported is true only when every call reported tokens.
	TokensReported bool

	// ProviderCost sums provider cost figures. It only stands for the
	// whole turn when CostReported is true.
	ProviderCost *decimal.Decimal
	CostReported bool

	// Characters sent and generated by calls that did not report the
	// matching token count.
	UnreportedPromptChars int
	UnreportedOutputChars int

	Rounds int
}

// Signals converts the aggregate for the pricing resolver.
func (u Usage) Signals() pricing.Signals {
	s := pricing.Signals{
		InputTokens:    u.InputTokens,
		OutputTokens:   u.OutputTokens,
		TokensReported: u.TokensReported,
		PromptChars:    u.UnreportedPromptChars,
		OutputChars:    u.UnreportedOutputChars,
	}
	if u.CostReported && u.ProviderCost != nil {
		c := *u.ProviderCost
		s.ProviderCost = &c
	}
	return s
}

// add folds one call's response into the aggregate.
func (u *Usage) add(resp *llm.ChatResponse, promptChars int) {
	first := u.Rounds == 0
	u.Rounds++

	switch {
	case resp.UsageReported:
		u.InputTokens += resp.InputTokens
		u.OutputTokens += resp.OutputTokens
	case resp.InputReported:
		// Cut off after the input count: only the output is estimated.
		u.InputTokens += resp.InputTokens
		u.UnreportedOutputChars += messageChars(resp.Message)
	default:
		u.UnreportedPromptChars += promptChars
		u.UnreportedOutputChars += messageChars(resp.Message)
	}
	u.TokensReported = (first || u.TokensReported) && resp.UsageReported

	if resp.Cost != nil {
		total := *resp.Cost
		if u.ProviderCost != nil {
			total = total.Add(*u.ProviderCost)
		}
		u.ProviderCost = &total
	}
	u.CostReported = (first || u.CostReported) && resp.Cost != nil
}

func messageChars(m llm.Message) int {
	n := len(m.Content)
	for _, tc := range m.ToolCalls {
		n += len(tc.Function.Name)
		if b, err := json.Marshal(tc.Function.Arguments); err == nil {
			n += len(b)
		}
	}
	return n
}

func promptChars(msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		n += messageChars(m)
	}
	return n
}
