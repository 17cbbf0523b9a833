package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nugget/concierge/internal/usage"
)

// UsageReporter is the part of the ledger the cost_summary tool reads.
type UsageReporter interface {
	Summary(ctx context.Context, f usage.Filter) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, f usage.Filter) (map[string]*usage.Summary, error)
}

// RegisterCostSummary registers the cost_summary tool, which reports
// token usage and cost for the calling tenant. Unknown-cost requests
// are reported as such, never folded into the total.
func (r *Registry) RegisterCostSummary(store UsageReporter) {
	r.Register(&Tool{
		Name:        "cost_summary",
		Description: "Report token usage and API cost for this account or the current conversation. Requests whose cost is not yet known are listed separately.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"period": map[string]any{
					"type":        "string",
					"enum":        []string{"today", "yesterday", "week", "month", "all"},
					"description": "Time period to summarize.",
				},
				"scope": map[string]any{
					"type":        "string",
					"enum":        []string{"account", "conversation"},
					"description": "Summarize the whole account (default) or only this conversation.",
				},
				"by_model": map[string]any{
					"type":        "boolean",
					"description": "Optional: break totals down by model.",
				},
			},
			"required": []string{"period"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			period, _ := args["period"].(string)
			scope, _ := args["scope"].(string)
			byModel, _ := args["by_model"].(bool)

			start, end := ParsePeriod(period, time.Now())
			f := usage.Filter{TenantID: TenantIDFromContext(ctx), Start: start, End: end}
			if scope == "conversation" {
				f.SessionID = SessionIDFromContext(ctx)
			}

			summary, err := store.Summary(ctx, f)
			if err != nil {
				return nil, fmt.Errorf("query usage summary: %w", err)
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Cost Summary (%s):\n", period)
			writeSummary(&sb, "  ", summary)

			if byModel {
				grouped, err := store.SummaryByModel(ctx, f)
				if err != nil {
					return nil, fmt.Errorf("query usage by model: %w", err)
				}
				models := make([]string, 0, len(grouped))
				for m := range grouped {
					models = append(models, m)
				}
				sort.Strings(models)
				if len(models) > 0 {
					sb.WriteString("\nBy model:\n")
				}
				for _, m := range models {
					fmt.Fprintf(&sb, "  %s:\n", m)
					writeSummary(&sb, "    ", grouped[m])
				}
			}
			return sb.String(), nil
		},
	})
}

func writeSummary(sb *strings.Builder, indent string, s *usage.Summary) {
	fmt.Fprintf(sb, "%sRequests: %d\n", indent, s.Requests)
	fmt.Fprintf(sb, "%sInput tokens: %s\n", indent, FormatTokenCount(s.InputTokens))
	fmt.Fprintf(sb, "%sOutput tokens: %s\n", indent, FormatTokenCount(s.OutputTokens))
	fmt.Fprintf(sb, "%sCost: %s\n", indent, s.CostString())
}

// ParsePeriod converts a period name to a [start, end) range relative
// to now. Unknown names cover all time.
func ParsePeriod(period string, now time.Time) (time.Time, time.Time) {
	end := now.Add(1 * time.Minute) // slight future buffer

	switch period {
	case "today":
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return start, end
	case "yesterday":
		yesterday := now.AddDate(0, 0, -1)
		start := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, yesterday.Location())
		endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return start, endOfDay
	case "week":
		return now.AddDate(0, 0, -7), end
	case "month":
		return now.AddDate(0, -1, 0), end
	default:
		return time.Time{}, end
	}
}

// FormatTokenCount formats a token count as a compact string (e.g.,
// "1.23M", "456.0K", "789").
func FormatTokenCount(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2fM", float64(n)/1_000_000.0)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000.0)
	}
	return fmt.Sprintf("%d", n)
}
