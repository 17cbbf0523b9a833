package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/concierge/internal/database"
	"github.com/nugget/concierge/internal/tools"
	"github.com/nugget/concierge/internal/usage"
)

// usageQuery selects the ledger rows a report covers.
type usageQuery struct {
	period  string
	session string
	tenant  string
	byModel bool
	now     time.Time
}

func newUsageCmd(opts *options) *cobra.Command {
	var q usageQuery
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Report token usage and cost from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q.now = time.Now()
			return runUsage(cmd.Context(), opts, q)
		},
	}
	cmd.Flags().StringVarP(&q.period, "period", "p", "all", "period: today, yesterday, week, month or all")
	cmd.Flags().StringVarP(&q.session, "session", "s", "", "restrict to one session")
	cmd.Flags().StringVarP(&q.tenant, "tenant", "t", "", "restrict to one tenant")
	cmd.Flags().BoolVar(&q.byModel, "by-model", false, "break totals down by model")
	cmd.AddCommand(newReconcileCmd(opts))
	return cmd
}

func runUsage(ctx context.Context, opts *options, q usageQuery) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configLogger(opts.stderr, cfg)

	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	store, err := usage.NewStore(ctx, db, logger)
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	return reportUsage(ctx, opts.stdout, opts.output, store, q)
}

// summaryJSON is the machine-readable form of a summary. Cost is null
// whenever any request's cost is unknown.
type summaryJSON struct {
	Requests        int64   `json:"requests"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	Cost            *string `json:"cost"`
	KnownCost       string  `json:"known_cost"`
	UnknownRequests int64   `json:"unknown_requests"`
}

func toSummaryJSON(s *usage.Summary) summaryJSON {
	out := summaryJSON{
		Requests:        s.Requests,
		InputTokens:     s.InputTokens,
		OutputTokens:    s.OutputTokens,
		KnownCost:       s.KnownCost.String(),
		UnknownRequests: s.UnknownRequests,
	}
	if cost, ok := s.Cost(); ok {
		c := cost.String()
		out.Cost = &c
	}
	return out
}

// reportUsage writes the summary selected by q to w.
func reportUsage(ctx context.Context, w io.Writer, format string, store tools.UsageReporter, q usageQuery) error {
	start, end := tools.ParsePeriod(q.period, q.now)
	f := usage.Filter{SessionID: q.session, TenantID: q.tenant, Start: start, End: end}

	total, err := store.Summary(ctx, f)
	if err != nil {
		return fmt.Errorf("query usage: %w", err)
	}

	var grouped map[string]*usage.Summary
	if q.byModel {
		if grouped, err = store.SummaryByModel(ctx, f); err != nil {
			return fmt.Errorf("query usage by model: %w", err)
		}
	}
	models := make([]string, 0, len(grouped))
	for m := range grouped {
		models = append(models, m)
	}
	sort.Strings(models)

	if format == "json" {
		report := map[string]any{
			"period": q.period,
			"total":  toSummaryJSON(total),
		}
		if q.session != "" {
			report["session_id"] = q.session
		}
		if q.tenant != "" {
			report["tenant_id"] = q.tenant
		}
		if q.byModel {
			bm := make(map[string]summaryJSON, len(grouped))
			for _, m := range models {
				bm[m] = toSummaryJSON(grouped[m])
			}
			report["by_model"] = bm
		}
		return writeJSON(w, report)
	}

	scope := q.period
	if q.session != "" {
		scope += ", session " + q.session
	}
	if q.tenant != "" {
		scope += ", tenant " + q.tenant
	}
	fmt.Fprintf(w, "Usage (%s)\n", scope)
	fmt.Fprintf(w, "  Requests:      %d\n", total.Requests)
	fmt.Fprintf(w, "  Input tokens:  %s\n", tools.FormatTokenCount(total.InputTokens))
	fmt.Fprintf(w, "  Output tokens: %s\n", tools.FormatTokenCount(total.OutputTokens))
	fmt.Fprintf(w, "  Cost:          %s\n", total.CostString())

	if len(models) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tREQUESTS\tINPUT\tOUTPUT\tCOST")
	for _, m := range models {
		s := grouped[m]
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", m, s.Requests,
			tools.FormatTokenCount(s.InputTokens), tools.FormatTokenCount(s.OutputTokens), s.CostString())
	}
	return tw.Flush()
}
