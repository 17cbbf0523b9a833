package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/nugget/concierge/internal/api"
	"github.com/nugget/concierge/internal/database"
	"github.com/nugget/concierge/internal/events"
	"github.com/nugget/concierge/internal/ledger"
	"github.com/nugget/concierge/internal/memory"
	"github.com/nugget/concierge/internal/orchestrator"
	"github.com/nugget/concierge/internal/pricing"
	"github.com/nugget/concierge/internal/tools"
	"github.com/nugget/concierge/internal/usage"
)

// amendFlags carry late usage for one request.
type amendFlags struct {
	limit  int
	input  int
	output int
	cost   string
}

func newReconcileCmd(opts *options) *cobra.Command {
	var f amendFlags
	cmd := &cobra.Command{
		Use:   "reconcile [request-id]",
		Short: "List requests with unknown cost, or amend one with late usage",
		Long: `Without arguments, lists ledger requests whose cost was unknown when
they were recorded. With a request ID, amends that request in place with
the authoritative token counts. A --cost is stored as provider-reported;
without one the cost is computed from the price table.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && (!cmd.Flags().Changed("input") || !cmd.Flags().Changed("output")) {
				return fmt.Errorf("amending %s requires --input and --output", args[0])
			}
			var late *orchestrator.LateUsage
			if len(args) == 1 {
				l, err := f.lateUsage()
				if err != nil {
					return err
				}
				late = &l
			}

			rec, closeFn, err := openReconciler(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			if late == nil {
				return listUnreconciled(cmd.Context(), opts.stdout, opts.output, rec, f.limit)
			}
			return amendRequest(cmd.Context(), opts.stdout, opts.output, rec, args[0], *late)
		},
	}
	cmd.Flags().IntVar(&f.limit, "limit", 100, "maximum requests to list")
	cmd.Flags().IntVar(&f.input, "input", 0, "authoritative input tokens")
	cmd.Flags().IntVar(&f.output, "output", 0, "authoritative output tokens")
	cmd.Flags().StringVar(&f.cost, "cost", "", "provider-reported cost (decimal); omit to compute from the price table")
	return cmd
}

func (f amendFlags) lateUsage() (orchestrator.LateUsage, error) {
	late := orchestrator.LateUsage{InputTokens: f.input, OutputTokens: f.output}
	if f.cost != "" {
		c, err := decimal.NewFromString(f.cost)
		if err != nil {
			return late, fmt.Errorf("--cost: %w", err)
		}
		late.Cost = &c
	}
	return late, nil
}

// openReconciler builds the ledger side of an orchestrator: stores, the
// price table and the ledger writer. No model provider is involved.
func openReconciler(ctx context.Context, opts *options) (api.Reconciler, func(), error) {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := configLogger(opts.stderr, cfg)

	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	fail := func(err error) (api.Reconciler, func(), error) {
		db.Close()
		return nil, nil, err
	}

	messages, err := memory.NewStore(ctx, db, logger)
	if err != nil {
		return fail(fmt.Errorf("open message store: %w", err))
	}
	requests, err := usage.NewStore(ctx, db, logger)
	if err != nil {
		return fail(fmt.Errorf("open usage ledger: %w", err))
	}
	table, err := loadPriceTable(cfg)
	if err != nil {
		return fail(err)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Messages: messages,
		Requests: requests,
		Ledger:   ledger.NewWriter(db, requests, messages, events.New(), logger),
		Pricing:  pricing.NewResolver(table, logger),
		Logger:   logger,
	})
	return orch, func() { db.Close() }, nil
}

func listUnreconciled(ctx context.Context, w io.Writer, format string, rec api.Reconciler, limit int) error {
	rows, err := rec.Unreconciled(ctx, limit)
	if err != nil {
		return fmt.Errorf("list unreconciled requests: %w", err)
	}

	if format == "json" {
		out := make([]api.RequestJSON, 0, len(rows))
		for _, r := range rows {
			out = append(out, api.RequestView(r))
		}
		return writeJSON(w, map[string]any{"requests": out})
	}

	if len(rows) == 0 {
		fmt.Fprintln(w, "No requests awaiting reconciliation")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUEST\tSESSION\tMODEL\tINPUT\tOUTPUT\tRECORDED")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.SessionID, r.Model,
			tools.FormatTokenCount(int64(r.InputTokens)), tools.FormatTokenCount(int64(r.OutputTokens)),
			r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d requests with estimated usage and unknown cost\n", len(rows))
	return nil
}

func amendRequest(ctx context.Context, w io.Writer, format string, rec api.Reconciler, id string, late orchestrator.LateUsage) error {
	row, err := rec.Reconcile(ctx, id, late)
	if err != nil {
		return fmt.Errorf("amend %s: %w", id, err)
	}
	if format == "json" {
		return writeJSON(w, api.RequestView(row))
	}
	fmt.Fprintf(w, "Amended %s\n", row.ID)
	fmt.Fprintf(w, "  Input tokens:  %s\n", tools.FormatTokenCount(int64(row.InputTokens)))
	fmt.Fprintf(w, "  Output tokens: %s\n", tools.FormatTokenCount(int64(row.OutputTokens)))
	if row.Cost != nil {
		fmt.Fprintf(w, "  Cost:          $%s (%s)\n", row.Cost.String(), row.CostSource)
	}
	return nil
}
