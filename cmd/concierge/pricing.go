package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nugget/concierge/internal/config"
	"github.com/nugget/concierge/internal/pricing"
)

func newPricingCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pricing",
		Short: "Validate and print the price table",
		Long: "Loads the configured price file and inline entries exactly as serve\n" +
			"does, then prints the merged table. Configured models with no entry\n" +
			"are listed; their cost is unknown unless the provider reports it.",
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, _, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			table, err := loadPriceTable(cfg)
			if err != nil {
				return err
			}
			return printPricing(opts.stdout, opts.output, cfg, table)
		},
	}
}

type priceJSON struct {
	Model            string `json:"model"`
	InputPerMillion  string `json:"input_per_million"`
	OutputPerMillion string `json:"output_per_million"`
}

// printPricing writes table and the configured models it cannot price.
func printPricing(w io.Writer, format string, cfg *config.Config, table *pricing.Table) error {
	var unpriced []string
	seen := make(map[string]bool)
	check := func(m string) {
		if m == "" || seen[m] {
			return
		}
		seen[m] = true
		if _, ok := table.Lookup(m); !ok {
			unpriced = append(unpriced, m)
		}
	}
	check(cfg.Models.Default)
	for _, m := range cfg.Models.Available {
		check(m.Name)
	}

	if format == "json" {
		prices := make([]priceJSON, 0, table.Len())
		for _, m := range table.Models() {
			e, _ := table.Lookup(m)
			prices = append(prices, priceJSON{
				Model:            m,
				InputPerMillion:  e.InputPerMillion.String(),
				OutputPerMillion: e.OutputPerMillion.String(),
			})
		}
		if unpriced == nil {
			unpriced = []string{}
		}
		return writeJSON(w, map[string]any{
			"models":   prices,
			"unpriced": unpriced,
		})
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tINPUT $/M\tOUTPUT $/M")
	for _, m := range table.Models() {
		e, _ := table.Lookup(m)
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m, e.InputPerMillion.StringFixed(2), e.OutputPerMillion.StringFixed(2))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d models priced\n", table.Len())
	for _, m := range unpriced {
		fmt.Fprintf(w, "  no price: %s\n", m)
	}
	return nil
}
