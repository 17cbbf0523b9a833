package pricing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nugget/concierge/internal/config"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := FromConfig(map[string]config.PricingEntry{
		"claude-sonnet-4": {InputPerMillion: "3", OutputPerMillion: "15"},
		"gpt-4o-mini":     {InputPerMillion: "0.15", OutputPerMillion: "0.60"},
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	return tbl
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestResolve(t *testing.T) {
	r := NewResolver(testTable(t), nil)

	tests := []struct {
		name          string
		model         string
		sig           Signals
		wantSource    CostSource
		wantCost      string // "" means nil
		wantIn        int
		wantOut       int
		wantEstimated bool
		wantReconcile bool
		wantErr       error
	}{
		{
			name:       "provider cost wins over table",
			model:      "claude-sonnet-4",
			sig:        Signals{InputTokens: 1000, OutputTokens: 100, TokensReported: true, ProviderCost: dec("0.0001234")},
			wantSource: SourceProviderReported,
			wantCost:   "0.0001234",
			wantIn:     1000,
			wantOut:    100,
		},
		{
			name:       "fractional provider cost below one token unit",
			model:      "unpriced-model",
			sig:        Signals{InputTokens: 1, OutputTokens: 0, TokensReported: true, ProviderCost: dec("0.00000000037")},
			wantSource: SourceProviderReported,
			wantCost:   "0.0000000004",
			wantIn:     1,
		},
		{
			name:       "computed from tokens",
			model:      "claude-sonnet-4",
			sig:        Signals{InputTokens: 1000, OutputTokens: 100, TokensReported: true},
			wantSource: SourceComputedFallback,
			wantCost:   "0.0045",
			wantIn:     1000,
			wantOut:    100,
		},
		{
			name:       "computed sub-cent",
			model:      "gpt-4o-mini",
			sig:        Signals{InputTokens: 7, OutputTokens: 3, TokensReported: true},
			wantSource: SourceComputedFallback,
			wantCost:   "0.00000285",
			wantIn:     7,
			wantOut:    3,
		},
		{
			name:          "unpriced model degrades to unknown",
			model:         "mystery-1",
			sig:           Signals{InputTokens: 50, OutputTokens: 5, TokensReported: true},
			wantSource:    SourceUnknown,
			wantIn:        50,
			wantOut:       5,
			wantReconcile: true,
			wantErr:       ErrPricingUnavailable,
		},
		{
			name:          "no tokens no cost",
			model:         "claude-sonnet-4",
			sig:           Signals{PromptChars: 400, OutputChars: 9},
			wantSource:    SourceUnknown,
			wantIn:        100,
			wantOut:       3,
			wantEstimated: true,
			wantReconcile: true,
		},
		{
			name:          "one round missing usage adds estimate to reported",
			model:         "claude-sonnet-4",
			sig:           Signals{InputTokens: 900, OutputTokens: 40, PromptChars: 400, OutputChars: 9},
			wantSource:    SourceUnknown,
			wantIn:        1000,
			wantOut:       43,
			wantEstimated: true,
			wantReconcile: true,
		},
		{
			name:          "provider cost without tokens estimates tokens",
			model:         "claude-sonnet-4",
			sig:           Signals{ProviderCost: dec("0.02"), PromptChars: 8, OutputChars: 4},
			wantSource:    SourceProviderReported,
			wantCost:      "0.02",
			wantIn:        2,
			wantOut:       1,
			wantEstimated: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(tt.model, tt.sig)
			if got.Source != tt.wantSource {
				t.Errorf("Source = %s, want %s", got.Source, tt.wantSource)
			}
			switch {
			case tt.wantCost == "" && got.Cost != nil:
				t.Errorf("Cost = %s, want nil", got.Cost)
			case tt.wantCost != "" && got.Cost == nil:
				t.Errorf("Cost = nil, want %s", tt.wantCost)
			case tt.wantCost != "" && !got.Cost.Equal(decimal.RequireFromString(tt.wantCost)):
				t.Errorf("Cost = %s, want %s", got.Cost, tt.wantCost)
			}
			if got.InputTokens != tt.wantIn || got.OutputTokens != tt.wantOut {
				t.Errorf("tokens = %d/%d, want %d/%d", got.InputTokens, got.OutputTokens, tt.wantIn, tt.wantOut)
			}
			if got.Estimated != tt.wantEstimated {
				t.Errorf("Estimated = %v, want %v", got.Estimated, tt.wantEstimated)
			}
			if got.NeedsReconciliation != tt.wantReconcile {
				t.Errorf("NeedsReconciliation = %v, want %v", got.NeedsReconciliation, tt.wantReconcile)
			}
			if !errors.Is(got.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", got.Err, tt.wantErr)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct{ chars, want int }{
		{0, 0}, {-3, 0}, {1, 1}, {4, 1}, {5, 2}, {400, 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.chars); got != tt.want {
			t.Errorf("EstimateTokens(%d) = %d, want %d", tt.chars, got, tt.want)
		}
	}
}

func TestFromConfig_Rejects(t *testing.T) {
	tests := map[string]config.PricingEntry{
		"not a number": {InputPerMillion: "cheap", OutputPerMillion: "1"},
		"negative":     {InputPerMillion: "-1", OutputPerMillion: "1"},
	}
	for name, e := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := FromConfig(map[string]config.PricingEntry{"m": e}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFileAndMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	os.WriteFile(path, []byte(`models:
  claude-sonnet-4:
    input_per_million: "3.00"
    output_per_million: "15.00"
  claude-haiku:
    input_per_million: "0.80"
    output_per_million: "4.00"
`), 0600)

	file, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	override := NewTable(map[string]Entry{
		"claude-haiku": {InputPerMillion: decimal.NewFromInt(1), OutputPerMillion: decimal.NewFromInt(5)},
	})

	merged := Merge(file, override)
	if merged.Len() != 2 {
		t.Fatalf("Len = %d, want 2", merged.Len())
	}
	e, _ := merged.Lookup("claude-haiku")
	if !e.InputPerMillion.Equal(decimal.NewFromInt(1)) {
		t.Errorf("override not applied: %s", e.InputPerMillion)
	}
	if got := merged.Models(); got[0] != "claude-haiku" || got[1] != "claude-sonnet-4" {
		t.Errorf("Models() = %v", got)
	}
}

func TestResolverSwapDuringReads(t *testing.T) {
	r := NewResolver(testTable(t), nil)
	empty := NewTable(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				res := r.Resolve("claude-sonnet-4", Signals{InputTokens: 1, OutputTokens: 1, TokensReported: true})
				if !res.Source.Valid() {
					t.Errorf("invalid source %q", res.Source)
					return
				}
			}
		}()
	}
	for j := 0; j < 50; j++ {
		r.Swap(empty)
		r.Swap(testTable(t))
	}
	wg.Wait()
}

func TestRefresherCoalesces(t *testing.T) {
	r := NewResolver(nil, nil)
	var loads atomic.Int32
	release := make(chan struct{})

	f := NewRefresher(r, func(ctx context.Context) (*Table, error) {
		loads.Add(1)
		<-release
		return testTable(t), nil
	}, 0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.Refresh(context.Background()); err != nil {
				t.Errorf("Refresh: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := loads.Load(); n != 1 {
		t.Errorf("loads = %d, want 1", n)
	}
	if r.Table().Len() != 2 {
		t.Errorf("table not swapped in: Len = %d", r.Table().Len())
	}
}

func TestRefresherKeepsTableOnFailure(t *testing.T) {
	r := NewResolver(testTable(t), nil)
	f := NewRefresher(r, func(ctx context.Context) (*Table, error) {
		return nil, errors.New("file vanished")
	}, 0, nil)

	if err := f.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if r.Table().Len() != 2 {
		t.Errorf("table replaced after failed refresh")
	}
}
