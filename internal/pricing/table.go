// Package pricing turns raw usage signals from a model call into an
// authoritative token count and cost, tagged with where the cost came
// from. Per-model prices live in an immutable [Table] that can be
// swapped atomically while requests are in flight.
package pricing

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/nugget/concierge/internal/config"
)

var million = decimal.NewFromInt(1_000_000)

// Entry is the price of one model per million tokens.
type Entry struct {
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

// Cost prices a token count.
func (e Entry) Cost(inputTokens, outputTokens int) decimal.Decimal {
	in := e.InputPerMillion.Mul(decimal.NewFromInt(int64(inputTokens)))
	out := e.OutputPerMillion.Mul(decimal.NewFromInt(int64(outputTokens)))
	return in.Add(out).Div(million)
}

// Table maps exact model identifiers to prices. A Table is never
// modified after construction.
type Table struct {
	entries  map[string]Entry
	loadedAt time.Time
}

// NewTable copies entries into a new Table.
func NewTable(entries map[string]Entry) *Table {
	m := make(map[string]Entry, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return &Table{entries: m, loadedAt: time.Now()}
}

// Lookup returns the price for model. Matching is exact; a dated
// snapshot and its alias are different models.
func (t *Table) Lookup(model string) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	e, ok := t.entries[model]
	return e, ok
}

// Models returns the priced model identifiers in sorted order.
func (t *Table) Models() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of priced models.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// LoadedAt reports when the table was built.
func (t *Table) LoadedAt() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.loadedAt
}

// Merge returns a new Table holding base's entries overlaid with
// override's. Either may be nil.
func Merge(base, override *Table) *Table {
	m := make(map[string]Entry)
	if base != nil {
		for k, v := range base.entries {
			m[k] = v
		}
	}
	if override != nil {
		for k, v := range override.entries {
			m[k] = v
		}
	}
	return NewTable(m)
}

// FromConfig parses the decimal strings of config entries.
func FromConfig(entries map[string]config.PricingEntry) (*Table, error) {
	m := make(map[string]Entry, len(entries))
	for model, e := range entries {
		in, err := decimal.NewFromString(e.InputPerMillion)
		if err != nil {
			return nil, fmt.Errorf("model %s: input_per_million: %w", model, err)
		}
		out, err := decimal.NewFromString(e.OutputPerMillion)
		if err != nil {
			return nil, fmt.Errorf("model %s: output_per_million: %w", model, err)
		}
		if in.IsNegative() || out.IsNegative() {
			return nil, fmt.Errorf("model %s: negative price", model)
		}
		m[model] = Entry{InputPerMillion: in, OutputPerMillion: out}
	}
	return NewTable(m), nil
}

type tableFile struct {
	Models map[string]config.PricingEntry `yaml:"models"`
}

// LoadFile reads a YAML price file of the form
//
//	models:
//	  claude-sonnet-4:
//	    input_per_million: "3.00"
//	    output_per_million: "15.00"
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price table: %w", err)
	}
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse price table %s: %w", path, err)
	}
	return FromConfig(f.Models)
}
