package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nugget/concierge/internal/config"
	"github.com/nugget/concierge/internal/database"
	"github.com/nugget/concierge/internal/pricing"
	"github.com/nugget/concierge/internal/usage"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestRun_Version(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "Concierge ") || !strings.Contains(out, "go_version:") {
		t.Errorf("version output = %q", out)
	}

	out, err = runCmd(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version json is not JSON: %v\n%s", err, out)
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("version json = %v", info)
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"bogus"}, "unknown command"},
		{"unknown output", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"missing config", []string{"--config", "/nonexistent/config.yaml", "pricing"}, "config file not found"},
		{"extra args", []string{"version", "now"}, "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCmd(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "log_level: loud\n")
	_, err := runCmd(t, "--config", path, "pricing")
	if err == nil || !strings.Contains(err.Error(), "unknown log level") {
		t.Errorf("err = %v, want log level rejection", err)
	}
}

func TestNewLogger_TraceLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LevelTrace, "json")
	logger.Log(context.Background(), config.LevelTrace, "wire payload")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["level"] != "TRACE" {
		t.Errorf("level = %v, want TRACE", rec["level"])
	}

	buf.Reset()
	newLogger(&buf, slog.LevelInfo, "text").Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug line written at info level: %q", buf.String())
	}
}

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	for _, sub := range []string{"db", "personas"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			t.Errorf("expected directory %s: %v", sub, err)
		}
	}

	perms := map[string]os.FileMode{
		"config.yaml":                             0o600,
		"pricing.yaml":                            0o644,
		filepath.Join("personas", "concierge.md"): 0o644,
	}
	for name, want := range perms {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("%s not created: %v", name, err)
			continue
		}
		if got := info.Mode().Perm(); got != want {
			t.Errorf("%s permissions = %o, want %o", name, got, want)
		}
		if !strings.Contains(buf.String(), name) {
			t.Errorf("output does not mention %s", name)
		}
	}

	// The generated config must load and validate.
	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("load generated config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("generated config invalid: %v", err)
	}
	table, err := pricing.LoadFile(filepath.Join(dir, "pricing.yaml"))
	if err != nil {
		t.Fatalf("load generated price table: %v", err)
	}
	if _, ok := table.Lookup(cfg.Models.Default); !ok {
		t.Errorf("generated price table has no entry for default model %s", cfg.Models.Default)
	}
}

func TestRunInit_PreservesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "log_level: debug\n")

	if err := runInit(&bytes.Buffer{}, dir); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "log_level: debug\n" {
		t.Errorf("config.yaml overwritten: %q", got)
	}
}

func TestPricingCommand(t *testing.T) {
	dir := t.TempDir()
	priceFile := filepath.Join(dir, "pricing.yaml")
	writeFile(t, priceFile, `models:
  model-a:
    input_per_million: "3.00"
    output_per_million: "15.00"
  model-b:
    input_per_million: "1.00"
    output_per_million: "2.00"
`)
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, `models:
  default: model-a
  available:
    - name: model-c
      provider: openai
pricing:
  file: pricing.yaml
  models:
    model-b:
      input_per_million: "0.50"
      output_per_million: "1.50"
`)

	out, err := runCmd(t, "--config", cfgPath, "pricing")
	if err != nil {
		t.Fatalf("pricing: %v", err)
	}
	for _, want := range []string{"model-a  ", "3.00", "0.50", "2 models priced", "no price: model-c"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = runCmd(t, "--config", cfgPath, "-o", "json", "pricing")
	if err != nil {
		t.Fatalf("pricing json: %v", err)
	}
	var got struct {
		Models   []priceJSON `json:"models"`
		Unpriced []string    `json:"unpriced"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Models) != 2 || got.Models[1].Model != "model-b" || got.Models[1].InputPerMillion != "0.5" {
		t.Errorf("models = %+v, want inline entry to override the file", got.Models)
	}
	if len(got.Unpriced) != 1 || got.Unpriced[0] != "model-c" {
		t.Errorf("unpriced = %v", got.Unpriced)
	}
}

func TestPricingCommand_BadFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, "pricing:\n  file: "+filepath.Join(dir, "missing.yaml")+"\n")
	if _, err := runCmd(t, "--config", cfgPath, "pricing"); err == nil {
		t.Error("missing price file accepted")
	}
}

func seedLedger(t *testing.T, dsn string) {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open("sqlite", dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store, err := usage.NewStore(ctx, db, nil)
	if err != nil {
		t.Fatal(err)
	}

	cost := decimal.RequireFromString("0.0123")
	rows := []*usage.Request{
		{ID: "r1", SessionID: "s1", TenantID: "acme", Model: "model-a", InputTokens: 1000, OutputTokens: 100, Cost: &cost, CostSource: pricing.SourceComputedFallback},
		{ID: "r2", SessionID: "s1", TenantID: "acme", Model: "model-b", InputTokens: 500, OutputTokens: 50, CostSource: pricing.SourceUnknown},
		{ID: "r3", SessionID: "s2", TenantID: "globex", Model: "model-a", InputTokens: 2000, OutputTokens: 200, Cost: &cost, CostSource: pricing.SourceProviderReported},
	}
	for _, r := range rows {
		if err := store.Insert(ctx, r); err != nil {
			t.Fatalf("insert %s: %v", r.ID, err)
		}
	}
}

func TestUsageCommand(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "ledger.db")
	seedLedger(t, dsn)

	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, "database:\n  driver: sqlite\n  dsn: "+dsn+"\n")

	tests := []struct {
		name        string
		args        []string
		wantReqs    float64
		wantCost    any
		wantUnknown float64
	}{
		{"all", nil, 3, nil, 1},
		{"session with unknown", []string{"--session", "s1"}, 2, nil, 1},
		{"tenant fully priced", []string{"--tenant", "globex"}, 1, "0.0123", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--config", cfgPath, "-o", "json", "usage"}, tt.args...)
			out, err := runCmd(t, args...)
			if err != nil {
				t.Fatalf("usage: %v", err)
			}
			var report struct {
				Total map[string]any `json:"total"`
			}
			if err := json.Unmarshal([]byte(out), &report); err != nil {
				t.Fatalf("not JSON: %v\n%s", err, out)
			}
			if report.Total["requests"] != tt.wantReqs {
				t.Errorf("requests = %v, want %v", report.Total["requests"], tt.wantReqs)
			}
			if report.Total["cost"] != tt.wantCost {
				t.Errorf("cost = %v, want %v", report.Total["cost"], tt.wantCost)
			}
			if report.Total["unknown_requests"] != tt.wantUnknown {
				t.Errorf("unknown_requests = %v, want %v", report.Total["unknown_requests"], tt.wantUnknown)
			}
		})
	}
}

func TestUsageReconcileCommand(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "ledger.db")
	seedLedger(t, dsn)

	ctx := context.Background()
	db, err := database.Open("sqlite", dsn)
	if err != nil {
		t.Fatal(err)
	}
	store, err := usage.NewStore(ctx, db, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Insert(ctx, &usage.Request{
		ID: "r4", SessionID: "s3", TenantID: "acme", Model: "model-a",
		InputTokens: 90, OutputTokens: 12, CostSource: pricing.SourceUnknown,
		Estimated: true, NeedsReconciliation: true, Partial: true,
	}); err != nil {
		t.Fatal(err)
	}
	db.Close()

	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, `database:
  driver: sqlite
  dsn: `+dsn+`
pricing:
  models:
    model-a:
      input_per_million: "3.00"
      output_per_million: "15.00"
`)

	out, err := runCmd(t, "--config", cfgPath, "-o", "json", "usage", "reconcile")
	if err != nil {
		t.Fatalf("usage reconcile: %v", err)
	}
	var listed struct {
		Requests []map[string]any `json:"requests"`
	}
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("not JSON: %v\n%s", err, out)
	}
	if len(listed.Requests) != 1 || listed.Requests[0]["id"] != "r4" {
		t.Fatalf("listed = %+v, want only r4", listed.Requests)
	}

	if _, err := runCmd(t, "--config", cfgPath, "usage", "reconcile", "r4", "--output", "100"); err == nil {
		t.Error("amend without --input accepted")
	}

	out, err = runCmd(t, "--config", cfgPath, "usage", "reconcile", "r4", "--input", "1000", "--output", "100")
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	for _, want := range []string{"Amended r4", "$0.0045 (computed-fallback)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = runCmd(t, "--config", cfgPath, "usage", "reconcile")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No requests awaiting reconciliation") {
		t.Errorf("after amend:\n%s", out)
	}

	if _, err := runCmd(t, "--config", cfgPath, "usage", "reconcile", "r4", "--input", "1", "--output", "1"); !errors.Is(err, usage.ErrNotAmendable) {
		t.Errorf("second amend err = %v, want ErrNotAmendable", err)
	}
}

type fakeReporter struct {
	total   *usage.Summary
	byModel map[string]*usage.Summary
	filter  usage.Filter
}

func (f *fakeReporter) Summary(_ context.Context, filter usage.Filter) (*usage.Summary, error) {
	f.filter = filter
	return f.total, nil
}

func (f *fakeReporter) SummaryByModel(context.Context, usage.Filter) (map[string]*usage.Summary, error) {
	return f.byModel, nil
}

func TestReportUsage_Text(t *testing.T) {
	priced := &usage.Summary{Requests: 2, InputTokens: 1_500_000, OutputTokens: 2_000, KnownCost: decimal.RequireFromString("4.53")}
	unknown := &usage.Summary{Requests: 1, InputTokens: 100, OutputTokens: 10, UnknownRequests: 1}
	total := &usage.Summary{Requests: 3, InputTokens: 1_500_100, OutputTokens: 2_010, KnownCost: decimal.RequireFromString("4.53"), UnknownRequests: 1}
	store := &fakeReporter{total: total, byModel: map[string]*usage.Summary{"model-b": unknown, "model-a": priced}}

	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	var buf bytes.Buffer
	q := usageQuery{period: "today", session: "s1", byModel: true, now: now}
	if err := reportUsage(context.Background(), &buf, "text", store, q); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	for _, want := range []string{
		"Usage (today, session s1)",
		"Input tokens:  1.50M",
		"Cost:          ≥ $4.530000 (+1 unknown)",
		"$4.530000",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if a, b := strings.Index(out, "model-a"), strings.Index(out, "model-b"); a < 0 || b < a {
		t.Errorf("models not sorted:\n%s", out)
	}

	wantStart := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	if store.filter.SessionID != "s1" || !store.filter.Start.Equal(wantStart) {
		t.Errorf("filter = %+v", store.filter)
	}
}

func TestServe_StartsAndStops(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, fmt.Sprintf(`listen:
  address: 127.0.0.1
  port: %d
database:
  driver: sqlite
  dsn: serve.db
models:
  default: model-a
pricing:
  models:
    model-a:
      input_per_million: "3.00"
      output_per_million: "15.00"
`, port))

	ctx, cancel := context.WithCancel(context.Background())
	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, &stdout, &stderr, []string{"--config", cfgPath, "serve"})
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}

	// The relative DSN lands next to the config file.
	if _, err := os.Stat(filepath.Join(dir, "serve.db")); err != nil {
		t.Errorf("database not created beside config: %v", err)
	}
	if !strings.Contains(stdout.String(), "Concierge stopped") {
		t.Errorf("missing shutdown log:\n%s", stdout.String())
	}
}
