package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func TestObserveLedgerRow_UnknownNotAddedAsZero(t *testing.T) {
	model := "test-model-unknown"
	before := testutil.ToFloat64(LLMUnknownCostTotal.WithLabelValues(model))

	ObserveLedgerRow(model, "unknown", 100, 20, nil)

	if got := testutil.ToFloat64(LLMUnknownCostTotal.WithLabelValues(model)); got != before+1 {
		t.Errorf("unknown counter = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(LLMTokensUsed.WithLabelValues(model, "input")); got < 100 {
		t.Errorf("input tokens = %v, want >= 100", got)
	}
}

func TestObserveLedgerRow_KnownCost(t *testing.T) {
	model := "test-model-known"
	cost := decimal.RequireFromString("0.0025")

	ObserveLedgerRow(model, "computed-fallback", 10, 5, &cost)

	got := testutil.ToFloat64(LLMCostTotal.WithLabelValues(model, "computed-fallback"))
	if got != 0.0025 {
		t.Errorf("cost counter = %v, want 0.0025", got)
	}
}

func TestObserveLLMCall(t *testing.T) {
	ObserveLLMCall("test-model-call", errors.New("boom"), time.Second)
	if got := testutil.ToFloat64(LLMCallTotal.WithLabelValues("test-model-call", "error")); got != 1 {
		t.Errorf("error calls = %v, want 1", got)
	}
}

func TestMiddleware(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /teapot", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := Middleware(mux)

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "GET /teapot", "418"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/teapot", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "GET /teapot", "418")); got != before+1 {
		t.Errorf("requests_total = %v, want %v", got, before+1)
	}
}
