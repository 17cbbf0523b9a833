package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nugget/concierge/internal/orchestrator"
	"github.com/nugget/concierge/internal/pricing"
	"github.com/nugget/concierge/internal/usage"
)

// Reconciler settles ledger rows whose cost was unknown at commit time.
type Reconciler interface {
	Unreconciled(ctx context.Context, limit int) ([]*usage.Request, error)
	Reconcile(ctx context.Context, requestID string, late orchestrator.LateUsage) (*usage.Request, error)
}

// SetReconciler enables the request reconciliation endpoints.
func (s *Server) SetReconciler(r Reconciler) {
	s.reconciler = r
}

// RequestJSON is one ledger row as the API reports it. Cost is null
// while the row's cost is unknown.
type RequestJSON struct {
	ID                  string     `json:"id"`
	SessionID           string     `json:"session_id"`
	TenantID            string     `json:"tenant_id"`
	Model               string     `json:"model"`
	Provider            string     `json:"provider,omitempty"`
	InputTokens         int        `json:"input_tokens"`
	OutputTokens        int        `json:"output_tokens"`
	Cost                *string    `json:"cost"`
	CostSource          string     `json:"cost_source"`
	Estimated           bool       `json:"estimated"`
	NeedsReconciliation bool       `json:"needs_reconciliation"`
	Partial             bool       `json:"partial"`
	CreatedAt           time.Time  `json:"created_at"`
	AmendedAt           *time.Time `json:"amended_at,omitempty"`
}

// RequestView renders a ledger row for JSON output.
func RequestView(r *usage.Request) RequestJSON {
	out := RequestJSON{
		ID:                  r.ID,
		SessionID:           r.SessionID,
		TenantID:            r.TenantID,
		Model:               r.Model,
		Provider:            r.Provider,
		InputTokens:         r.InputTokens,
		OutputTokens:        r.OutputTokens,
		CostSource:          string(r.CostSource),
		Estimated:           r.Estimated,
		NeedsReconciliation: r.NeedsReconciliation,
		Partial:             r.Partial,
		CreatedAt:           r.CreatedAt,
		AmendedAt:           r.AmendedAt,
	}
	if r.Cost != nil {
		c := r.Cost.String()
		out.Cost = &c
	}
	return out
}

// amendBody carries late usage. Cost may be a JSON string or number;
// when absent the cost is computed from the price table.
type amendBody struct {
	InputTokens  *int             `json:"input_tokens"`
	OutputTokens *int             `json:"output_tokens"`
	Cost         *decimal.Decimal `json:"cost"`
}

func (s *Server) handleUnreconciled(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	rows, err := s.reconciler.Unreconciled(r.Context(), limit)
	if err != nil {
		s.reconcileError(w, err)
		return
	}
	out := make([]RequestJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, RequestView(row))
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"requests": out}, s.logger)
}

func (s *Server) handleAmend(w http.ResponseWriter, r *http.Request) {
	var body amendBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.InputTokens == nil || body.OutputTokens == nil {
		s.errorResponse(w, http.StatusBadRequest, "input_tokens and output_tokens are required")
		return
	}

	row, err := s.reconciler.Reconcile(r.Context(), r.PathValue("id"), orchestrator.LateUsage{
		InputTokens:  *body.InputTokens,
		OutputTokens: *body.OutputTokens,
		Cost:         body.Cost,
	})
	if err != nil {
		s.reconcileError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, RequestView(row), s.logger)
}

func (s *Server) reconcileError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, usage.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, usage.ErrNotAmendable):
		code = http.StatusConflict
	case errors.Is(err, usage.ErrInvalidAmendment), errors.Is(err, pricing.ErrPricingUnavailable):
		code = http.StatusUnprocessableEntity
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("reconcile failed", "error", err)
	}
	s.errorResponse(w, code, err.Error())
}
