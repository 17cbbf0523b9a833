// Package ledger commits a completed turn: the llm_requests row and
// the user/assistant message pair it paid for are written in one
// transaction, so a message is never stored without its ledger entry
// and a ledger entry never exists without its message.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/concierge/internal/database"
	"github.com/nugget/concierge/internal/events"
	"github.com/nugget/concierge/internal/memory"
	"github.com/nugget/concierge/internal/metrics"
	"github.com/nugget/concierge/internal/pricing"
	"github.com/nugget/concierge/internal/usage"
)

// ErrAlreadyCommitted means the turn's request id is already in the
// ledger. A retried commit that hits it has nothing left to do.
var ErrAlreadyCommitted = errors.New("turn already committed")

// Turn is everything one completed turn persists.
type Turn struct {
	Session   memory.Session
	Request   *usage.Request
	User      *memory.Message
	Assistant *memory.Message
}

// Writer commits turns and amends their ledger rows.
type Writer struct {
	db       *database.DB
	requests *usage.Store
	messages *memory.Store
	bus      *events.Bus
	logger   *slog.Logger
}

// NewWriter creates a Writer. bus may be nil.
func NewWriter(db *database.DB, requests *usage.Store, messages *memory.Store, bus *events.Bus, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		db:       db,
		requests: requests,
		messages: messages,
		bus:      bus,
		logger:   logger.With("component", "ledger"),
	}
}

// Commit writes t atomically. The request id is the idempotency key:
// committing the same turn twice returns [ErrAlreadyCommitted] and
// changes nothing.
func (w *Writer) Commit(ctx context.Context, t Turn) error {
	if t.Request == nil || t.User == nil || t.Assistant == nil {
		return fmt.Errorf("commit: turn is missing its request or messages")
	}
	req := t.Request
	if req.SessionID == "" {
		req.SessionID = t.Session.ID
	}
	if req.SessionID != t.Session.ID {
		return fmt.Errorf("commit: request session %q does not match %q", req.SessionID, t.Session.ID)
	}

	err := w.db.WithTransaction(ctx, func(ctx context.Context) error {
		exists, err := w.requests.Exists(ctx, req.ID)
		if err != nil {
			return err
		}
		if exists {
			return ErrAlreadyCommitted
		}

		if _, err := w.messages.EnsureSession(ctx, t.Session); err != nil {
			return err
		}
		if err := w.requests.Insert(ctx, req); err != nil {
			if errors.Is(err, usage.ErrDuplicate) {
				return ErrAlreadyCommitted
			}
			return err
		}

		t.User.SessionID = t.Session.ID
		t.User.Role = memory.RoleUser
		if err := w.messages.Append(ctx, t.User); err != nil {
			return fmt.Errorf("append user message: %w", err)
		}

		t.Assistant.SessionID = t.Session.ID
		t.Assistant.Role = memory.RoleAssistant
		t.Assistant.RequestID = req.ID
		if err := w.messages.Append(ctx, t.Assistant); err != nil {
			return fmt.Errorf("append assistant message: %w", err)
		}

		return w.messages.Touch(ctx, t.Session.ID, t.Assistant.CreatedAt)
	})
	if errors.Is(err, ErrAlreadyCommitted) {
		w.logger.Info("turn already committed", "request", req.ID, "session", t.Session.ID)
		return fmt.Errorf("%s: %w", req.ID, ErrAlreadyCommitted)
	}
	if err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}

	metrics.ObserveLedgerRow(req.Model, string(req.CostSource), int64(req.InputTokens), int64(req.OutputTokens), req.Cost)
	w.logger.Debug("turn committed",
		"request", req.ID,
		"session", req.SessionID,
		"model", req.Model,
		"input_tokens", req.InputTokens,
		"output_tokens", req.OutputTokens,
		"cost_source", req.CostSource,
	)
	if req.CostSource == pricing.SourceUnknown {
		w.bus.Emit(events.SourceLedger, events.KindUnknownCost, map[string]any{
			"request_id":    req.ID,
			"session_id":    req.SessionID,
			"model":         req.Model,
			"input_tokens":  req.InputTokens,
			"output_tokens": req.OutputTokens,
			"estimated":     req.Estimated,
		})
	}
	return nil
}

// Amend records late authoritative usage on a row whose cost was
// unknown when it was committed. The same row is updated; rows with a
// known cost return [usage.ErrNotAmendable].
func (w *Writer) Amend(ctx context.Context, requestID string, a usage.Amendment) error {
	if err := w.requests.Amend(ctx, requestID, a); err != nil {
		return err
	}
	w.bus.Emit(events.SourceLedger, events.KindAmended, map[string]any{
		"request_id":    requestID,
		"input_tokens":  a.InputTokens,
		"output_tokens": a.OutputTokens,
		"cost":          pricing.Round(a.Cost).String(),
		"cost_source":   string(a.Source),
	})
	return nil
}
