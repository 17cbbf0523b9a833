package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/nugget/concierge/internal/database"
	"github.com/nugget/concierge/internal/pricing"
)

var tracer = otel.Tracer("github.com/nugget/concierge/internal/usage")

// Store persists llm_requests rows. Writes go through the transaction
// carried in ctx when there is one, so a row can commit together with
// the messages it paid for.
type Store struct {
	db     *database.DB
	logger *slog.Logger
}

// NewStore creates the store and its schema.
func NewStore(ctx context.Context, db *database.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger.With("component", "usage_store")}
	if err := db.Migrate(ctx, schema(db.Dialect())); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func schema(d database.Dialect) []string {
	costType, jsonType := "TEXT", "TEXT"
	if d == database.Postgres {
		costType, jsonType = "NUMERIC(24,10)", "JSONB"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS llm_requests (
			id                   TEXT PRIMARY KEY,
			session_id           TEXT NOT NULL,
			tenant_id            TEXT NOT NULL DEFAULT '',
			model                TEXT NOT NULL,
			provider             TEXT NOT NULL DEFAULT '',
			input_tokens         INTEGER NOT NULL,
			output_tokens        INTEGER NOT NULL,
			cost                 %s,
			cost_source          TEXT NOT NULL CHECK (cost_source IN ('provider-reported', 'computed-fallback', 'unknown')),
			latency_ms           INTEGER NOT NULL DEFAULT 0,
			rounds               INTEGER NOT NULL DEFAULT 1,
			estimated            BOOLEAN NOT NULL DEFAULT FALSE,
			needs_reconciliation BOOLEAN NOT NULL DEFAULT FALSE,
			partial              BOOLEAN NOT NULL DEFAULT FALSE,
			breakdown            %s,
			tool_calls           %s,
			created_at           TEXT NOT NULL,
			amended_at           TEXT,
			CHECK ((cost_source = 'unknown') = (cost IS NULL))
		)`, costType, jsonType, jsonType),
		`CREATE INDEX IF NOT EXISTS idx_llm_requests_session ON llm_requests(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_llm_requests_created ON llm_requests(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_llm_requests_source ON llm_requests(cost_source)`,
	}
}

// Insert writes r. A duplicate id returns [ErrDuplicate].
func (s *Store) Insert(ctx context.Context, r *Request) error {
	ctx, span := tracer.Start(ctx, "usage.Store.Insert")
	defer span.End()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if err := r.Validate(); err != nil {
		return err
	}

	breakdown, err := json.Marshal(r.Breakdown)
	if err != nil {
		return fmt.Errorf("marshal breakdown: %w", err)
	}
	toolCalls, err := json.Marshal(r.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}

	_, err = s.db.Q(ctx).ExecContext(ctx, s.db.Rebind(`
		INSERT INTO llm_requests
			(id, session_id, tenant_id, model, provider, input_tokens, output_tokens,
			 cost, cost_source, latency_ms, rounds, estimated, needs_reconciliation,
			 partial, breakdown, tool_calls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.SessionID, r.TenantID, r.Model, r.Provider,
		r.InputTokens, r.OutputTokens,
		costValue(r.Cost), string(r.CostSource),
		r.LatencyMS, r.Rounds,
		r.Estimated, r.NeedsReconciliation, r.Partial,
		string(breakdown), string(toolCalls),
		database.FormatTime(r.CreatedAt),
	)
	if err != nil {
		span.RecordError(err)
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%s: %w", r.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert llm request: %w", err)
	}
	return nil
}

func costValue(c *decimal.Decimal) any {
	if c == nil {
		return nil
	}
	return pricing.Round(*c).String()
}

// Exists reports whether a row with id is stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.Q(ctx).QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM llm_requests WHERE id = ?`), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check llm request: %w", err)
	}
	return n > 0, nil
}

const requestColumns = `id, session_id, tenant_id, model, provider, input_tokens, output_tokens,
	cost, cost_source, latency_ms, rounds, estimated, needs_reconciliation, partial,
	breakdown, tool_calls, created_at, amended_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	var (
		r                    Request
		cost, amended        sql.NullString
		breakdown, toolCalls sql.NullString
		source, created      string
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.TenantID, &r.Model, &r.Provider,
		&r.InputTokens, &r.OutputTokens, &cost, &source, &r.LatencyMS, &r.Rounds,
		&r.Estimated, &r.NeedsReconciliation, &r.Partial,
		&breakdown, &toolCalls, &created, &amended); err != nil {
		return nil, err
	}

	r.CostSource = pricing.CostSource(source)
	if cost.Valid {
		d, err := decimal.NewFromString(cost.String)
		if err != nil {
			return nil, fmt.Errorf("parse cost %q: %w", cost.String, err)
		}
		r.Cost = &d
	}
	if breakdown.Valid && breakdown.String != "" {
		if err := json.Unmarshal([]byte(breakdown.String), &r.Breakdown); err != nil {
			return nil, fmt.Errorf("decode breakdown: %w", err)
		}
	}
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &r.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	var err error
	if r.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if amended.Valid {
		t, err := database.ParseTime(amended.String)
		if err != nil {
			return nil, fmt.Errorf("parse amended_at: %w", err)
		}
		r.AmendedAt = &t
	}
	return &r, nil
}

// Get loads one row.
func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.Q(ctx).QueryRowContext(ctx, s.db.Rebind(`SELECT `+requestColumns+` FROM llm_requests WHERE id = ?`), id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get llm request: %w", err)
	}
	return r, nil
}

// ListBySession returns a session's rows in creation order.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]*Request, error) {
	return s.list(ctx, `SELECT `+requestColumns+` FROM llm_requests WHERE session_id = ? ORDER BY created_at, id`, sessionID)
}

// Unreconciled returns up to limit rows still waiting for an
// authoritative cost, oldest first.
func (s *Store) Unreconciled(ctx context.Context, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, `SELECT `+requestColumns+` FROM llm_requests WHERE needs_reconciliation = ? ORDER BY created_at LIMIT ?`, true, limit)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Request, error) {
	rows, err := s.db.Q(ctx).QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query llm requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan llm request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Amend replaces the usage of a row whose cost is still unknown with
// authoritative figures. The row keeps its id; no new row is written.
// A row with a known cost returns [ErrNotAmendable].
func (s *Store) Amend(ctx context.Context, id string, a Amendment) error {
	ctx, span := tracer.Start(ctx, "usage.Store.Amend")
	defer span.End()

	if a.Source == pricing.SourceUnknown || !a.Source.Valid() {
		return fmt.Errorf("%w: cost source must be known, got %q", ErrInvalidAmendment, a.Source)
	}
	if a.InputTokens < 0 || a.OutputTokens < 0 || a.Cost.IsNegative() {
		return fmt.Errorf("%w: negative usage", ErrInvalidAmendment)
	}

	res, err := s.db.Q(ctx).ExecContext(ctx, s.db.Rebind(`
		UPDATE llm_requests
		SET input_tokens = ?, output_tokens = ?, cost = ?, cost_source = ?,
		    estimated = ?, needs_reconciliation = ?, amended_at = ?
		WHERE id = ? AND cost_source = ?`),
		a.InputTokens, a.OutputTokens, pricing.Round(a.Cost).String(), string(a.Source),
		false, false, database.FormatTime(time.Now()),
		id, string(pricing.SourceUnknown),
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("amend llm request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("amend llm request: %w", err)
	}
	if n == 1 {
		s.logger.Info("llm request amended", "request", id, "source", a.Source, "cost", a.Cost.String())
		return nil
	}

	exists, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", id, ErrNotAmendable)
}

func (f Filter) where() (string, []any) {
	clause := "WHERE 1 = 1"
	var args []any
	if f.SessionID != "" {
		clause += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.TenantID != "" {
		clause += " AND tenant_id = ?"
		args = append(args, f.TenantID)
	}
	if !f.Start.IsZero() {
		clause += " AND created_at >= ?"
		args = append(args, database.FormatTime(f.Start))
	}
	if !f.End.IsZero() {
		clause += " AND created_at < ?"
		args = append(args, database.FormatTime(f.End))
	}
	return clause, args
}

// Summary aggregates the rows matching f.
func (s *Store) Summary(ctx context.Context, f Filter) (*Summary, error) {
	grouped, err := s.summaryGroupedBy(ctx, "''", f)
	if err != nil {
		return nil, err
	}
	if sum, ok := grouped[""]; ok {
		return sum, nil
	}
	return &Summary{}, nil
}

// SummaryByModel aggregates the rows matching f per model.
func (s *Store) SummaryByModel(ctx context.Context, f Filter) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", f)
}

// SummaryBySession aggregates the rows matching f per session.
func (s *Store) SummaryBySession(ctx context.Context, f Filter) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "session_id", f)
}

// summaryGroupedBy sums costs in Go rather than SQL: SQLite would sum
// the TEXT costs as floats.
func (s *Store) summaryGroupedBy(ctx context.Context, column string, f Filter) (map[string]*Summary, error) {
	where, args := f.where()
	// column is always a constant from our own methods, never user input.
	query := fmt.Sprintf(`SELECT %s, input_tokens, output_tokens, cost, cost_source FROM llm_requests %s`, column, where)

	rows, err := s.db.Q(ctx).QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var (
			key     string
			in, out int64
			cost    sql.NullString
			source  string
		)
		if err := rows.Scan(&key, &in, &out, &cost, &source); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		var c *decimal.Decimal
		if cost.Valid {
			d, err := decimal.NewFromString(cost.String)
			if err != nil {
				return nil, fmt.Errorf("parse cost %q: %w", cost.String, err)
			}
			c = &d
		}
		sum, ok := result[key]
		if !ok {
			sum = &Summary{}
			result[key] = sum
		}
		sum.add(in, out, c, pricing.CostSource(source))
	}
	return result, rows.Err()
}
