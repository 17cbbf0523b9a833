// Package memory persists sessions and their messages. Messages carry
// only user and assistant content; behavioural instructions are
// configuration and are never written here.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/nugget/concierge/internal/database"
	"github.com/nugget/concierge/internal/usage"
)

var tracer = otel.Tracer("github.com/nugget/concierge/internal/memory")

// Stored message roles.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "tool-result"
)

var (
	// ErrSessionNotFound means no session has the requested id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionMismatch means a session id is already bound to a
	// different tenant or agent.
	ErrSessionMismatch = errors.New("session belongs to another tenant or agent")
)

// Session is a conversation thread for one tenant and one agent.
type Session struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	AgentID        string    `json:"agent_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Message is one stored turn.
type Message struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Seq       int64        `json:"seq"`
	Role      string       `json:"role"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
	RequestID string       `json:"request_id,omitempty"`
	Meta      *MessageMeta `json:"meta,omitempty"`
}

// MessageMeta is auxiliary, queryable data attached to a message. It
// is never used to rebuild the conversation.
type MessageMeta struct {
	ToolCalls    []usage.ToolCall      `json:"tool_calls,omitempty"`
	Breakdown    []usage.PromptSection `json:"prompt_breakdown,omitempty"`
	Model        string                `json:"model,omitempty"`
	InputTokens  int                   `json:"input_tokens,omitempty"`
	OutputTokens int                   `json:"output_tokens,omitempty"`
	Cost         string                `json:"cost,omitempty"`
	CostSource   string                `json:"cost_source,omitempty"`
	Partial      bool                  `json:"partial,omitempty"`
	Degraded     bool                  `json:"degraded,omitempty"`
}

// Store persists sessions and messages.
type Store struct {
	db     *database.DB
	logger *slog.Logger
}

// NewStore creates the store and its schema.
func NewStore(ctx context.Context, db *database.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger.With("component", "memory")}
	if err := db.Migrate(ctx, schema(db.Dialect())); err != nil {
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}
	return s, nil
}

func schema(d database.Dialect) []string {
	jsonType := "TEXT"
	if d == database.Postgres {
		jsonType = "JSONB"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			agent_id         TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			last_activity_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id, agent_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq        INTEGER NOT NULL,
			role       TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'tool-result')),
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL,
			request_id TEXT,
			meta       %s,
			UNIQUE (session_id, seq)
		)`, jsonType),
		`CREATE INDEX IF NOT EXISTS idx_messages_request ON messages(request_id)`,
	}
}

// EnsureSession returns the session with s.ID, creating it on first
// use. An existing session bound to another tenant or agent returns
// [ErrSessionMismatch].
func (st *Store) EnsureSession(ctx context.Context, s Session) (*Session, error) {
	if s.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate session ID: %w", err)
		}
		s.ID = id.String()
	}
	now := time.Now()

	_, err := st.db.Q(ctx).ExecContext(ctx, st.db.Rebind(`
		INSERT INTO sessions (id, tenant_id, agent_id, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		s.ID, s.TenantID, s.AgentID, database.FormatTime(now), database.FormatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	got, err := st.GetSession(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	if got.TenantID != s.TenantID || got.AgentID != s.AgentID {
		return nil, fmt.Errorf("%s: %w", s.ID, ErrSessionMismatch)
	}
	return got, nil
}

// GetSession loads a session by id.
func (st *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	var created, active string
	err := st.db.Q(ctx).QueryRowContext(ctx, st.db.Rebind(`
		SELECT id, tenant_id, agent_id, created_at, last_activity_at
		FROM sessions WHERE id = ?`), id,
	).Scan(&s.ID, &s.TenantID, &s.AgentID, &created, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.CreatedAt, _ = database.ParseTime(created)
	s.LastActivityAt, _ = database.ParseTime(active)
	return &s, nil
}

// Touch records activity on a session. It is the only mutation a
// session ever sees.
func (st *Store) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := st.db.Q(ctx).ExecContext(ctx, st.db.Rebind(
		`UPDATE sessions SET last_activity_at = ? WHERE id = ?`),
		database.FormatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return nil
}

// Append stores m at the end of its session. ID, Seq and CreatedAt are
// assigned when zero. Messages are immutable once appended.
func (st *Store) Append(ctx context.Context, m *Message) error {
	ctx, span := tracer.Start(ctx, "memory.Store.Append")
	defer span.End()

	if m.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate message ID: %w", err)
		}
		m.ID = id.String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleToolResult:
	default:
		return fmt.Errorf("invalid message role %q", m.Role)
	}

	q := st.db.Q(ctx)
	if m.Seq == 0 {
		if err := q.QueryRowContext(ctx, st.db.Rebind(
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`), m.SessionID,
		).Scan(&m.Seq); err != nil {
			return fmt.Errorf("next message seq: %w", err)
		}
	}

	var meta any
	if m.Meta != nil {
		b, err := json.Marshal(m.Meta)
		if err != nil {
			return fmt.Errorf("marshal message meta: %w", err)
		}
		meta = string(b)
	}
	var requestID any
	if m.RequestID != "" {
		requestID = m.RequestID
	}

	_, err := q.ExecContext(ctx, st.db.Rebind(`
		INSERT INTO messages (id, session_id, seq, role, content, created_at, request_id, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.SessionID, m.Seq, m.Role, m.Content, database.FormatTime(m.CreatedAt), requestID, meta,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Messages returns a session's messages in their total order.
func (st *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := st.db.Q(ctx).QueryContext(ctx, st.db.Rebind(`
		SELECT id, session_id, seq, role, content, created_at, request_id, meta
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m         Message
			created   string
			requestID sql.NullString
			meta      sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &created, &requestID, &meta); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.CreatedAt, err = database.ParseTime(created); err != nil {
			return nil, fmt.Errorf("parse message time: %w", err)
		}
		m.RequestID = requestID.String
		if meta.Valid && meta.String != "" {
			m.Meta = &MessageMeta{}
			if err := json.Unmarshal([]byte(meta.String), m.Meta); err != nil {
				return nil, fmt.Errorf("decode message meta: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Stats returns counts for the health endpoint.
func (st *Store) Stats(ctx context.Context) (map[string]any, error) {
	var sessions, messages int
	if err := st.db.Q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&sessions); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	if err := st.db.Q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&messages); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	return map[string]any{"sessions": sessions, "messages": messages}, nil
}
