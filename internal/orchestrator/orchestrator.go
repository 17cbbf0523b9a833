// Package orchestrator is the per-message entry point. It serializes
// turns within a session, rebuilds the conversation, runs the turn
// executor, prices the usage and commits the result, converting every
// failure into an ordinary assistant reply.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/concierge/internal/agent"
	"github.com/nugget/concierge/internal/events"
	"github.com/nugget/concierge/internal/history"
	"github.com/nugget/concierge/internal/ledger"
	"github.com/nugget/concierge/internal/memory"
	"github.com/nugget/concierge/internal/metrics"
	"github.com/nugget/concierge/internal/persona"
	"github.com/nugget/concierge/internal/pricing"
	"github.com/nugget/concierge/internal/sessionlock"
	"github.com/nugget/concierge/internal/tools"
	"github.com/nugget/concierge/internal/usage"
)

var tracer = otel.Tracer("github.com/nugget/concierge/internal/orchestrator")

// ErrInvalidRequest means a turn request is missing required fields.
var ErrInvalidRequest = errors.New("invalid turn request")

// State is a turn's position in its lifecycle.
type State string

// Turn states, in order. Persisted and failed are terminal.
const (
	StateReceived      State = "received"
	StateHistoryLoaded State = "history-loaded"
	StateExecuting     State = "executing"
	StateUsageResolved State = "usage-resolved"
	StatePersisted     State = "persisted"
	StateFailed        State = "failed"
)

// Failure reasons reported on failed turns.
const (
	FailureHistory        = "history"
	FailureReconstruction = "reconstruction"
	FailureToolLoop       = "tool_loop_exceeded"
	FailureProvider       = "provider"
	FailureCancelled      = "cancelled"
	FailurePersistence    = "persistence"
)

const (
	apologyText = "I'm sorry, something went wrong while handling your message. Please try again."

	toolLoopApology = "I'm sorry, I wasn't able to finish looking that up. Could you try asking in a different way?"

	degradedText = "I'm having trouble reaching my language service right now, so this answer may be incomplete. Please try again in a moment."
)

// TurnRequest is one inbound user message.
type TurnRequest struct {
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id"`
	// AgentID selects the persona. Empty means the session's existing
	// agent, or the default persona for a new session.
	AgentID  string `json:"agent_id,omitempty"`
	UserText string `json:"text"`
}

// Usage is the priced usage of a persisted turn. Cost is nil when the
// source is unknown.
type Usage struct {
	InputTokens  int                `json:"input_tokens"`
	OutputTokens int                `json:"output_tokens"`
	Cost         *decimal.Decimal   `json:"cost"`
	CostSource   pricing.CostSource `json:"cost_source"`
	Estimated    bool               `json:"estimated,omitempty"`
}

// TurnResponse is the outcome of a turn. Content is always a
// user-presentable assistant reply, including on failure.
type TurnResponse struct {
	TurnID    string           `json:"turn_id"`
	SessionID string           `json:"session_id"`
	Content   string           `json:"content"`
	Model     string           `json:"model,omitempty"`
	ToolCalls []usage.ToolCall `json:"tool_calls"`
	// Usage is nil for failed turns, which are never billed.
	Usage    *Usage `json:"usage,omitempty"`
	State    State  `json:"state"`
	Partial  bool   `json:"partial,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	Failure  string `json:"failure,omitempty"`
}

// EventKind distinguishes stream events.
type EventKind string

// Stream event kinds.
const (
	EventDelta EventKind = "delta"
	EventDone  EventKind = "done"
)

// Event is one item on a turn stream. Exactly one EventDone ends every
// stream the caller stays connected for.
type Event struct {
	Kind     EventKind     `json:"kind"`
	Delta    string        `json:"delta,omitempty"`
	Response *TurnResponse `json:"response,omitempty"`
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Messages *memory.Store
	Requests *usage.Store
	Ledger   *ledger.Writer
	Personas *persona.Loader
	// Tools holds every tool; each persona sees its allow-listed subset.
	Tools    *tools.Registry
	Executor *agent.Executor
	Pricing  *pricing.Resolver
	// Locks serializes turns per session. Nil uses an in-process lock.
	Locks  sessionlock.Locker
	Bus    *events.Bus
	Logger *slog.Logger

	DefaultModel string
	// ProviderFor names the provider serving a model, for the ledger.
	ProviderFor func(model string) string
}

// Orchestrator runs turns. It is safe for concurrent use; turns in
// different sessions run fully in parallel.
type Orchestrator struct {
	messages     *memory.Store
	requests     *usage.Store
	ledger       *ledger.Writer
	personas     *persona.Loader
	tools        *tools.Registry
	executor     *agent.Executor
	pricing      *pricing.Resolver
	locks        sessionlock.Locker
	bus          *events.Bus
	logger       *slog.Logger
	defaultModel string
	providerFor  func(string) string
}

// New creates an orchestrator.
func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Locks == nil {
		d.Locks = sessionlock.NewLocal()
	}
	if d.ProviderFor == nil {
		d.ProviderFor = func(string) string { return "" }
	}
	return &Orchestrator{
		messages:     d.Messages,
		requests:     d.Requests,
		ledger:       d.Ledger,
		personas:     d.Personas,
		tools:        d.Tools,
		executor:     d.Executor,
		pricing:      d.Pricing,
		locks:        d.Locks,
		bus:          d.Bus,
		logger:       d.Logger.With("component", "orchestrator"),
		defaultModel: d.DefaultModel,
		providerFor:  d.ProviderFor,
	}
}

// turn is the working state of one accepted request.
type turn struct {
	id       string
	req      TurnRequest
	mode     string
	received time.Time
	started  time.Time // session lock acquired
	state    State

	session memory.Session
	// existing is false for a session created by this turn.
	existing bool
	persona  *persona.Persona
	model    string

	span   trace.Span
	unlock func()
}

// SubmitTurn runs a buffered turn. A returned error means the request
// was rejected before the turn started (invalid fields, a session
// bound to another tenant or agent, an unknown persona, or ctx ending
// while waiting behind another turn). Every other outcome, failures
// included, is a TurnResponse.
func (o *Orchestrator) SubmitTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	ctx, t, err := o.begin(ctx, req, "buffered")
	if err != nil {
		return nil, err
	}
	defer t.unlock()
	return o.run(ctx, t, nil), nil
}

// SubmitTurnStream runs a streamed turn. Assistant text arrives as
// EventDelta events followed by one EventDone carrying the response.
// The channel is closed when the turn has finished, including its
// persistence, even if ctx ended first.
//
// The session lock is taken before SubmitTurnStream returns, so turns
// submitted in order are applied in order.
func (o *Orchestrator) SubmitTurnStream(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	ctx, t, err := o.begin(ctx, req, "stream")
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		defer t.unlock()

		var delivered strings.Builder
		send := func(delta string) {
			select {
			case ch <- Event{Kind: EventDelta, Delta: delta}:
				delivered.WriteString(delta)
			case <-ctx.Done():
			}
		}

		resp := o.run(ctx, t, send)
		if rest := undelivered(delivered.String(), resp.Content); rest != "" && ctx.Err() == nil {
			send(rest)
		}
		select {
		case ch <- Event{Kind: EventDone, Response: resp}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// undelivered returns the part of content a stream consumer has not
// seen yet. Replacement content (an apology after partial text) is
// sent after a blank line.
func undelivered(delivered, content string) string {
	if strings.HasPrefix(content, delivered) {
		return content[len(delivered):]
	}
	if delivered == "" {
		return content
	}
	return "\n\n" + content
}

// SessionUsage aggregates a session's ledger. Unknown-cost rows are
// counted separately and never summed as zero.
func (o *Orchestrator) SessionUsage(ctx context.Context, sessionID string) (*usage.Summary, error) {
	return o.requests.Summary(ctx, usage.Filter{SessionID: sessionID})
}

// History returns a session's stored messages in order.
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]memory.Message, error) {
	if _, err := o.messages.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.messages.Messages(ctx, sessionID)
}

// begin validates req, waits for the session lock and resolves the
// session and persona. On success the caller owns t.unlock.
func (o *Orchestrator) begin(ctx context.Context, req TurnRequest, mode string) (context.Context, *turn, error) {
	if req.SessionID == "" || req.TenantID == "" {
		return ctx, nil, fmt.Errorf("%w: session_id and tenant_id are required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.UserText) == "" {
		return ctx, nil, fmt.Errorf("%w: text is empty", ErrInvalidRequest)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return ctx, nil, fmt.Errorf("generate turn ID: %w", err)
	}
	t := &turn{id: id.String(), req: req, mode: mode, received: time.Now()}

	ctx, t.span = tracer.Start(ctx, "orchestrator.turn", trace.WithAttributes(
		attribute.String("turn.id", t.id),
		attribute.String("session.id", req.SessionID),
		attribute.String("tenant.id", req.TenantID),
		attribute.String("mode", mode),
	))
	o.advance(t, StateReceived)

	reject := func(err error) (context.Context, *turn, error) {
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, "rejected")
		t.span.End()
		o.logger.Info("turn rejected", "turn", t.id, "session", req.SessionID, "error", err)
		return ctx, nil, err
	}

	unlock, err := o.locks.Lock(ctx, req.SessionID)
	if err != nil {
		return reject(fmt.Errorf("wait for session %s: %w", req.SessionID, err))
	}
	t.unlock = unlock
	t.started = time.Now()

	existing, err := o.messages.GetSession(ctx, req.SessionID)
	switch {
	case err == nil:
		if existing.TenantID != req.TenantID || (req.AgentID != "" && existing.AgentID != req.AgentID) {
			unlock()
			return reject(fmt.Errorf("%s: %w", req.SessionID, memory.ErrSessionMismatch))
		}
		t.session = *existing
		t.existing = true
	case errors.Is(err, memory.ErrSessionNotFound):
		agentID := req.AgentID
		if agentID == "" {
			agentID = persona.DefaultID
		}
		t.session = memory.Session{ID: req.SessionID, TenantID: req.TenantID, AgentID: agentID}
	default:
		unlock()
		return reject(fmt.Errorf("load session: %w", err))
	}

	// Personas are read per turn so edits apply without a restart.
	p, err := o.personas.Load(t.session.AgentID)
	if err != nil {
		unlock()
		return reject(err)
	}
	t.persona = p
	t.model = p.Model
	if t.model == "" {
		t.model = o.defaultModel
	}
	if t.model == "" {
		unlock()
		return reject(fmt.Errorf("%w: no model configured for persona %s", ErrInvalidRequest, p.ID))
	}
	t.span.SetAttributes(attribute.String("persona", p.ID), attribute.String("model", t.model))
	return ctx, t, nil
}

// run drives an accepted turn to a terminal state.
func (o *Orchestrator) run(ctx context.Context, t *turn, stream agent.StreamFunc) *TurnResponse {
	defer t.span.End()

	var rows []memory.Message
	if t.existing {
		var err error
		if rows, err = o.messages.Messages(ctx, t.session.ID); err != nil {
			return o.fail(t, FailureHistory, err, nil)
		}
	}
	built, err := history.Build(rows, t.persona.Instructions, t.persona.Origin(), t.req.UserText)
	if err != nil {
		return o.fail(t, FailureReconstruction, err, nil)
	}
	o.advance(t, StateHistoryLoaded)

	var reg *tools.Registry
	if o.tools != nil {
		reg = o.tools.Subset(t.persona.Tools)
	}
	o.advance(t, StateExecuting)
	res, err := o.executor.Run(tools.WithSession(ctx, t.session.ID, t.session.TenantID), agent.Input{
		TurnID:   t.id,
		Model:    t.model,
		Messages: built.Messages,
		Tools:    reg,
		Stream:   stream,
	})

	degraded := false
	var pce *agent.ProviderCallError
	switch {
	case errors.Is(err, agent.ErrToolLoopExceeded):
		return o.fail(t, FailureToolLoop, err, res)
	case errors.As(err, &pce) && res.Usage.Rounds == 0:
		return o.fail(t, FailureProvider, err, res)
	case err != nil:
		// Earlier rounds were consumed and billed; reply with what exists.
		degraded = true
		o.logger.Warn("provider failed mid-turn, sending degraded reply",
			"turn", t.id, "session", t.session.ID, "rounds", res.Usage.Rounds, "error", err)
	case res.Usage.Rounds == 0:
		return o.fail(t, FailureCancelled, ctx.Err(), res)
	}

	resolved := o.pricing.Resolve(t.model, res.Usage.Signals())
	if resolved.Err != nil {
		t.span.RecordError(resolved.Err)
	}
	o.advance(t, StateUsageResolved)

	content := res.Content
	if degraded {
		content = strings.TrimSpace(strings.Join([]string{content, degradedText}, "\n\n"))
	}

	req := &usage.Request{
		ID:                  t.id,
		SessionID:           t.session.ID,
		TenantID:            t.session.TenantID,
		Model:               t.model,
		Provider:            o.providerFor(t.model),
		InputTokens:         resolved.InputTokens,
		OutputTokens:        resolved.OutputTokens,
		Cost:                resolved.Cost,
		CostSource:          resolved.Source,
		LatencyMS:           res.Latency.Milliseconds(),
		Rounds:              res.Usage.Rounds,
		Estimated:           resolved.Estimated,
		NeedsReconciliation: resolved.NeedsReconciliation,
		Partial:             res.Partial || degraded,
		Breakdown:           append(append([]usage.PromptSection(nil), built.Breakdown...), res.Breakdown...),
		ToolCalls:           res.ToolCalls,
	}
	meta := &memory.MessageMeta{
		ToolCalls:    res.ToolCalls,
		Breakdown:    req.Breakdown,
		Model:        res.Model,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		CostSource:   string(req.CostSource),
		Partial:      req.Partial,
		Degraded:     degraded,
	}
	if req.Cost != nil {
		meta.Cost = req.Cost.String()
	}

	// A disconnect must not stop the turn from being billed.
	err = o.ledger.Commit(context.WithoutCancel(ctx), ledger.Turn{
		Session:   t.session,
		Request:   req,
		User:      &memory.Message{Content: t.req.UserText, CreatedAt: t.started},
		Assistant: &memory.Message{Content: content, CreatedAt: time.Now(), Meta: meta},
	})
	if err != nil && !errors.Is(err, ledger.ErrAlreadyCommitted) {
		return o.fail(t, FailurePersistence, err, res)
	}
	o.advance(t, StatePersisted)
	o.finish(t)

	o.bus.Emit(events.SourceOrchestrator, events.KindTurnComplete, map[string]any{
		"turn_id":       t.id,
		"session_id":    t.session.ID,
		"request_id":    req.ID,
		"model":         req.Model,
		"input_tokens":  req.InputTokens,
		"output_tokens": req.OutputTokens,
		"cost":          meta.Cost,
		"cost_source":   string(req.CostSource),
		"rounds":        req.Rounds,
		"partial":       req.Partial,
	})
	o.logger.Info("turn persisted",
		"turn", t.id,
		"session", t.session.ID,
		"model", req.Model,
		"rounds", req.Rounds,
		"tool_calls", len(req.ToolCalls),
		"input_tokens", req.InputTokens,
		"output_tokens", req.OutputTokens,
		"cost_source", req.CostSource,
		"disconnected", res.Disconnected,
		"elapsed", time.Since(t.received),
	)

	toolCalls := res.ToolCalls
	if toolCalls == nil {
		toolCalls = []usage.ToolCall{}
	}
	return &TurnResponse{
		TurnID:    t.id,
		SessionID: t.session.ID,
		Content:   content,
		Model:     res.Model,
		ToolCalls: toolCalls,
		Usage: &Usage{
			InputTokens:  req.InputTokens,
			OutputTokens: req.OutputTokens,
			Cost:         req.Cost,
			CostSource:   req.CostSource,
			Estimated:    req.Estimated,
		},
		State:    StatePersisted,
		Partial:  req.Partial,
		Degraded: degraded,
	}
}

// fail ends t without persisting anything. The usage consumed so far
// is published so it can be reconciled out of band.
func (o *Orchestrator) fail(t *turn, reason string, err error, res *agent.Result) *TurnResponse {
	if err == nil {
		err = errors.New(reason)
	}
	t.span.RecordError(err)
	t.span.SetStatus(codes.Error, reason)
	from := t.state
	o.advance(t, StateFailed)
	o.finish(t)

	o.logger.Warn("turn failed",
		"turn", t.id,
		"session", t.session.ID,
		"stage", from,
		"reason", reason,
		"error", err,
	)

	data := map[string]any{
		"turn_id":    t.id,
		"session_id": t.session.ID,
		"state":      string(from),
		"reason":     reason,
		"error":      err.Error(),
		"model":      t.model,
	}
	if res != nil {
		sig := res.Usage.Signals()
		data["rounds"] = res.Usage.Rounds
		data["input_tokens"] = sig.InputTokens + pricing.EstimateTokens(sig.PromptChars)
		data["output_tokens"] = sig.OutputTokens + pricing.EstimateTokens(sig.OutputChars)
	}
	o.bus.Emit(events.SourceOrchestrator, events.KindTurnFailed, data)

	content := apologyText
	if reason == FailureToolLoop {
		content = toolLoopApology
	}
	return &TurnResponse{
		TurnID:    t.id,
		SessionID: t.session.ID,
		Content:   content,
		Model:     t.model,
		ToolCalls: []usage.ToolCall{},
		State:     StateFailed,
		Failure:   reason,
	}
}

func (o *Orchestrator) advance(t *turn, s State) {
	t.state = s
	t.span.AddEvent(string(s))
	o.logger.Debug("turn state",
		"turn", t.id,
		"session", t.req.SessionID,
		"state", s,
		"elapsed", time.Since(t.received),
	)
	o.bus.Emit(events.SourceOrchestrator, events.KindTurnState, map[string]any{
		"turn_id":    t.id,
		"session_id": t.req.SessionID,
		"state":      string(s),
	})
}

func (o *Orchestrator) finish(t *turn) {
	metrics.TurnsTotal.WithLabelValues(string(t.state), t.mode).Inc()
	metrics.TurnDuration.WithLabelValues(t.mode).Observe(time.Since(t.received).Seconds())
}
