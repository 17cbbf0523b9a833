// Package agent drives one turn against a model: the tool-call loop,
// buffered and streamed delivery, retry of failed buffered calls and
// metering of every call's usage.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/concierge/internal/events"
	"github.com/nugget/concierge/internal/llm"
	"github.com/nugget/concierge/internal/metrics"
	"github.com/nugget/concierge/internal/tools"
	"github.com/nugget/concierge/internal/usage"
)

var tracer = otel.Tracer("github.com/nugget/concierge/internal/agent")

const (
	DefaultMaxRounds    = 8
	DefaultRetryBackoff = 500 * time.Millisecond
	DefaultDrainTimeout = 30 * time.Second

	// maxRecordedResult bounds the tool result text kept in the ledger.
	maxRecordedResult = 2000
)

// emptyResponseNudge is sent once when the model finishes a tool round
// with neither text nor further tool calls.
const emptyResponseNudge = "You called tools but did not write a reply. Answer the user now, using the tool results above."

// emptyResponseFallback replaces a reply that stays empty after the nudge.
const emptyResponseFallback = "I wasn't able to put together an answer just now. Could you ask again?"

// Config bounds a turn.
type Config struct {
	MaxRounds    int
	RetryBackoff time.Duration
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

// StreamFunc receives assistant text as it is generated.
type StreamFunc func(delta string)

// Input is one turn to execute.
type Input struct {
	// TurnID correlates events; it is not sent to the model.
	TurnID   string
	Model    string
	Messages []llm.Message
	// Tools may be nil for a turn without tools.
	Tools *tools.Registry
	// Stream selects streamed mode when non-nil.
	Stream StreamFunc
}

// Result is what a turn produced.
type Result struct {
	Content string
	// Model is the model the provider reports having used.
	Model     string
	ToolCalls []usage.ToolCall
	// Breakdown holds one tool_results section per tool, in first-use
	// order.
	Breakdown []usage.PromptSection
	Usage     Usage
	// Partial is set when the reply was cut short.
	Partial bool
	// Disconnected is set when the caller went away mid-turn.
	Disconnected bool
	Latency      time.Duration
}

// Executor runs turns. It is safe for concurrent use.
type Executor struct {
	llm    llm.Client
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
}

// NewExecutor creates an executor. bus may be nil.
func NewExecutor(client llm.Client, cfg Config, bus *events.Bus, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		llm:    client,
		cfg:    cfg.withDefaults(),
		bus:    bus,
		logger: logger.With("component", "agent"),
	}
}

// Run executes in. The returned Result is non-nil even when err is,
// and carries the usage consumed so far so it can still be billed.
//
// When ctx is cancelled the in-flight model call is allowed to finish,
// for at most DrainTimeout, so its usage can be captured; no further
// rounds or tools start.
func (e *Executor) Run(ctx context.Context, in Input) (*Result, error) {
	ctx, span := tracer.Start(ctx, "agent.Executor.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", in.Model),
		attribute.Bool("stream", in.Stream != nil),
	)

	start := time.Now()
	res := &Result{Model: in.Model}
	defer func() { res.Latency = time.Since(start) }()

	msgs := append([]llm.Message(nil), in.Messages...)
	var toolDefs []map[string]any
	if in.Tools != nil {
		toolDefs = in.Tools.List()
	}

	var (
		texts   []string
		st      = &streamState{fn: in.Stream}
		nudged  bool
		toolRun bool
	)

	for round := 1; ; round++ {
		if ctx.Err() != nil {
			res.Disconnected = true
			res.Partial = true
			break
		}
		if round > e.cfg.MaxRounds {
			res.Content = joinText(texts)
			span.RecordError(ErrToolLoopExceeded)
			return res, fmt.Errorf("%w: still calling tools after %d rounds", ErrToolLoopExceeded, e.cfg.MaxRounds)
		}

		resp, err := e.call(ctx, in, round, msgs, toolDefs, st)
		if resp != nil {
			res.Usage.add(resp, promptChars(msgs))
			if resp.Model != "" {
				res.Model = resp.Model
			}
			if resp.Partial {
				res.Partial = true
			}
			if t := strings.TrimSpace(resp.Message.Content); t != "" {
				texts = append(texts, resp.Message.Content)
			}
		}

		if ctx.Err() != nil {
			// The caller left while the call drained. Whatever arrived is
			// billed; nothing else starts.
			res.Disconnected = true
			res.Partial = true
			if err != nil {
				e.logger.Info("in-flight call ended after disconnect",
					"turn", in.TurnID, "round", round, "error", err)
			}
			break
		}
		if err != nil {
			res.Content = joinText(texts)
			span.RecordError(err)
			return res, err
		}

		calls := resp.Message.ToolCalls
		if len(calls) == 0 {
			if len(texts) == 0 && toolRun && !nudged {
				nudged = true
				e.logger.Warn("empty reply after tool use, nudging", "turn", in.TurnID, "round", round)
				msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: emptyResponseNudge})
				continue
			}
			break
		}

		if round == e.cfg.MaxRounds {
			// No round left to use the results in.
			continue
		}

		toolRun = true
		msgs = append(msgs, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: calls,
		})
		msgs = append(msgs, e.runTools(ctx, in, calls, res)...)
	}

	res.Content = joinText(texts)
	if res.Content == "" && !res.Disconnected {
		res.Content = emptyResponseFallback
	}
	span.SetAttributes(
		attribute.Int("rounds", res.Usage.Rounds),
		attribute.Bool("disconnected", res.Disconnected),
	)
	return res, nil
}

// call makes one model call. Buffered calls are retried once after
// RetryBackoff when the failure looks transient; streamed calls never
// are, since text may already have reached the caller.
func (e *Executor) call(ctx context.Context, in Input, round int, msgs []llm.Message, toolDefs []map[string]any, st *streamState) (*llm.ChatResponse, error) {
	callCtx, release := e.drainContext(ctx)
	defer release()

	attempts := 1
	e.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"turn_id": in.TurnID, "round": round, "model": in.Model,
	})

	start := time.Now()
	var (
		resp *llm.ChatResponse
		err  error
	)
	if in.Stream != nil {
		st.beginRound()
		resp, err = e.llm.ChatStream(callCtx, in.Model, msgs, toolDefs, st.callback(ctx))
	} else {
		resp, err = e.llm.Chat(callCtx, in.Model, msgs, toolDefs)
		if err != nil && retryable(ctx, err) {
			e.logger.Warn("provider call failed, retrying once",
				"turn", in.TurnID, "round", round, "model", in.Model,
				"backoff", e.cfg.RetryBackoff, "error", err)
			metrics.ObserveLLMCall(in.Model, err, time.Since(start))

			backoff := time.NewTimer(e.cfg.RetryBackoff)
			select {
			case <-ctx.Done():
				backoff.Stop()
			case <-backoff.C:
				attempts++
				start = time.Now()
				resp, err = e.llm.Chat(callCtx, in.Model, msgs, toolDefs)
			}
		}
	}
	metrics.ObserveLLMCall(in.Model, err, time.Since(start))

	if resp != nil {
		e.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"turn_id":        in.TurnID,
			"round":          round,
			"model":          resp.Model,
			"input_tokens":   resp.InputTokens,
			"output_tokens":  resp.OutputTokens,
			"usage_reported": resp.UsageReported,
			"tool_calls":     len(resp.Message.ToolCalls),
		})
		e.logger.Debug("provider call complete",
			"turn", in.TurnID,
			"round", round,
			"model", resp.Model,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"usage_reported", resp.UsageReported,
			"input_reported", resp.InputReported,
			"tool_calls", len(resp.Message.ToolCalls),
			"partial", resp.Partial,
			"elapsed", time.Since(start),
		)
	}
	if err != nil {
		return resp, &ProviderCallError{Model: in.Model, Round: round, Attempts: attempts, Err: err}
	}
	if resp == nil {
		return nil, &ProviderCallError{Model: in.Model, Round: round, Attempts: attempts, Err: errors.New("empty response")}
	}
	return resp, nil
}

// drainContext detaches a call from ctx's cancellation. Once ctx is
// done the call gets DrainTimeout more before it is cancelled too.
func (e *Executor) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		t := time.NewTimer(e.cfg.DrainTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-callCtx.Done():
		}
	})
	return callCtx, func() {
		stop()
		cancel()
	}
}

// retryable reports whether a failed buffered call is worth one more
// attempt.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *llm.StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// runTools invokes one round's tool calls concurrently and returns the
// tool-result messages in call order. Failures are reported to the
// model as "error: <reason>" and never abort the turn.
func (e *Executor) runTools(ctx context.Context, in Input, calls []llm.ToolCall, res *Result) []llm.Message {
	records := make([]usage.ToolCall, len(calls))
	outputs := make([]string, len(calls))

	var g errgroup.Group
	for i, tc := range calls {
		g.Go(func() error {
			records[i], outputs[i] = e.invoke(ctx, in, tc)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]llm.Message, len(calls))
	for i, tc := range calls {
		out[i] = llm.Message{Role: llm.RoleTool, Content: outputs[i], ToolCallID: tc.ID}
		res.ToolCalls = append(res.ToolCalls, records[i])
		res.addToolSection(tc.Function.Name, len(outputs[i]))
	}
	return out
}

func (e *Executor) invoke(ctx context.Context, in Input, tc llm.ToolCall) (usage.ToolCall, string) {
	name := tc.Function.Name
	rec := usage.ToolCall{ID: tc.ID, Name: name, Arguments: tc.Function.Arguments}

	ctx, span := tracer.Start(ctx, "agent.tool")
	span.SetAttributes(attribute.String("tool", name))
	defer span.End()

	e.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{"turn_id": in.TurnID, "tool": name})
	start := time.Now()

	var (
		output string
		err    error
	)
	if in.Tools == nil {
		err = &tools.ErrToolUnavailable{ToolName: name}
	} else {
		output, err = in.Tools.Execute(ctx, name, tc.Function.Arguments)
	}
	elapsed := time.Since(start)
	rec.DurationMS = elapsed.Milliseconds()

	metrics.ObserveTool(name, err == nil, elapsed)
	e.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"turn_id": in.TurnID, "tool": name, "ok": err == nil, "duration_ms": rec.DurationMS,
	})

	if err != nil {
		span.RecordError(err)
		e.logger.Warn("tool invocation failed", "turn", in.TurnID, "tool", name, "error", err)
		rec.Error = err.Error()
		return rec, "error: " + err.Error()
	}
	e.logger.Debug("tool invocation complete", "turn", in.TurnID, "tool", name, "elapsed", elapsed, "result_len", len(output))
	rec.Result = truncate(output, maxRecordedResult)
	return rec, output
}

func (r *Result) addToolSection(tool string, chars int) {
	origin := "tool:" + tool
	for i := range r.Breakdown {
		if r.Breakdown[i].Origin == origin {
			r.Breakdown[i].Chars += chars
			r.Breakdown[i].Count++
			return
		}
	}
	r.Breakdown = append(r.Breakdown, usage.PromptSection{
		Name:   "tool_results",
		Origin: origin,
		Chars:  chars,
		Count:  1,
	})
}

// streamState forwards text tokens to the caller. Within a round,
// forwarding stops as soon as the model starts a tool call; text from
// separate rounds is joined with a blank line, matching joinText.
type streamState struct {
	fn        StreamFunc
	delivered bool
	roundText bool
	toolRound bool
}

func (s *streamState) beginRound() {
	s.roundText = false
	s.toolRound = false
}

func (s *streamState) callback(ctx context.Context) llm.StreamCallback {
	return func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToolCallStart:
			s.toolRound = true
		case llm.KindToken:
			if s.toolRound || ev.Token == "" || ctx.Err() != nil {
				return
			}
			if !s.roundText {
				if strings.TrimSpace(ev.Token) == "" {
					return
				}
				if s.delivered {
					s.fn("\n\n")
				}
				s.roundText = true
			}
			s.fn(ev.Token)
			s.delivered = true
		}
	}
}

func joinText(texts []string) string {
	return strings.Join(texts, "\n\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
