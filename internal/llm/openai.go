package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nugget/concierge/internal/httpkit"
)

const openAIDefaultBaseURL = "https://api.openai.com/v1"

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
// Every request asks for inline usage; routers such as OpenRouter also
// honour usage.include and return the billed cost, which is carried
// through as [ChatResponse.Cost].
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client for baseURL (default OpenAI).
func NewOpenAIClient(baseURL, apiKey string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

type openAIRequest struct {
	Model         string               `json:"model"`
	Messages      []openAIMessage      `json:"messages"`
	Tools         []map[string]any     `json:"tools,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
	Usage         *openAIUsageRequest  `json:"usage,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIUsageRequest struct {
	Include bool `json:"include"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	Cost             *float64 `json:"cost,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		Delta        openAIMessage `json:"delta"`
		FinishReason *string       `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request, optionally streaming tokens via callback.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil
	start := time.Now()

	req := openAIRequest{
		Model:    model,
		Messages: convertToOpenAI(messages),
		Tools:    tools,
		Stream:   stream,
		Usage:    &openAIUsageRequest{Include: true},
	}
	if stream {
		req.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(req.Messages),
		"tools", len(tools),
		"stream", stream,
	)

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &StatusError{Provider: "openai", StatusCode: resp.StatusCode, Body: errBody}
	}

	var result *ChatResponse
	if stream {
		result, err = c.handleStreaming(ctx, resp.Body, callback)
	} else {
		result, err = c.handleNonStreaming(resp.Body)
	}
	if result != nil {
		result.TotalDuration = time.Since(start)
	}
	return result, err
}

// Ping lists models to verify the endpoint and key.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Provider: "openai", StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *OpenAIClient) handleNonStreaming(body io.Reader) (*ChatResponse, error) {
	var resp openAIResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Model:     resp.Model,
		CreatedAt: time.Unix(resp.Created, 0),
		Message: Message{
			Role:      RoleAssistant,
			Content:   choice.Message.Content,
			ToolCalls: convertFromOpenAIToolCalls(choice.Message.ToolCalls),
		},
		Done: true,
	}
	if choice.FinishReason != nil {
		out.StopReason = *choice.FinishReason
	}
	applyOpenAIUsage(out, resp.Usage)

	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"cost_reported", out.Cost != nil,
		"tool_calls", len(out.Message.ToolCalls),
	)
	return out, nil
}

// handleStreaming consumes chat.completion.chunk frames. The usage
// frame, when the provider sends one, arrives after the finish_reason
// chunk with an empty choices array.
func (c *OpenAIClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		content  strings.Builder
		partials = map[int]*openAIToolCall{}
		gotDone  bool
		out      = &ChatResponse{CreatedAt: time.Now()}
	)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			gotDone = true
			break
		}

		c.logger.Log(ctx, LevelTrace, "stream frame", "data", data)

		var chunk openAIResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		applyOpenAIUsage(out, chunk.Usage)

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if callback != nil {
					callback(StreamEvent{Kind: KindToken, Token: choice.Delta.Content})
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				p, ok := partials[tc.Index]
				if !ok {
					p = &openAIToolCall{Index: tc.Index, ID: tc.ID}
					partials[tc.Index] = p
					if callback != nil {
						call := NewToolCall(tc.ID, tc.Function.Name, nil)
						callback(StreamEvent{Kind: KindToolCallStart, ToolCall: &call})
					}
				}
				if tc.Function.Name != "" {
					p.Function.Name = tc.Function.Name
				}
				p.Function.Arguments += tc.Function.Arguments
			}
			if choice.FinishReason != nil {
				out.StopReason = *choice.FinishReason
			}
		}
	}

	calls := make([]openAIToolCall, 0, len(partials))
	for _, p := range partials {
		calls = append(calls, *p)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].Index < calls[j].Index })

	out.Message = Message{Role: RoleAssistant, Content: content.String(), ToolCalls: convertFromOpenAIToolCalls(calls)}
	out.Done = gotDone
	out.Partial = !gotDone

	c.logger.Debug("stream complete",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"usage_reported", out.UsageReported,
		"cost_reported", out.Cost != nil,
		"partial", out.Partial,
	)

	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("read stream: %w", err)
	}
	if callback != nil {
		callback(StreamEvent{Kind: KindDone, Response: out})
	}
	return out, nil
}

// applyOpenAIUsage copies a usage block onto out. Provider cost arrives
// as a float and is converted without going through a formatted string.
func applyOpenAIUsage(out *ChatResponse, u *openAIUsage) {
	if u == nil {
		return
	}
	out.InputTokens = u.PromptTokens
	out.OutputTokens = u.CompletionTokens
	out.UsageReported = true
	out.InputReported = true
	if u.Cost != nil {
		cost := decimal.NewFromFloat(*u.Cost)
		out.Cost = &cost
	}
}

func convertToOpenAI(messages []Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		om := openAIMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for i, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil || tc.Function.Arguments == nil {
				args = []byte("{}")
			}
			call := openAIToolCall{Index: i, ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Function.Name
			call.Function.Arguments = string(args)
			om.ToolCalls = append(om.ToolCalls, call)
		}
		out = append(out, om)
	}
	return out
}

func convertFromOpenAIToolCalls(calls []openAIToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, NewToolCall(c.ID, c.Function.Name, decodeArguments(c.Function.Arguments)))
	}
	return out
}
