package llm

import (
	"context"
	"errors"
	"testing"
)

type stubClient struct {
	name    string
	pingErr error
}

func (s *stubClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return &ChatResponse{Model: s.name + ":" + model}, nil
}

func (s *stubClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, cb StreamCallback) (*ChatResponse, error) {
	return s.Chat(ctx, model, messages, tools)
}

func (s *stubClient) Ping(ctx context.Context) error { return s.pingErr }

func TestMultiClientRouting(t *testing.T) {
	m := NewMultiClient("anthropic")
	m.AddProvider("anthropic", &stubClient{name: "anthropic"})
	m.AddProvider("openai", &stubClient{name: "openai"})
	m.AddModel("gpt-4o", "openai")
	m.AddModel("orphan", "missing")

	tests := []struct {
		model        string
		wantProvider string
	}{
		{model: "gpt-4o", wantProvider: "openai"},
		{model: "claude-sonnet-4", wantProvider: "anthropic"},
		{model: "orphan", wantProvider: "anthropic"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := m.ProviderFor(tt.model); got != tt.wantProvider {
				t.Errorf("ProviderFor(%q) = %q, want %q", tt.model, got, tt.wantProvider)
			}
			resp, err := m.Chat(context.Background(), tt.model, nil, nil)
			if err != nil {
				t.Fatal(err)
			}
			if resp.Model != tt.wantProvider+":"+tt.model {
				t.Errorf("routed to %q", resp.Model)
			}
		})
	}
}

func TestMultiClientNoProvider(t *testing.T) {
	m := NewMultiClient("anthropic")
	if _, err := m.Chat(context.Background(), "x", nil, nil); err == nil {
		t.Error("expected error with no providers")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("expected Ping error with no providers")
	}

	m.AddProvider("anthropic", &stubClient{pingErr: errors.New("down")})
	if err := m.Ping(context.Background()); err == nil {
		t.Error("expected Ping to surface provider failure")
	}
}
