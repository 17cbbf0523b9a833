package tools

import (
	"context"
	"testing"
)

func TestSessionContext(t *testing.T) {
	ctx := context.Background()
	if SessionIDFromContext(ctx) != "" || TenantIDFromContext(ctx) != "" {
		t.Error("empty context should carry no session")
	}

	ctx = WithSession(ctx, "sess-1", "acme")
	if got := SessionIDFromContext(ctx); got != "sess-1" {
		t.Errorf("SessionIDFromContext = %q", got)
	}
	if got := TenantIDFromContext(ctx); got != "acme" {
		t.Errorf("TenantIDFromContext = %q", got)
	}
}
