package scope_test

import (
	"context"
	"testing"

	"github.com/xraph/forge"

	"github.com/xraph/fleetjobs/scope"
)

func TestRestoreAndCapture(t *testing.T) {
	ctx := scope.Restore(context.Background(), "fleet-eu")

	if got := scope.Capture(ctx); got != "fleet-eu" {
		t.Fatalf("Capture = %q, want fleet-eu", got)
	}
	s, ok := forge.ScopeFrom(ctx)
	if !ok {
		t.Fatal("expected a forge scope on the context")
	}
	if s.AppID() != scope.AppID {
		t.Errorf("AppID = %q, want %q", s.AppID(), scope.AppID)
	}
}

func TestRestoreEmptyIsNoOp(t *testing.T) {
	ctx := context.Background()
	if scope.Restore(ctx, "") != ctx {
		t.Error("empty scope should return the context unchanged")
	}
	if got := scope.Capture(ctx); got != "" {
		t.Errorf("Capture on bare context = %q, want empty", got)
	}
}

func TestOr(t *testing.T) {
	ctx := scope.Restore(context.Background(), "from-ctx")
	if got := scope.Or(ctx, "explicit"); got != "explicit" {
		t.Errorf("Or with explicit = %q", got)
	}
	if got := scope.Or(ctx, ""); got != "from-ctx" {
		t.Errorf("Or fallback = %q", got)
	}
}
