package requestid

import (
	"context"
	"testing"
)

func TestNew(t *testing.T) {
	a, b := New(), New()
	if len(a) != 32 || a == b {
		t.Fatalf("New()=%q,%q", a, b)
	}
}

func TestEnsure(t *testing.T) {
	ctx, id := Ensure(context.Background())
	got, ok := FromContext(ctx)
	if !ok || got != id {
		t.Fatalf("FromContext()=%q,%v want %q", got, ok, id)
	}
	ctx2, id2 := Ensure(ctx)
	if id2 != id || ctx2 != ctx {
		t.Fatalf("Ensure() replaced an existing id")
	}
	if _, ok := FromContext(WithContext(context.Background(), "")); ok {
		t.Fatalf("empty id reported as present")
	}
}
