package correlation

import (
	"context"
	"regexp"
	"testing"
	"time"
)

func TestNewIDFormat(t *testing.T) {
	id := NewID(time.UnixMilli(1_700_000_000_123))
	if !regexp.MustCompile(`^orch_1700000000123_[0-9a-f]{9}$`).MatchString(id) {
		t.Fatalf("unexpected id format: %s", id)
	}
	if NewID(time.Now()) == NewID(time.Now()) {
		t.Fatalf("expected random suffix to differ")
	}
}

func TestContextRoundTrip(t *testing.T) {
	if FromContext(context.Background()) != "" {
		t.Fatalf("expected empty id on bare context")
	}
	ctx := WithID(context.Background(), "orch_1_abc")
	if FromContext(ctx) != "orch_1_abc" {
		t.Fatalf("unexpected id: %s", FromContext(ctx))
	}
}
