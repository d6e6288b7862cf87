package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerDefaultsToNoop(t *testing.T) {
	if Logger(context.Background()) != NoopLogger() {
		t.Fatalf("expected noop logger on empty context")
	}
	logger := zap.NewExample()
	if Logger(WithLogger(context.Background(), logger)) != logger {
		t.Fatalf("expected stored logger")
	}
}

func TestTraceAndActor(t *testing.T) {
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "4bf92f3577b34da6a3ce929d0e0e4736", SpanID: "00f067aa0ba902b7"})
	ctx = WithActor(ctx, "staff_7")
	if TraceID(ctx) != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("unexpected trace id %q", TraceID(ctx))
	}
	if Actor(ctx) != "staff_7" {
		t.Fatalf("unexpected actor %q", Actor(ctx))
	}
	if Actor(context.Background()) != "" || TraceID(context.Background()) != "" {
		t.Fatalf("expected empty values on bare context")
	}
}
