package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInit_InstallsProvider(t *testing.T) {
	ctx := context.Background()
	shutdown, err := Init(ctx, Config{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer shutdown(ctx)

	_, span := otel.Tracer("alembic/test").Start(ctx, "sample")
	if !span.SpanContext().IsValid() {
		t.Error("expected a recording tracer after Init")
	}
	span.End()
}
