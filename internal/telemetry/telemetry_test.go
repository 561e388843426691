package telemetry

import (
	"context"
	"testing"

	"github.com/il-steffen/kafl.fuzzer/internal/config"
)

func TestInitDisabledYieldsNoopTracer(t *testing.T) {
	if err := Init(context.Background(), config.TelemetryConfig{Enabled: false}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Shutdown(context.Background())

	if Enabled() {
		t.Fatal("Enabled() = true for a disabled config")
	}
	if Tracer() == nil {
		t.Fatal("Tracer() returned nil")
	}
}

func TestStartSpanHelpersDoNotPanic(t *testing.T) {
	if err := Init(context.Background(), config.TelemetryConfig{Enabled: false}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Shutdown(context.Background())

	ctx, span := StartHandleMessageSpan(context.Background(), 7, "READY")
	SetSpanOK(span)
	span.End()

	_, vmSpan := StartVMExecuteSpan(ctx, 1234, true)
	SetSpanError(vmSpan, errTest)
	vmSpan.End()
}

var errTest = &testErr{"boom"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
