package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts an internal span under the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SpanFromContext returns the current span from ctx.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks span as failed with err.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// SetExecutionAttrs annotates a VM-execute span with the outcome of the
// round it wrapped, so a completed execution's exec_code/runtime/coverage
// show up alongside its pid/symbolic-mode attributes in the trace.
func SetExecutionAttrs(span trace.Span, outcome string, runtimeMs int64, bbCov uint32) {
	span.SetAttributes(
		AttrExecCode.String(outcome),
		AttrRuntimeMs.Int64(runtimeMs),
		AttrBBCov.Int64(int64(bbCov)),
	)
}

// Attribute keys attached to Manager and VM spans.
var (
	AttrWorkerID    = attribute.Key("kafl.worker_id")
	AttrMessageType = attribute.Key("kafl.message_type")
	AttrPid         = attribute.Key("kafl.vm.pid")
	AttrExecCode    = attribute.Key("kafl.vm.exec_code")
	AttrRuntimeMs   = attribute.Key("kafl.vm.runtime_ms")
	AttrBBCov       = attribute.Key("kafl.vm.bb_cov")
	AttrSymbolic    = attribute.Key("kafl.vm.symbolic")
)

// StartHandleMessageSpan starts the Manager's per-message span.
func StartHandleMessageSpan(ctx context.Context, workerID int, msgType string) (context.Context, trace.Span) {
	return StartSpan(ctx, "kafl.manager.handle_message",
		AttrWorkerID.Int(workerID),
		AttrMessageType.String(msgType),
	)
}

// StartVMExecuteSpan starts a Worker's per-execution span.
func StartVMExecuteSpan(ctx context.Context, pid int, symbolic bool) (context.Context, trace.Span) {
	return StartSpan(ctx, "kafl.vm.execute",
		AttrPid.Int(pid),
		AttrSymbolic.Bool(symbolic),
	)
}
