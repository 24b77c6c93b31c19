package llmtrace

import "context"

// CurrentSpan returns the innermost open span of ctx, or nil when there is
// none or tracking is disabled.
func CurrentSpan(ctx context.Context) *SpanData {
	if TrackingDisabled() {
		return nil
	}
	return currentSpan(ctx)
}

// CurrentTrace returns the open trace of ctx. Spans continued from
// distributed headers have no local trace.
func CurrentTrace(ctx context.Context) *TraceData {
	if TrackingDisabled() {
		return nil
	}
	return currentTrace(ctx)
}

// UpdateCurrentSpan applies upd to the current span. It reports false when
// there is no span to update.
func UpdateCurrentSpan(ctx context.Context, upd SpanUpdate) bool {
	span := CurrentSpan(ctx)
	if span == nil {
		return false
	}
	span.Update(upd)
	return true
}

// UpdateCurrentTrace applies upd to the current trace. It reports false
// when there is no trace to update.
func UpdateCurrentTrace(ctx context.Context, upd TraceUpdate) bool {
	trace := CurrentTrace(ctx)
	if trace == nil {
		return false
	}
	trace.Update(upd)
	return true
}
