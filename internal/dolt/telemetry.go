package dolt

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/felixgeelhaar/memoria/internal/observe"
)

// Instruments are registered against the global delegating provider, which
// forwards to a real provider once the host installs one.
var doltMetrics struct {
	retries        metric.Int64Counter
	reconnects     metric.Int64Counter
	branchMismatch metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/felixgeelhaar/memoria/internal/dolt")
	doltMetrics.retries, _ = m.Int64Counter("memoria.db.retries",
		metric.WithDescription("Statements retried after a reconnect"),
		metric.WithUnit("{retry}"),
	)
	doltMetrics.reconnects, _ = m.Int64Counter("memoria.db.reconnects",
		metric.WithDescription("Reconnect attempts on a persistent or pooled session"),
		metric.WithUnit("{reconnect}"),
	)
	doltMetrics.branchMismatch, _ = m.Int64Counter("memoria.db.branch_mismatch",
		metric.WithDescription("Sessions that came back on an unexpected branch"),
		metric.WithUnit("{mismatch}"),
	)
}

func spanSQL(q string) string {
	if len(q) > 300 {
		return q[:300] + "…"
	}
	return q
}

func (m *Manager) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	base := []attribute.KeyValue{
		attribute.String("db.system", "dolt"),
		attribute.String("db.name", m.cfg.Name),
	}
	return m.obs.StartSpan(ctx, name, append(base, attrs...)...)
}

func endSpan(span trace.Span, err error) {
	observe.EndSpan(span, err)
}
