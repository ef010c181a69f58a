package flow

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/BTreeMap/NutriPipe/internal/flow"

// instruments holds the turn counters and histograms. Instrument creation
// failures fall back to no-op instruments so turns never fail on telemetry.
type instruments struct {
	tracer        trace.Tracer
	turns         metric.Int64Counter
	confirmations metric.Int64Counter
	duration      metric.Float64Histogram
}

func newInstruments(meter metric.Meter) *instruments {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	turns, err := meter.Int64Counter("nutripipe_turns_total",
		metric.WithDescription("Conversation turns processed, by path and response type"))
	if err != nil {
		slog.Warn("newInstruments: turns counter unavailable", "error", err)
		turns, _ = fallback.Int64Counter("nutripipe_turns_total")
	}
	confirmations, err := meter.Int64Counter("nutripipe_confirmations_total",
		metric.WithDescription("Pending actions resolved, by action type and outcome"))
	if err != nil {
		slog.Warn("newInstruments: confirmations counter unavailable", "error", err)
		confirmations, _ = fallback.Int64Counter("nutripipe_confirmations_total")
	}
	duration, err := meter.Float64Histogram("nutripipe_turn_duration_seconds",
		metric.WithDescription("Wall time of a conversation turn"), metric.WithUnit("s"))
	if err != nil {
		slog.Warn("newInstruments: duration histogram unavailable", "error", err)
		duration, _ = fallback.Float64Histogram("nutripipe_turn_duration_seconds")
	}
	return &instruments{
		tracer:        otel.Tracer(instrumentationName),
		turns:         turns,
		confirmations: confirmations,
		duration:      duration,
	}
}

func (m *instruments) turn(ctx context.Context, path, responseType string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("path", path), attribute.String("response_type", responseType))
	m.turns.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("path", path)))
}

func (m *instruments) confirmation(ctx context.Context, action, result string) {
	m.confirmations.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action), attribute.String("outcome", result)))
}
