package generator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"forgeline/internal/telemetry"
)

const scope = "forgeline/generator"

var genMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
	failures     metric.Int64Counter
}

var genMetricsOnce sync.Once

func initGenMetrics() {
	m := telemetry.Meter(scope)
	genMetrics.inputTokens, _ = m.Int64Counter("forgeline.generator.input_tokens",
		metric.WithDescription("Generator input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	genMetrics.outputTokens, _ = m.Int64Counter("forgeline.generator.output_tokens",
		metric.WithDescription("Generator output tokens produced"),
		metric.WithUnit("{token}"),
	)
	genMetrics.duration, _ = m.Float64Histogram("forgeline.generator.duration",
		metric.WithDescription("Generator call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	genMetrics.failures, _ = m.Int64Counter("forgeline.generator.failures",
		metric.WithDescription("Failed generator calls"),
	)
}

// Instrumented wraps a Generator with a span, token metrics and a debug log line per call.
type Instrumented struct {
	Next     Generator
	Provider string
	Model    string
	Logger   *slog.Logger
}

func (g Instrumented) Generate(ctx context.Context, req Request) (Response, error) {
	genMetricsOnce.Do(initGenMetrics)
	ctx, span := telemetry.Tracer(scope).Start(ctx, "generator.generate")
	defer span.End()
	attrs := []attribute.KeyValue{
		attribute.String("forgeline.generator.provider", g.Provider),
		attribute.String("forgeline.generator.model", g.Model),
		attribute.String("forgeline.generator.role", string(req.Role)),
		attribute.String("forgeline.generator.schema", string(req.Schema)),
		attribute.String("forgeline.stage", string(req.Stage)),
	}
	span.SetAttributes(attrs...)

	start := time.Now()
	resp, err := g.Next.Generate(ctx, req)
	ms := float64(time.Since(start).Milliseconds())
	set := metric.WithAttributes(attrs[:2]...)
	genMetrics.duration.Record(ctx, ms, set)
	if err != nil {
		genMetrics.failures.Add(ctx, 1, set)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if g.Logger != nil {
			g.Logger.Warn("generator call failed", "stage", req.Stage, "schema", req.Schema, "err", err)
		}
		return resp, err
	}
	genMetrics.inputTokens.Add(ctx, resp.InputTokens, set)
	genMetrics.outputTokens.Add(ctx, resp.OutputTokens, set)
	span.SetAttributes(
		attribute.Int64("forgeline.generator.input_tokens", resp.InputTokens),
		attribute.Int64("forgeline.generator.output_tokens", resp.OutputTokens),
	)
	if g.Logger != nil {
		g.Logger.Debug("generator call", "stage", req.Stage, "schema", req.Schema, "ms", ms,
			"input_tokens", resp.InputTokens, "output_tokens", resp.OutputTokens)
	}
	return resp, nil
}
