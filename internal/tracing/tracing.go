// Package tracing provides the opt-in trace provider that writes finished
// spans to the log.
package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewProvider returns a tracer provider whose spans are logged at debug level
// on log when they end.
func NewProvider(log *slog.Logger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&logSpanProcessor{log: log}))
}

// Install sets a logging provider as the global one and returns a func that
// flushes it and restores the previous provider.
func Install(log *slog.Logger) func(context.Context) error {
	prev := otel.GetTracerProvider()
	tp := NewProvider(log)
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		otel.SetTracerProvider(prev)
		return tp.Shutdown(ctx)
	}
}

type logSpanProcessor struct {
	log *slog.Logger
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if p.log == nil {
		return
	}
	args := []any{
		"span", span.Name(),
		"took", span.EndTime().Sub(span.StartTime()).String(),
	}
	for _, kv := range span.Attributes() {
		args = append(args, string(kv.Key), kv.Value.Emit())
	}

	status := span.Status()
	if status.Code == codes.Error {
		p.log.Debug("Span failed.", append(args, "err", status.Description)...)
		return
	}
	p.log.Debug("Span finished.", args...)
}

func (p *logSpanProcessor) Shutdown(context.Context) error { return nil }

func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }
