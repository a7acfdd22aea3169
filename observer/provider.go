package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cireilclaw/cireilclaw"
)

// ObservedProvider wraps a cireilclaw.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner cireilclaw.Provider
	inst  *Instruments
	model string
}

// WrapProvider returns an instrumented provider that emits traces, metrics,
// and logs around each chat completion.
func WrapProvider(inner cireilclaw.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req cireilclaw.ChatRequest) (cireilclaw.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "provider.chat", trace.WithAttributes(
		AttrProviderModel.String(o.model),
		AttrProviderName.String(o.inner.Name()),
		AttrToolCount.Int(len(req.Tools)),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, span, status, durationMs, resp)
	return resp, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, status string, durationMs float64, resp cireilclaw.ChatResponse) {
	span.SetAttributes(
		AttrTokensInput.Int(resp.Usage.InputTokens),
		AttrTokensOutput.Int(resp.Usage.OutputTokens),
		attribute.String("provider.finish_reason", resp.FinishReason),
	)

	attrs := metric.WithAttributes(
		AttrProviderModel.String(o.model),
		AttrProviderName.String(o.inner.Name()),
	)
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.InputTokens), metric.WithAttributes(
		AttrProviderModel.String(o.model),
		AttrProviderName.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.OutputTokens), metric.WithAttributes(
		AttrProviderModel.String(o.model),
		AttrProviderName.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		AttrProviderModel.String(o.model),
		AttrProviderName.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.ProviderDuration.Record(ctx, durationMs, attrs)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("provider call completed"))
	rec.AddAttributes(
		otellog.String("provider.model", o.model),
		otellog.String("provider.name", o.inner.Name()),
		otellog.String("provider.finish_reason", resp.FinishReason),
		otellog.Int("provider.tokens.input", resp.Usage.InputTokens),
		otellog.Int("provider.tokens.output", resp.Usage.OutputTokens),
		otellog.Float64("provider.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}
