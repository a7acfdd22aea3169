package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/cireilclaw/cireilclaw"
)

// TurnHook returns an engine hook recording turn count and duration, tagged
// by agent, channel, and outcome.
func (in *Instruments) TurnHook() cireilclaw.TurnHook {
	return func(ctx context.Context, agent *cireilclaw.Agent, session *cireilclaw.Session, d time.Duration, err error) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		in.TurnCount.Add(ctx, 1, metric.WithAttributes(
			AttrAgentSlug.String(agent.Slug),
			AttrChannel.String(string(session.Channel)),
			attribute.String("status", status),
		))
		in.TurnDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
			AttrAgentSlug.String(agent.Slug),
			AttrChannel.String(string(session.Channel)),
		))

		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		if err != nil {
			rec.SetSeverity(otellog.SeverityWarn)
		}
		rec.SetBody(otellog.StringValue("turn completed"))
		rec.AddAttributes(
			otellog.String("agent.slug", agent.Slug),
			otellog.String("session.id", session.ID),
			otellog.String("session.channel", string(session.Channel)),
			otellog.Float64("turn.duration_ms", float64(d.Milliseconds())),
			otellog.String("status", status),
		)
		in.Logger.Emit(ctx, rec)
	}
}
