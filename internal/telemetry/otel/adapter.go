package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"device-sessions/backend/internal/telemetry"
)

const instrumentationName = "device-sessions/telemetry"

// recordEmitter is the part of otellog.Logger the emitter needs.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return NewEventEmitterWithLogger(provider.Logger(instrumentationName))
}

// NewEventEmitterWithLogger wraps any record sink. Used by tests to capture records.
func NewEventEmitterWithLogger(l recordEmitter) telemetry.EventEmitter {
	return &otelEmitter{logger: l}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, telemetry.Event) error { return nil }

type otelEmitter struct {
	logger recordEmitter
}

// Emit converts the event to an OTel log record. Rejections are recorded at WARN, the rest at INFO.
func (e *otelEmitter) Emit(ctx context.Context, event telemetry.Event) error {
	rec := otellog.Record{}
	ts := event.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetEventName(event.Type)
	rec.SetBody(otellog.StringValue(event.Type))
	if event.Reason != "" {
		rec.SetSeverity(otellog.SeverityWarn)
		rec.SetSeverityText("WARN")
	} else {
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetSeverityText("INFO")
	}

	attrs := []struct{ key, val string }{
		{"event_type", event.Type},
		{"user_id", event.UserID},
		{"session_id", event.SessionID},
		{"device_id", event.DeviceID},
		{"client.address", event.IP},
		{"reason", event.Reason},
	}
	for _, a := range attrs {
		if a.val != "" {
			rec.AddAttributes(otellog.String(a.key, a.val))
		}
	}
	e.logger.Emit(ctx, rec)
	return nil
}
