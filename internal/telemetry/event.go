// Package telemetry carries session lifecycle events to an exporter without blocking callers.
package telemetry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Event types emitted by the session lifecycle.
const (
	EventLogin           = "session.login"
	EventRefresh         = "session.refresh"
	EventRefreshRejected = "session.refresh_rejected"
	EventLogout          = "session.logout"
	EventLogoutAll       = "session.logout_all"
	EventAuthRejected    = "session.auth_rejected"
)

// Event is one lifecycle occurrence. Empty fields are omitted by exporters.
type Event struct {
	Type      string
	UserID    string
	SessionID string
	DeviceID  string
	IP        string
	// Reason carries the rejection cause for *_rejected events.
	Reason string
	At     time.Time
}

// EventEmitter emits events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event Event) error
}

// emitTimeout is the max time allowed for a single async emit.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after the HTTP server stops before shutting down
// OTel providers, so in-flight async emits can complete. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// EmitAsync runs Emit in a goroutine with a short timeout so the caller is not blocked.
// A nil emitter is a no-op. The goroutine does not inherit request cancellation.
func EmitAsync(emitter EventEmitter, log logrus.FieldLogger, event Event) {
	if emitter == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := emitter.Emit(ctx, event); err != nil && log != nil {
			log.WithError(err).WithField("event_type", event.Type).Warn("telemetry: async emit failed")
		}
	}()
}
