// Package audit records security-relevant events: replay detections, key
// rotations and lockouts. Ordinary failures go to the regular log; audit
// events additionally flow through a pluggable sink so deployments can ship
// them to an external collector.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Event types emitted by this subsystem.
const (
	EventReplayDetected = "auth.refresh.replay_detected"
	EventKeyRotated     = "auth.keys.rotated"
	EventKeyAdopted     = "auth.keys.external_adopted"
	EventKeyEvicted     = "auth.keys.evicted"
	EventAccountLocked  = "auth.login.account_locked"
	EventIPLocked       = "auth.login.ip_locked"
)

// Event is a single audit record.
type Event struct {
	Type      string
	UserID    string
	TenantID  string
	ClientIP  string
	Message   string
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// WithMetadata returns a copy of the event with an extra metadata entry. The
// metadata map is copied so the original event is left untouched.
func (e Event) WithMetadata(key string, value interface{}) Event {
	metadata := make(map[string]interface{}, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	metadata[key] = value
	e.Metadata = metadata
	return e
}

// Sink receives audit events. Implementations must be safe for concurrent
// use and should not block the caller for long.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// Recorder fans audit events out to the structured log and an optional
// sink. The zero-value-ish NewRecorder() logs only.
type Recorder struct {
	sink Sink
}

// NewRecorder creates a log-only recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// NewRecorderWithSink creates a recorder that also publishes to sink.
func NewRecorderWithSink(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Record logs the event and forwards it to the sink asynchronously so the
// hot path never waits on a slow collector.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	slog.Warn("Security audit event",
		"type", event.Type,
		"user", event.UserID,
		"tenant", event.TenantID,
		"ip", event.ClientIP,
		"message", event.Message,
		"metadata", event.Metadata,
	)

	if r.sink != nil {
		go r.sink.Publish(ctx, event)
	}
}
