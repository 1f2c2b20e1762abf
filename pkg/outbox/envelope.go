package outbox

import (
	"context"
	"encoding/json"
	"time"
)

// Source names the trigger that produced an event.
type Source string

const (
	SourceAPI          Source = "api"
	SourceExpiryWorker Source = "expiry-worker"
	SourceExpirySweep  Source = "expiry-sweep"
)

type sourceKey struct{}

// WithSource tags ctx so events emitted further down record who triggered them.
func WithSource(ctx context.Context, source Source) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFromContext returns the source attached by WithSource, or fallback.
func SourceFromContext(ctx context.Context, fallback Source) Source {
	if ctx == nil {
		return fallback
	}
	if source, ok := ctx.Value(sourceKey{}).(Source); ok && source != "" {
		return source
	}
	return fallback
}

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Source     Source          `json:"source,omitempty"`
	Data       json.RawMessage `json:"data"`
}
