package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/bookings-backend/pkg/db/models"
	"github.com/angelmondragon/bookings-backend/pkg/enums"
	"github.com/angelmondragon/bookings-backend/pkg/outbox"
	"github.com/angelmondragon/bookings-backend/pkg/outbox/payloads"
)

// ResolvedEvent is an outbox row that passed validation and is ready to
// publish.
type ResolvedEvent struct {
	Topic     string
	EventType enums.OutboxEventType
	Envelope  outbox.PayloadEnvelope
	Booking   payloads.BookingEvent
}

// EventRegistry validates booking outbox rows and routes them to a topic.
type EventRegistry struct {
	topic     string
	supported map[enums.OutboxEventType]bool
}

// NonRetryableError signals the publisher should stop retrying a row.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

// NewNonRetryableError wraps err to signal no retries.
func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func nonRetryable(format string, args ...any) error {
	return NonRetryableError{Err: fmt.Errorf(format, args...)}
}

// NewEventRegistry routes every booking lifecycle event to topic. The same
// registry serves the Pub/Sub and Kafka sinks.
func NewEventRegistry(topic string) (*EventRegistry, error) {
	if topic == "" {
		return nil, errors.New("bookings topic is required")
	}
	return &EventRegistry{
		topic: topic,
		supported: map[enums.OutboxEventType]bool{
			enums.EventBookingCreated:   true,
			enums.EventBookingConfirmed: true,
			enums.EventBookingCanceled:  true,
			enums.EventBookingExpired:   true,
		},
	}, nil
}

// Topic is where every resolved event is published.
func (r *EventRegistry) Topic() string { return r.topic }

// Resolve decodes the row and checks that its payload agrees with the row:
// same booking id, and a status that matches the event type. Every failure
// is non-retryable since the row will never change.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	if !r.supported[event.EventType] {
		return nil, nonRetryable("unsupported event type %s", event.EventType)
	}
	if event.AggregateType != enums.AggregateBooking {
		return nil, nonRetryable("aggregate mismatch: expected %s got %s", enums.AggregateBooking, event.AggregateType)
	}
	if event.AggregateID == uuid.Nil {
		return nil, nonRetryable("missing aggregate_id")
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, nonRetryable("decode envelope: %w", err)
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nonRetryable("payload missing for %s", event.EventType)
	}

	var booking payloads.BookingEvent
	if err := json.Unmarshal(data, &booking); err != nil {
		return nil, nonRetryable("decode %s payload: %w", event.EventType, err)
	}
	if booking.BookingID != event.AggregateID {
		return nil, nonRetryable("payload booking %s does not match aggregate %s", booking.BookingID, event.AggregateID)
	}
	if want, err := enums.EventTypeForStatus(booking.Status); err != nil || want != event.EventType {
		return nil, nonRetryable("status %q is not valid for %s", booking.Status, event.EventType)
	}

	return &ResolvedEvent{
		Topic:     r.topic,
		EventType: event.EventType,
		Envelope:  envelope,
		Booking:   booking,
	}, nil
}
