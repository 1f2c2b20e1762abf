package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateBooking OutboxAggregateType = "booking"
	AggregateProduct OutboxAggregateType = "product"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateBooking,
	AggregateProduct,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventBookingCreated   OutboxEventType = "booking_created"
	EventBookingConfirmed OutboxEventType = "booking_confirmed"
	EventBookingCanceled  OutboxEventType = "booking_canceled"
	EventBookingExpired   OutboxEventType = "booking_expired"
)

var validOutboxEventTypes = []OutboxEventType{
	EventBookingCreated,
	EventBookingConfirmed,
	EventBookingCanceled,
	EventBookingExpired,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

// EventTypeForStatus returns the event emitted when a booking enters status.
func EventTypeForStatus(status BookingStatus) (OutboxEventType, error) {
	switch status {
	case BookingStatusPending:
		return EventBookingCreated, nil
	case BookingStatusConfirmed:
		return EventBookingConfirmed, nil
	case BookingStatusCanceled:
		return EventBookingCanceled, nil
	case BookingStatusExpired:
		return EventBookingExpired, nil
	default:
		return "", fmt.Errorf("no event for booking status %q", status)
	}
}
