package bookings

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/bookings-backend/internal/scheduler"
	"github.com/angelmondragon/bookings-backend/pkg/outbox"
)

// ExpiryHandler adapts svc to the scheduler dispatcher. Events emitted from
// a fired timer are tagged with the expiry-worker source.
func ExpiryHandler(svc Service) scheduler.Handler {
	return func(ctx context.Context, bookingID uuid.UUID) error {
		return svc.HandleExpiry(outbox.WithSource(ctx, outbox.SourceExpiryWorker), bookingID)
	}
}
