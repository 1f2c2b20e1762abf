package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/bookings-backend/internal/bookings"
	"github.com/angelmondragon/bookings-backend/pkg/db/models"
	"github.com/angelmondragon/bookings-backend/pkg/enums"
	"github.com/angelmondragon/bookings-backend/pkg/logger"
	"github.com/angelmondragon/bookings-backend/pkg/outbox"
	"github.com/angelmondragon/bookings-backend/pkg/pagination"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

const (
	defaultSweepGrace = 2 * time.Minute
	defaultSweepBatch = 200
	maxSweepPages     = 50
)

type overdueBookingLister interface {
	List(ctx context.Context, filter bookings.ListFilter) ([]models.Booking, error)
}

type expiryHandler interface {
	HandleExpiry(ctx context.Context, bookingID uuid.UUID) error
}

// BookingExpirySweepJobParams configure the overdue booking sweep.
type BookingExpirySweepJobParams struct {
	Logger   *logger.Logger
	Bookings overdueBookingLister
	Expirer  expiryHandler
	Grace    time.Duration
	Batch    int
}

// NewBookingExpirySweepJob builds the job that expires pending bookings whose
// timer never fired, such as bookings created while the scheduler was down.
func NewBookingExpirySweepJob(params BookingExpirySweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Bookings == nil {
		return nil, fmt.Errorf("booking lister required")
	}
	if params.Expirer == nil {
		return nil, fmt.Errorf("expiry handler required")
	}
	grace := params.Grace
	if grace <= 0 {
		grace = defaultSweepGrace
	}
	batch := params.Batch
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	return &bookingExpirySweepJob{
		logg:     params.Logger,
		bookings: params.Bookings,
		expirer:  params.Expirer,
		grace:    grace,
		batch:    pagination.NormalizeLimit(batch),
		now:      time.Now,
	}, nil
}

type bookingExpirySweepJob struct {
	logg     *logger.Logger
	bookings overdueBookingLister
	expirer  expiryHandler
	grace    time.Duration
	batch    int
	now      func() time.Time
}

func (j *bookingExpirySweepJob) Name() string { return "booking-expiry-sweep" }

func (j *bookingExpirySweepJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.grace)
	sweepCtx := outbox.WithSource(ctx, outbox.SourceExpirySweep)

	filter := bookings.ListFilter{
		Status:        enums.BookingStatusPending,
		ExpiresBefore: cutoff,
		Pagination:    pagination.Params{Limit: j.batch},
	}

	var errs error
	swept := 0
	for page := 0; page < maxSweepPages; page++ {
		rows, err := j.bookings.List(ctx, filter)
		if err != nil {
			return multierr.Append(errs, fmt.Errorf("list overdue bookings: %w", err))
		}
		result := pagination.Trim(rows, j.batch, bookings.ExpiryCursor)
		for _, booking := range result.Items {
			if err := j.expirer.HandleExpiry(sweepCtx, booking.ID); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("expire booking %s: %w", booking.ID, err))
				continue
			}
			swept++
		}
		if result.NextCursor == "" {
			break
		}
		filter.Pagination.Cursor = result.NextCursor
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff": cutoff,
		"swept":  swept,
		"failed": len(multierr.Errors(errs)),
	})
	j.logg.Info(logCtx, "booking expiry sweep complete")
	return errs
}
