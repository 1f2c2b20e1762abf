package bookings

import (
	"context"
	"fmt"
	"time"

	product "github.com/angelmondragon/bookings-backend/internal/products"
	"github.com/angelmondragon/bookings-backend/internal/scheduler"
	"github.com/angelmondragon/bookings-backend/pkg/db/models"
	"github.com/angelmondragon/bookings-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bookings-backend/pkg/errors"
	"github.com/angelmondragon/bookings-backend/pkg/logger"
	"github.com/angelmondragon/bookings-backend/pkg/metrics"
	"github.com/angelmondragon/bookings-backend/pkg/outbox"
	"github.com/angelmondragon/bookings-backend/pkg/outbox/payloads"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultExpiryWindow is how long a booking may stay pending.
const DefaultExpiryWindow = time.Minute

const (
	msgBookingNotFound  = "Booking not found"
	msgCannotConfirm    = "Booking cannot be confirmed"
	msgCannotCancel     = "Booking cannot be cancelled"
	msgQuantityPositive = "quantity must be greater than zero"
	msgProductRequired  = "product_id is required"
)

// Service drives the booking lifecycle: pending bookings hold stock until
// they are confirmed, canceled or expired.
type Service interface {
	CreateBooking(ctx context.Context, input CreateBookingInput) (*BookingDTO, error)
	GetBooking(ctx context.Context, bookingID uuid.UUID) (*BookingDTO, error)
	ConfirmBooking(ctx context.Context, bookingID uuid.UUID) (*BookingDTO, error)
	CancelBooking(ctx context.Context, bookingID uuid.UUID) (*BookingDTO, error)
	// HandleExpiry expires the booking if it is still pending. Any other
	// state, including a missing booking, is a no-op, so repeated delivery
	// is safe.
	HandleExpiry(ctx context.Context, bookingID uuid.UUID) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams wires the booking service collaborators.
type ServiceParams struct {
	Logger       *logger.Logger
	DB           txRunner
	Repo         Repository
	Inventory    product.InventoryStore
	Scheduler    scheduler.Scheduler
	Outbox       outbox.Emitter
	Metrics      *metrics.BookingMetrics
	ExpiryWindow time.Duration
}

type service struct {
	logg      *logger.Logger
	db        txRunner
	repo      Repository
	inventory product.InventoryStore
	scheduler scheduler.Scheduler
	outbox    outbox.Emitter
	metrics   *metrics.BookingMetrics
	window    time.Duration
	now       func() time.Time
}

// NewService constructs the booking lifecycle service.
func NewService(params ServiceParams) (Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("booking repository required")
	}
	if params.Inventory == nil {
		return nil, fmt.Errorf("inventory store required")
	}
	if params.Scheduler == nil {
		return nil, fmt.Errorf("scheduler required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	window := params.ExpiryWindow
	if window <= 0 {
		window = DefaultExpiryWindow
	}
	return &service{
		logg:      params.Logger,
		db:        params.DB,
		repo:      params.Repo,
		inventory: params.Inventory,
		scheduler: params.Scheduler,
		outbox:    params.Outbox,
		metrics:   params.Metrics,
		window:    window,
		now:       time.Now,
	}, nil
}

func (s *service) CreateBooking(ctx context.Context, input CreateBookingInput) (*BookingDTO, error) {
	if input.ProductID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, msgProductRequired)
	}
	if input.Quantity <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, msgQuantityPositive)
	}
	ctx = s.logg.WithProductID(ctx, input.ProductID)

	now := s.now().UTC()
	booking := &models.Booking{
		ProductID: input.ProductID,
		Quantity:  input.Quantity,
		Status:    enums.BookingStatusPending,
		ExpiresAt: now.Add(s.window),
	}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.inventory.Reserve(ctx, tx, input.ProductID, input.Quantity); err != nil {
			return err
		}
		if _, err := s.repo.WithTx(tx).Create(ctx, booking); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create booking")
		}
		return s.emit(ctx, tx, booking, "", now, false)
	})
	if err != nil {
		s.metrics.ObserveTransition(metrics.OpCreate, outcomeFor(err))
		return nil, err
	}

	ctx = s.logg.WithBookingID(ctx, booking.ID)
	s.scheduleExpiry(ctx, booking)
	s.metrics.ObserveTransition(metrics.OpCreate, metrics.OutcomeSuccess)
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"quantity":   booking.Quantity,
		"expires_at": booking.ExpiresAt.Format(time.RFC3339Nano),
	}), "booking created")
	return mapBookingDTO(booking), nil
}

// scheduleExpiry registers the expiry task and stores its handle. Failures
// leave the booking pending without a handle; the expiry sweep covers it.
func (s *service) scheduleExpiry(ctx context.Context, booking *models.Booking) {
	handle, err := s.scheduler.Schedule(ctx, booking.ExpiresAt, booking.ID)
	if err != nil {
		s.metrics.IncSchedulingDegraded()
		s.logg.Warn(s.logg.WithError(ctx, err), "expiry scheduling degraded; booking has no expiry task")
		return
	}
	ctx = s.logg.WithField(ctx, "expiry_task_id", handle.String())

	attached, err := s.repo.AttachExpiryTask(ctx, booking.ID, handle.String())
	if err != nil {
		// The task stays scheduled; expiry re-checks status when it fires.
		s.metrics.IncSchedulingDegraded()
		s.logg.Warn(s.logg.WithError(ctx, err), "failed to store expiry task handle")
		return
	}
	if !attached {
		if _, cancelErr := s.scheduler.Cancel(ctx, handle); cancelErr != nil {
			s.logg.Warn(s.logg.WithError(ctx, cancelErr), "failed to cancel expiry task for settled booking")
		}
		return
	}
	value := handle.String()
	booking.ExpiryTaskID = &value
}

func (s *service) GetBooking(ctx context.Context, bookingID uuid.UUID) (*BookingDTO, error) {
	booking, err := s.repo.FindByID(ctx, bookingID)
	if err != nil {
		return nil, mapLookupError(err, "load booking")
	}
	return mapBookingDTO(booking), nil
}

// transition describes a user-driven move out of pending.
type transition struct {
	op      string
	to      enums.BookingStatus
	release bool
	reject  string
}

var (
	confirmTransition = transition{op: metrics.OpConfirm, to: enums.BookingStatusConfirmed, reject: msgCannotConfirm}
	cancelTransition  = transition{op: metrics.OpCancel, to: enums.BookingStatusCanceled, release: true, reject: msgCannotCancel}
)

func (s *service) ConfirmBooking(ctx context.Context, bookingID uuid.UUID) (*BookingDTO, error) {
	return s.settle(ctx, bookingID, confirmTransition)
}

func (s *service) CancelBooking(ctx context.Context, bookingID uuid.UUID) (*BookingDTO, error) {
	return s.settle(ctx, bookingID, cancelTransition)
}

func (s *service) settle(ctx context.Context, bookingID uuid.UUID, t transition) (*BookingDTO, error) {
	ctx = s.logg.WithBookingID(ctx, bookingID)
	ctx = s.logg.WithField(ctx, "operation", t.op)

	booking, err := s.repo.FindByID(ctx, bookingID)
	if err != nil {
		err = mapLookupError(err, "load booking")
		s.metrics.ObserveTransition(t.op, outcomeFor(err))
		return nil, err
	}
	if booking.Status != enums.BookingStatusPending {
		s.metrics.ObserveTransition(t.op, metrics.OutcomeInvalidTransition)
		return nil, invalidTransition(t.reject, booking.Status)
	}

	timerStopped := s.cancelExpiry(ctx, booking)

	now := s.now().UTC()
	var settled *models.Booking
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ok, err := repo.TransitionFromPending(ctx, booking.ID, t.to, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update booking status")
		}
		if !ok {
			current, findErr := repo.FindByID(ctx, booking.ID)
			if findErr != nil {
				return mapLookupError(findErr, "reload booking")
			}
			return invalidTransition(t.reject, current.Status)
		}
		if t.release {
			if err := s.inventory.Release(ctx, tx, booking.ProductID, booking.Quantity); err != nil {
				return err
			}
		}
		settled, err = repo.FindByID(ctx, booking.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload booking")
		}
		return s.emit(ctx, tx, settled, enums.BookingStatusPending, now, t.release)
	})
	if err != nil {
		if timerStopped && !pkgerrors.HasCode(err, pkgerrors.CodeInvalidTransition) {
			// Rolled back with the booking still pending; its timer is gone.
			s.logg.Warn(s.logg.WithError(ctx, err), "settle rolled back; re-arming expiry task")
			s.scheduleExpiry(context.WithoutCancel(ctx), booking)
		}
		s.metrics.ObserveTransition(t.op, outcomeFor(err))
		return nil, err
	}

	s.metrics.ObserveTransition(t.op, metrics.OutcomeSuccess)
	s.logg.Info(s.logg.WithField(ctx, "status", settled.Status), "booking settled")
	return mapBookingDTO(settled), nil
}

// cancelExpiry tries to stop the pending expiry task and reports whether it
// was removed. The outcome never blocks the transition: the status
// compare-and-set decides the winner.
func (s *service) cancelExpiry(ctx context.Context, booking *models.Booking) bool {
	if booking.ExpiryTaskID == nil || *booking.ExpiryTaskID == "" {
		return false
	}
	handle := scheduler.Handle(*booking.ExpiryTaskID)
	ctx = s.logg.WithField(ctx, "expiry_task_id", handle.String())

	removed, err := s.scheduler.Cancel(ctx, handle)
	if err != nil {
		s.metrics.IncCancellationUncertain(metrics.CancelUncertainError)
		s.logg.Warn(s.logg.WithError(ctx, err), "expiry task cancellation uncertain")
		return false
	}
	if !removed {
		s.metrics.IncCancellationUncertain(metrics.CancelUncertainTooLate)
		s.logg.Warn(ctx, "expiry task already fired or missing")
	}
	return removed
}

func (s *service) HandleExpiry(ctx context.Context, bookingID uuid.UUID) error {
	ctx = s.logg.WithBookingID(ctx, bookingID)
	ctx = s.logg.WithField(ctx, "operation", metrics.OpExpire)

	booking, err := s.repo.FindByID(ctx, bookingID)
	if err != nil {
		if isNotFound(err) {
			s.metrics.ObserveTransition(metrics.OpExpire, metrics.OutcomeNoop)
			s.logg.Debug(ctx, "expiry skipped; booking missing")
			return nil
		}
		s.metrics.ObserveTransition(metrics.OpExpire, metrics.OutcomeError)
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load booking")
	}
	if booking.Status != enums.BookingStatusPending {
		s.metrics.ObserveTransition(metrics.OpExpire, metrics.OutcomeNoop)
		s.logg.Debug(s.logg.WithField(ctx, "status", booking.Status), "expiry skipped; booking settled")
		return nil
	}

	now := s.now().UTC()
	expired := false
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ok, err := repo.TransitionFromPending(ctx, booking.ID, enums.BookingStatusExpired, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "expire booking")
		}
		if !ok {
			return nil
		}
		if err := s.inventory.Release(ctx, tx, booking.ProductID, booking.Quantity); err != nil {
			return err
		}
		current, err := repo.FindByID(ctx, booking.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload booking")
		}
		expired = true
		return s.emit(ctx, tx, current, enums.BookingStatusPending, now, true)
	})
	if err != nil {
		s.metrics.ObserveTransition(metrics.OpExpire, metrics.OutcomeError)
		return err
	}
	if !expired {
		s.metrics.ObserveTransition(metrics.OpExpire, metrics.OutcomeNoop)
		return nil
	}

	s.metrics.ObserveTransition(metrics.OpExpire, metrics.OutcomeSuccess)
	s.logg.Info(s.logg.WithField(ctx, "quantity", booking.Quantity), "booking expired")
	return nil
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, booking *models.Booking, previous enums.BookingStatus, at time.Time, released bool) error {
	eventType, err := enums.EventTypeForStatus(booking.Status)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolve booking event")
	}
	source := outbox.SourceAPI
	if booking.Status == enums.BookingStatusExpired {
		source = outbox.SourceExpiryWorker
	}
	event := outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateBooking,
		AggregateID:   booking.ID,
		Source:        outbox.SourceFromContext(ctx, source),
		OccurredAt:    at,
		Data: payloads.BookingEvent{
			BookingID:      booking.ID,
			ProductID:      booking.ProductID,
			Quantity:       booking.Quantity,
			Status:         booking.Status,
			PreviousStatus: previous,
			ExpiresAt:      booking.ExpiresAt,
			ExpiredAt:      booking.ExpiredAt,
			StockReleased:  released,
		},
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit booking event")
	}
	return nil
}

func invalidTransition(message string, current enums.BookingStatus) error {
	return pkgerrors.New(pkgerrors.CodeInvalidTransition, message).
		WithDetails(map[string]any{"status": current})
}

func mapLookupError(err error, action string) error {
	if isNotFound(err) {
		return pkgerrors.New(pkgerrors.CodeNotFound, msgBookingNotFound)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, action)
}

func outcomeFor(err error) string {
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.CodeInsufficientStock:
		return metrics.OutcomeInsufficientStock
	case pkgerrors.CodeNotFound:
		return metrics.OutcomeNotFound
	case pkgerrors.CodeInvalidTransition:
		return metrics.OutcomeInvalidTransition
	default:
		return metrics.OutcomeError
	}
}
