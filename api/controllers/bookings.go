package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/bookings-backend/api/responses"
	"github.com/angelmondragon/bookings-backend/api/validators"
	bookingsvc "github.com/angelmondragon/bookings-backend/internal/bookings"
	pkgerrors "github.com/angelmondragon/bookings-backend/pkg/errors"
	"github.com/angelmondragon/bookings-backend/pkg/logger"
)

// Quantity is left unvalidated here so the service owns the positive-quantity rule.
type createBookingRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (p createBookingRequest) toInput() (bookingsvc.CreateBookingInput, error) {
	input := bookingsvc.CreateBookingInput{Quantity: p.Quantity}
	raw := strings.TrimSpace(p.ProductID)
	if raw == "" {
		return input, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return input, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid product_id").
			WithDetails(map[string]any{"field": "product_id"})
	}
	input.ProductID = id
	return input, nil
}

// CreateBooking handles POST /api/v1/bookings.
func CreateBooking(svc bookingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "booking service unavailable"))
			return
		}
		var payload createBookingRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		input, err := payload.toInput()
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		booking, err := svc.CreateBooking(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteCreated(w, booking)
	}
}

// GetBooking handles GET /api/v1/bookings/{bookingId}.
func GetBooking(svc bookingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	if svc == nil {
		return unavailable(logg, "booking service unavailable")
	}
	return bookingAction(logg, svc.GetBooking)
}

// ConfirmBooking handles POST /api/v1/bookings/{bookingId}/confirm.
func ConfirmBooking(svc bookingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	if svc == nil {
		return unavailable(logg, "booking service unavailable")
	}
	return bookingAction(logg, svc.ConfirmBooking)
}

// CancelBooking handles POST /api/v1/bookings/{bookingId}/cancel.
func CancelBooking(svc bookingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	if svc == nil {
		return unavailable(logg, "booking service unavailable")
	}
	return bookingAction(logg, svc.CancelBooking)
}

func bookingAction(logg *logger.Logger, call func(ctx context.Context, id uuid.UUID) (*bookingsvc.BookingDTO, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bookingID, err := pathUUID(r, "bookingId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		booking, err := call(r.Context(), bookingID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, booking)
	}
}

func unavailable(logg *logger.Logger, msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, msg))
	}
}
