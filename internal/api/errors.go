package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/training-booking/internal/booking"
	"github.com/hackgods/training-booking/internal/checkout"
	"github.com/hackgods/training-booking/internal/payment"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: msg})
}

func parseID(w http.ResponseWriter, raw, code, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, code, field+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// handleBookingError maps domain errors to HTTP responses.
func handleBookingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, booking.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, booking.ErrBookingNotFound):
		writeError(w, http.StatusNotFound, "booking_not_found", err.Error())
	case errors.Is(err, booking.ErrBundleBookingNotFound):
		writeError(w, http.StatusNotFound, "bundle_booking_not_found", err.Error())
	case errors.Is(err, booking.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order_not_found", err.Error())
	case errors.Is(err, booking.ErrServiceNotFound):
		writeError(w, http.StatusNotFound, "service_not_found", err.Error())
	case errors.Is(err, booking.ErrBundleNotFound):
		writeError(w, http.StatusNotFound, "bundle_not_found", err.Error())
	case errors.Is(err, booking.ErrProductNotFound):
		writeError(w, http.StatusNotFound, "product_not_found", err.Error())
	case errors.Is(err, booking.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found", err.Error())

	case errors.Is(err, booking.ErrSlotFull):
		writeError(w, http.StatusConflict, "slot_full", "this slot is fully booked")
	case errors.Is(err, booking.ErrDuplicateBooking):
		writeError(w, http.StatusConflict, "duplicate_booking", "you already have an active booking for this slot")
	case errors.Is(err, booking.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, booking.ErrBundleMember):
		writeError(w, http.StatusConflict, "bundle_member", err.Error())
	case errors.Is(err, booking.ErrOrderNotCancellable):
		writeError(w, http.StatusConflict, "order_not_cancellable", err.Error())
	case errors.Is(err, booking.ErrSlotInUse):
		writeError(w, http.StatusConflict, "slot_in_use", err.Error())
	case errors.Is(err, checkout.ErrBundleUnavailable):
		writeError(w, http.StatusConflict, "bundle_unavailable", err.Error())

	case errors.Is(err, booking.ErrCapacityBelowBooked):
		writeError(w, http.StatusUnprocessableEntity, "capacity_below_booked", err.Error())
	case errors.Is(err, booking.ErrInvalidCapacity):
		writeError(w, http.StatusUnprocessableEntity, "invalid_capacity", err.Error())

	case errors.Is(err, booking.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
	case errors.Is(err, booking.ErrServiceMismatch):
		writeError(w, http.StatusBadRequest, "service_mismatch", err.Error())
	case errors.Is(err, booking.ErrInvalidBundle):
		writeError(w, http.StatusBadRequest, "invalid_bundle", err.Error())
	case errors.Is(err, checkout.ErrEmptyCart):
		writeError(w, http.StatusBadRequest, "empty_cart", err.Error())
	case errors.Is(err, checkout.ErrInvalidItem):
		writeError(w, http.StatusBadRequest, "invalid_item", err.Error())

	case errors.Is(err, booking.ErrTransient),
		errors.Is(err, payment.ErrOrderLocked):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "please retry shortly")
	case errors.Is(err, payment.ErrStripeAPI):
		writeError(w, http.StatusBadGateway, "payment_provider_error", "could not create the checkout session")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
