package api

import (
	"errors"
	"net/http"

	"github.com/medibook/hospital-booking/internal/booking"
	"github.com/medibook/hospital-booking/internal/payment"
	redisclient "github.com/medibook/hospital-booking/internal/redis"
)

// handleServiceError maps the engine's error taxonomy to HTTP codes. The
// error text carries which condition failed, so it is passed through for the
// UI to show.
func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, booking.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, booking.ErrWaitlistNotFound):
		writeError(w, http.StatusNotFound, "waitlist_not_found", err.Error())
	case errors.Is(err, booking.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, booking.ErrSlotNotFull):
		writeError(w, http.StatusConflict, "slot_not_full", err.Error())
	case errors.Is(err, booking.ErrNotEligible):
		writeError(w, http.StatusConflict, "not_eligible", err.Error())
	case errors.Is(err, booking.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "already_resolved", err.Error())
	case errors.Is(err, booking.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, booking.ErrSlotBeingBooked),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	case errors.Is(err, booking.ErrPaymentGateway), errors.Is(err, payment.ErrGateway):
		writeError(w, http.StatusBadGateway, "payment_gateway_error", err.Error())
	case errors.Is(err, payment.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "payment_order_not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
