package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/medibook/hospital-booking/internal/booking"
	"github.com/medibook/hospital-booking/internal/payment"
)

func paymentMethodsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, payment.Methods())
	}
}

// payHandler settles an appointment's order through the local simulator and
// confirms the appointment in one call. Only available when the simulator
// backs the gateway; with a real gateway the patient pays in-channel and the
// callback below does the confirming.
func payHandler(svc *booking.Service, sim *payment.Simulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sim == nil {
			writeError(w, http.StatusNotImplemented, "not_supported", "direct payment is only available with the payment simulator")
			return
		}

		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		var req PayRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		detail, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		if detail.PatientID != GetPatientID(r.Context()) {
			writeError(w, http.StatusNotFound, "appointment_not_found", "appointment not found")
			return
		}

		if _, err := sim.MarkPaid(detail.PaymentOrderID, payment.Method(req.Method)); err != nil {
			handleServiceError(w, err)
			return
		}

		appt, err := svc.ConfirmPayment(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		respondAppointment(w, r, svc, http.StatusOK, appt)
	}
}

// paymentCallbackHandler is the gateway's settlement notification. The order
// status is re-queried from the gateway inside ConfirmPayment, so a forged
// body cannot confirm an unpaid appointment.
func paymentCallbackHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID := chi.URLParam(r, "orderID")

		var req PaymentCallbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		if req.Status != string(payment.StatusPaid) {
			// Failed/expired notifications need no action; the sweep handles
			// the timeout path.
			writeJSON(w, http.StatusOK, map[string]string{"result": "ignored"})
			return
		}

		appt, err := svc.ConfirmPaymentByOrder(r.Context(), orderID)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		respondAppointment(w, r, svc, http.StatusOK, appt)
	}
}
