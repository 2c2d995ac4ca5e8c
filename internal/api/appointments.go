package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medibook/hospital-booking/internal/booking"
)

func bookHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		slotID, err := uuid.Parse(req.SlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
			return
		}

		appt, err := svc.Book(r.Context(), slotID, GetPatientID(r.Context()), req.Symptoms)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		respondAppointment(w, r, svc, http.StatusCreated, appt)
	}
}

// respondAppointment re-reads the appointment with its slot so the payload
// carries the effective status and eligibility flags.
func respondAppointment(w http.ResponseWriter, r *http.Request, svc *booking.Service, status int, appt *booking.Appointment) {
	detail, err := svc.GetAppointment(r.Context(), appt.ID)
	if err != nil {
		writeJSON(w, status, toAppointmentResponse(appt, nil, svc.Now()))
		return
	}
	writeJSON(w, status, toAppointmentResponse(&detail.Appointment, detail.Slot, svc.Now()))
}

func listAppointmentsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)

		var status *booking.AppointmentStatus
		if raw := r.URL.Query().Get("status"); raw != "" {
			st := booking.AppointmentStatus(raw)
			status = &st
		}

		details, err := svc.ListAppointmentsByPatient(r.Context(), GetPatientID(r.Context()), status, limit, offset)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		now := svc.Now()
		items := make([]AppointmentResponse, 0, len(details))
		for i := range details {
			items = append(items, toAppointmentResponse(&details[i].Appointment, details[i].Slot, now))
		}
		writeJSON(w, http.StatusOK, ListResponse[AppointmentResponse]{Items: items, Limit: limit, Offset: offset})
	}
}

func getAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
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

		writeJSON(w, http.StatusOK, toAppointmentResponse(&detail.Appointment, detail.Slot, svc.Now()))
	}
}

func cancelAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		var req CancelRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		if !ownsAppointment(w, r, svc, id) {
			return
		}

		appt, err := svc.Cancel(r.Context(), id, req.Reason)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		respondAppointment(w, r, svc, http.StatusOK, appt)
	}
}

func rescheduleHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		var req RescheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		newSlotID, err := uuid.Parse(req.NewSlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "new_slot_id must be a valid UUID")
			return
		}

		if !ownsAppointment(w, r, svc, id) {
			return
		}

		appt, err := svc.Reschedule(r.Context(), id, newSlotID)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		respondAppointment(w, r, svc, http.StatusOK, appt)
	}
}

func listSlotsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var doctorID *uuid.UUID
		if raw := r.URL.Query().Get("doctor_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
				return
			}
			doctorID = &id
		}

		var date *time.Time
		if raw := r.URL.Query().Get("date"); raw != "" {
			d, err := time.Parse("2006-01-02", raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
				return
			}
			date = &d
		}

		slots, err := svc.ListSlots(r.Context(), doctorID, date)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		items := make([]SlotResponse, 0, len(slots))
		for _, s := range slots {
			items = append(items, toSlotResponse(s))
		}
		writeJSON(w, http.StatusOK, ListResponse[SlotResponse]{Items: items, Limit: len(items)})
	}
}

// ownsAppointment hides other patients' appointments behind a 404 rather
// than a 403, so ids cannot be enumerated.
func ownsAppointment(w http.ResponseWriter, r *http.Request, svc *booking.Service, id uuid.UUID) bool {
	detail, err := svc.GetAppointment(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return false
	}
	if detail.PatientID != GetPatientID(r.Context()) {
		writeError(w, http.StatusNotFound, "appointment_not_found", "appointment not found")
		return false
	}
	return true
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			offset = n
		}
	}
	return limit, offset
}
