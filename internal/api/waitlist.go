package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/medibook/hospital-booking/internal/booking"
)

func enqueueWaitlistHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		slotID, err := uuid.Parse(req.SlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
			return
		}

		entry, err := svc.Enqueue(r.Context(), slotID, GetPatientID(r.Context()))
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toWaitlistResponse(entry))
	}
}

func listWaitlistHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)

		entries, err := svc.ListWaitlistByPatient(r.Context(), GetPatientID(r.Context()), limit, offset)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		items := make([]WaitlistResponse, 0, len(entries))
		for i := range entries {
			items = append(items, toWaitlistResponse(&entries[i]))
		}
		writeJSON(w, http.StatusOK, ListResponse[WaitlistResponse]{Items: items, Limit: limit, Offset: offset})
	}
}

func cancelWaitlistHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		if !ownsWaitlistEntry(w, r, svc, id) {
			return
		}

		entry, err := svc.CancelEntry(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toWaitlistResponse(entry))
	}
}

func convertWaitlistHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		if !ownsWaitlistEntry(w, r, svc, id) {
			return
		}

		appt, err := svc.Convert(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		respondAppointment(w, r, svc, http.StatusCreated, appt)
	}
}

func ownsWaitlistEntry(w http.ResponseWriter, r *http.Request, svc *booking.Service, id uuid.UUID) bool {
	entry, err := svc.GetWaitlistEntry(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return false
	}
	if entry.PatientID != GetPatientID(r.Context()) {
		writeError(w, http.StatusNotFound, "waitlist_not_found", "waitlist entry not found")
		return false
	}
	return true
}
