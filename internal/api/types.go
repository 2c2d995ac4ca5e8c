package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/medibook/hospital-booking/internal/booking"
)

type BookRequest struct {
	SlotID   string `json:"slot_id"`
	Symptoms string `json:"symptoms,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RescheduleRequest struct {
	NewSlotID string `json:"new_slot_id"`
}

type PayRequest struct {
	Method string `json:"method,omitempty"`
}

type EnqueueRequest struct {
	SlotID string `json:"slot_id"`
}

type PaymentCallbackRequest struct {
	Status string `json:"status"`
}

type AppointmentResponse struct {
	ID            uuid.UUID     `json:"id"`
	SlotID        uuid.UUID     `json:"slot_id"`
	PatientID     uuid.UUID     `json:"patient_id"`
	OrderNo       string        `json:"order_no"`
	QueueNo       int           `json:"queue_no"`
	Status        string        `json:"status"`
	PaymentState  string        `json:"payment_state"`
	Source        string        `json:"source"`
	Symptoms      string        `json:"symptoms,omitempty"`
	CancelReason  string        `json:"cancel_reason,omitempty"`
	PayBy         time.Time     `json:"pay_by"`
	CanCancel     bool          `json:"can_cancel"`
	CanReschedule bool          `json:"can_reschedule"`
	Slot          *SlotResponse `json:"slot,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

type SlotResponse struct {
	ID         uuid.UUID `json:"id"`
	HospitalID uuid.UUID `json:"hospital_id"`
	DoctorID   uuid.UUID `json:"doctor_id"`
	Date       string    `json:"date"`
	Period     string    `json:"period"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Total      int       `json:"total"`
	Remaining  int       `json:"remaining"`
	PriceCents int64     `json:"price_cents"`
	Class      string    `json:"class"`
}

type WaitlistResponse struct {
	ID            uuid.UUID  `json:"id"`
	SlotID        uuid.UUID  `json:"slot_id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	Position      int        `json:"position"`
	Status        string     `json:"status"`
	ExpiresAt     time.Time  `json:"expires_at"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment, slot *booking.Slot, now time.Time) AppointmentResponse {
	resp := AppointmentResponse{
		ID:           a.ID,
		SlotID:       a.SlotID,
		PatientID:    a.PatientID,
		OrderNo:      a.OrderNo,
		QueueNo:      a.QueueNo,
		Status:       string(a.Status),
		PaymentState: string(a.PaymentState),
		Source:       string(a.Source),
		Symptoms:     a.Symptoms,
		CancelReason: a.CancelReason,
		PayBy:        a.PayBy,
		CreatedAt:    a.CreatedAt,
	}
	if slot != nil {
		eligible := booking.CanModify(a, slot, now)
		resp.CanCancel = eligible
		resp.CanReschedule = eligible
		sr := toSlotResponse(*slot)
		resp.Slot = &sr
	}
	return resp
}

func toSlotResponse(s booking.Slot) SlotResponse {
	return SlotResponse{
		ID:         s.ID,
		HospitalID: s.HospitalID,
		DoctorID:   s.DoctorID,
		Date:       s.Date.Format("2006-01-02"),
		Period:     string(s.Period),
		StartTime:  s.StartTime,
		EndTime:    s.EndTime,
		Total:      s.Total,
		Remaining:  s.Remaining,
		PriceCents: s.PriceCents,
		Class:      string(s.Class),
	}
}

func toWaitlistResponse(e *booking.WaitlistEntry) WaitlistResponse {
	return WaitlistResponse{
		ID:            e.ID,
		SlotID:        e.SlotID,
		PatientID:     e.PatientID,
		Position:      e.Position,
		Status:        string(e.Status),
		ExpiresAt:     e.ExpiresAt,
		AppointmentID: e.AppointmentID,
		CreatedAt:     e.CreatedAt,
	}
}
