package booking

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusTimeout   AppointmentStatus = "timeout"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s AppointmentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusTimeout
}

type PaymentState string

const (
	PaymentPending  PaymentState = "pending"
	PaymentPaid     PaymentState = "paid"
	PaymentRefunded PaymentState = "refunded"
)

type Source string

const (
	SourceDirect   Source = "direct"
	SourceWaitlist Source = "waitlist"
)

type WaitlistStatus string

const (
	WaitlistWaiting   WaitlistStatus = "waiting"
	WaitlistConverted WaitlistStatus = "converted"
	WaitlistCancelled WaitlistStatus = "cancelled"
	WaitlistExpired   WaitlistStatus = "expired"
)

type Period string

const (
	PeriodMorning   Period = "morning"
	PeriodAfternoon Period = "afternoon"
	PeriodEvening   Period = "evening"
)

type ClinicClass string

const (
	ClinicNormal        ClinicClass = "normal"
	ClinicExpert        ClinicClass = "expert"
	ClinicInternational ClinicClass = "international"
)

type Patient struct {
	ID        uuid.UUID
	Name      string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID           uuid.UUID
	DepartmentID uuid.UUID
	Name         string
	Title        *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Slot is one bookable doctor/date/period unit. The directory service creates
// slots; this engine only ever moves Remaining, and only through the store's
// ReserveSlot/ReleaseSlot so that 0 <= Remaining <= Total holds everywhere.
type Slot struct {
	ID           uuid.UUID
	HospitalID   uuid.UUID
	DepartmentID uuid.UUID
	DoctorID     uuid.UUID
	Date         time.Time // visit date at midnight local
	Period       Period
	StartTime    time.Time
	EndTime      time.Time
	Total        int
	Remaining    int
	PriceCents   int64
	Class        ClinicClass
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Appointment struct {
	ID             uuid.UUID
	SlotID         uuid.UUID
	PatientID      uuid.UUID
	OrderNo        string
	QueueNo        int // per-slot display counter, independent of capacity
	Status         AppointmentStatus
	PaymentState   PaymentState
	PaymentOrderID string
	Source         Source
	WaitlistID     *uuid.UUID // set when converted from a waitlist entry
	Symptoms       string
	CancelReason   string
	PayBy          time.Time // unpaid past this instant, the sweep times the appointment out
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type WaitlistEntry struct {
	ID            uuid.UUID
	SlotID        uuid.UUID
	PatientID     uuid.UUID
	Position      int // arrival-order stamp, strictly increasing per slot, never reused
	Status        WaitlistStatus
	ExpiresAt     time.Time // day before the slot date at the configured cutoff hour
	AppointmentID *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	WaitlistID    *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type AppointmentDetail struct {
	Appointment
	Slot *Slot
}

// EffectiveStatus applies the lazy completed transition at read time: an
// appointment still marked pending or confirmed whose slot has fully passed
// is presented as completed even before the sweep persists it.
func EffectiveStatus(a *Appointment, slot *Slot, now time.Time) AppointmentStatus {
	if (a.Status == StatusPending || a.Status == StatusConfirmed) && slot.EndTime.Before(now) {
		return StatusCompleted
	}
	return a.Status
}

// CanModify reports cancel/reschedule eligibility. Both share one rule: the
// appointment must still be effectively pending or confirmed and the visit
// must not have started.
func CanModify(a *Appointment, slot *Slot, now time.Time) bool {
	eff := EffectiveStatus(a, slot, now)
	if eff != StatusPending && eff != StatusConfirmed {
		return false
	}
	return slot.StartTime.After(now)
}
