package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrWaitlistNotFound    = errors.New("waitlist entry not found")

	// ErrSlotUnavailable means capacity was exhausted at reservation time.
	// Callers should offer the waitlist instead of retrying.
	ErrSlotUnavailable = errors.New("slot has no remaining capacity")
)

// Store is the single injected data-access interface of the engine. Two
// implementations exist: PgStore (Postgres) and MemoryStore (in-process);
// which one runs is decided once at startup, never per call.
type Store interface {
	// Referenced records (owned by the directory/patient services).
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	// Slot registry. ReserveSlot and ReleaseSlot are the only two ways
	// Remaining ever changes, and both are atomic per slot.
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	ListSlots(ctx context.Context, doctorID *uuid.UUID, date *time.Time) ([]Slot, error)
	ReserveSlot(ctx context.Context, id uuid.UUID) error
	ReleaseSlot(ctx context.Context, id uuid.UUID) error

	// Appointment ledger. Status changes go through compare-and-swap style
	// updates keyed on the expected current status, so a transition can
	// succeed at most once.
	CreateAppointment(ctx context.Context, a *Appointment) error
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentByOrderID(ctx context.Context, paymentOrderID string) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	MarkAppointmentPaid(ctx context.Context, id uuid.UUID) (*Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID, from AppointmentStatus, reason string, refunded bool) (*Appointment, error)
	MoveAppointment(ctx context.Context, m MoveAppointmentParams) (*Appointment, error)
	NextQueueNumber(ctx context.Context, slotID uuid.UUID) (int, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, status *AppointmentStatus, limit, offset int) ([]AppointmentDetail, error)
	CountActiveAppointmentsForSlot(ctx context.Context, slotID uuid.UUID) (int, error)

	// Lifecycle sweeps.
	FindExpiredPending(ctx context.Context, now time.Time) ([]Appointment, error)
	FindPastUncompleted(ctx context.Context, now time.Time) ([]Appointment, error)
	FindExpiredWaiting(ctx context.Context, now time.Time) ([]WaitlistEntry, error)

	// Waitlist queue.
	CreateWaitlistEntry(ctx context.Context, e *WaitlistEntry) error
	GetWaitlistEntryByID(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error)
	NextWaitlistPosition(ctx context.Context, slotID uuid.UUID) (int, error)
	FirstWaiting(ctx context.Context, slotID uuid.UUID) (*WaitlistEntry, error)
	UpdateWaitlistStatus(ctx context.Context, id uuid.UUID, from, to WaitlistStatus, appointmentID *uuid.UUID) (*WaitlistEntry, error)
	ListWaitlistByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]WaitlistEntry, error)

	// Event logging.
	InsertEvent(ctx context.Context, ev EventLog) error
}

// MoveAppointmentParams rebinds an appointment to a new slot during a
// reschedule. From guards against concurrent transitions: the update applies
// only while the appointment still has that status.
type MoveAppointmentParams struct {
	ID             uuid.UUID
	From           AppointmentStatus
	NewSlotID      uuid.UUID
	Status         AppointmentStatus
	PaymentState   PaymentState
	PaymentOrderID string
	QueueNo        int
	PayBy          time.Time
}
