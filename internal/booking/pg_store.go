package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is the Postgres-backed Store. Capacity moves through single
// conditional UPDATEs and status changes through CAS-style WHERE clauses, so
// no invariant depends on application-side read-modify-write.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(
		&s.ID,
		&s.HospitalID,
		&s.DepartmentID,
		&s.DoctorID,
		&s.Date,
		&s.Period,
		&s.StartTime,
		&s.EndTime,
		&s.Total,
		&s.Remaining,
		&s.PriceCents,
		&s.Class,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

const appointmentColumns = `
	id, slot_id, patient_id, order_no, queue_no, status, payment_state,
	payment_order_id, source, waitlist_id, symptoms, cancel_reason, pay_by,
	created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.SlotID,
		&a.PatientID,
		&a.OrderNo,
		&a.QueueNo,
		&a.Status,
		&a.PaymentState,
		&a.PaymentOrderID,
		&a.Source,
		&a.WaitlistID,
		&a.Symptoms,
		&a.CancelReason,
		&a.PayBy,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

const waitlistColumns = `
	id, slot_id, patient_id, position, status, expires_at, appointment_id,
	created_at, updated_at`

func scanWaitlistEntry(row pgx.Row) (*WaitlistEntry, error) {
	var e WaitlistEntry
	err := row.Scan(
		&e.ID,
		&e.SlotID,
		&e.PatientID,
		&e.Position,
		&e.Status,
		&e.ExpiresAt,
		&e.AppointmentID,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWaitlistNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Interface methods

func (r *PgStore) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgStore) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, hospital_id, department_id, doctor_id, visit_date, period,
		       start_time, end_time, total, remaining, price_cents, class,
		       created_at, updated_at
		FROM slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgStore) ListSlots(ctx context.Context, doctorID *uuid.UUID, date *time.Time) ([]Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, hospital_id, department_id, doctor_id, visit_date, period,
		       start_time, end_time, total, remaining, price_cents, class,
		       created_at, updated_at
		FROM slots
		WHERE ($1::uuid IS NULL OR doctor_id = $1::uuid)
		  AND ($2::date IS NULL OR visit_date = $2::date)
		ORDER BY start_time
	`, doctorID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *PgStore) ReserveSlot(ctx context.Context, id uuid.UUID) error {
	// The remaining > 0 check and the decrement are one statement; two
	// concurrent reservations of the last seat cannot both commit.
	tag, err := r.pool.Exec(ctx, `
		UPDATE slots
		SET remaining = remaining - 1,
		    updated_at = now()
		WHERE id = $1
		  AND remaining > 0
	`, id)
	if err != nil {
		return fmt.Errorf("reserve slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetSlot(ctx, id); err != nil {
			return err
		}
		return ErrSlotUnavailable
	}
	return nil
}

func (r *PgStore) ReleaseSlot(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE slots
		SET remaining = LEAST(remaining + 1, total),
		    updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *PgStore) CreateAppointment(ctx context.Context, a *Appointment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointments (
			id, slot_id, patient_id, order_no, queue_no, status, payment_state,
			payment_order_id, source, waitlist_id, symptoms, cancel_reason,
			pay_by, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '', $12, $13, $14)
	`, a.ID, a.SlotID, a.PatientID, a.OrderNo, a.QueueNo, a.Status, a.PaymentState,
		a.PaymentOrderID, a.Source, a.WaitlistID, a.Symptoms, a.PayBy, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r *PgStore) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgStore) GetAppointmentByOrderID(ctx context.Context, paymentOrderID string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE payment_order_id = $1
	`, paymentOrderID)
	return scanAppointment(row)
}

func (r *PgStore) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)
	return scanAppointment(row)
}

func (r *PgStore) MarkAppointmentPaid(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'confirmed',
		    payment_state = 'paid',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING `+appointmentColumns+`
	`, id)
	return scanAppointment(row)
}

func (r *PgStore) CancelAppointment(ctx context.Context, id uuid.UUID, from AppointmentStatus, reason string, refunded bool) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    cancel_reason = $2,
		    payment_state = CASE WHEN $3 THEN 'refunded' ELSE payment_state END,
		    updated_at = now()
		WHERE id = $1
		  AND status = $4
		RETURNING `+appointmentColumns+`
	`, id, reason, refunded, from)
	return scanAppointment(row)
}

func (r *PgStore) MoveAppointment(ctx context.Context, p MoveAppointmentParams) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET slot_id = $2,
		    status = $3,
		    payment_state = $4,
		    payment_order_id = $5,
		    queue_no = $6,
		    pay_by = $7,
		    updated_at = now()
		WHERE id = $1
		  AND status = $8
		RETURNING `+appointmentColumns+`
	`, p.ID, p.NewSlotID, p.Status, p.PaymentState, p.PaymentOrderID, p.QueueNo, p.PayBy, p.From)
	return scanAppointment(row)
}

func (r *PgStore) NextQueueNumber(ctx context.Context, slotID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(queue_no), 0) + 1
		FROM appointments
		WHERE slot_id = $1
	`, slotID).Scan(&n)
	return n, err
}

func (r *PgStore) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, status *AppointmentStatus, limit, offset int) ([]AppointmentDetail, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.slot_id, a.patient_id, a.order_no, a.queue_no, a.status,
		       a.payment_state, a.payment_order_id, a.source, a.waitlist_id,
		       a.symptoms, a.cancel_reason, a.pay_by, a.created_at, a.updated_at,
		       s.id, s.hospital_id, s.department_id, s.doctor_id, s.visit_date,
		       s.period, s.start_time, s.end_time, s.total, s.remaining,
		       s.price_cents, s.class, s.created_at, s.updated_at
		FROM appointments a
		JOIN slots s ON s.id = a.slot_id
		WHERE a.patient_id = $1
		  AND ($2::text IS NULL OR a.status = $2)
		ORDER BY a.created_at DESC
		LIMIT $3 OFFSET $4
	`, patientID, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AppointmentDetail
	for rows.Next() {
		var a Appointment
		var s Slot
		err := rows.Scan(
			&a.ID, &a.SlotID, &a.PatientID, &a.OrderNo, &a.QueueNo, &a.Status,
			&a.PaymentState, &a.PaymentOrderID, &a.Source, &a.WaitlistID,
			&a.Symptoms, &a.CancelReason, &a.PayBy, &a.CreatedAt, &a.UpdatedAt,
			&s.ID, &s.HospitalID, &s.DepartmentID, &s.DoctorID, &s.Date,
			&s.Period, &s.StartTime, &s.EndTime, &s.Total, &s.Remaining,
			&s.PriceCents, &s.Class, &s.CreatedAt, &s.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, AppointmentDetail{Appointment: a, Slot: &s})
	}
	return out, rows.Err()
}

func (r *PgStore) CountActiveAppointmentsForSlot(ctx context.Context, slotID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM appointments
		WHERE slot_id = $1
		  AND status IN ('pending', 'confirmed')
	`, slotID).Scan(&n)
	return n, err
}

func (r *PgStore) FindExpiredPending(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'pending'
		  AND pay_by < $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *PgStore) FindPastUncompleted(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.slot_id, a.patient_id, a.order_no, a.queue_no, a.status,
		       a.payment_state, a.payment_order_id, a.source, a.waitlist_id,
		       a.symptoms, a.cancel_reason, a.pay_by, a.created_at, a.updated_at
		FROM appointments a
		JOIN slots s ON s.id = a.slot_id
		WHERE a.status IN ('pending', 'confirmed')
		  AND s.end_time < $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *PgStore) FindExpiredWaiting(ctx context.Context, now time.Time) ([]WaitlistEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+waitlistColumns+`
		FROM waitlist_entries
		WHERE status = 'waiting'
		  AND expires_at < $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WaitlistEntry
	for rows.Next() {
		e, err := scanWaitlistEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *PgStore) CreateWaitlistEntry(ctx context.Context, e *WaitlistEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO waitlist_entries (
			id, slot_id, patient_id, position, status, expires_at,
			appointment_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.SlotID, e.PatientID, e.Position, e.Status, e.ExpiresAt,
		e.AppointmentID, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r *PgStore) GetWaitlistEntryByID(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+waitlistColumns+`
		FROM waitlist_entries
		WHERE id = $1
	`, id)
	return scanWaitlistEntry(row)
}

func (r *PgStore) NextWaitlistPosition(ctx context.Context, slotID uuid.UUID) (int, error) {
	// Max over every entry ever created for the slot, so stamps are never
	// reused after a cancellation.
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(position), 0) + 1
		FROM waitlist_entries
		WHERE slot_id = $1
	`, slotID).Scan(&n)
	return n, err
}

func (r *PgStore) FirstWaiting(ctx context.Context, slotID uuid.UUID) (*WaitlistEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+waitlistColumns+`
		FROM waitlist_entries
		WHERE slot_id = $1
		  AND status = 'waiting'
		ORDER BY position
		LIMIT 1
	`, slotID)
	return scanWaitlistEntry(row)
}

func (r *PgStore) UpdateWaitlistStatus(ctx context.Context, id uuid.UUID, from, to WaitlistStatus, appointmentID *uuid.UUID) (*WaitlistEntry, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE waitlist_entries
		SET status = $2,
		    appointment_id = COALESCE($3, appointment_id),
		    updated_at = now()
		WHERE id = $1
		  AND status = $4
		RETURNING `+waitlistColumns+`
	`, id, to, appointmentID, from)
	return scanWaitlistEntry(row)
}

func (r *PgStore) ListWaitlistByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]WaitlistEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+waitlistColumns+`
		FROM waitlist_entries
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WaitlistEntry
	for rows.Next() {
		e, err := scanWaitlistEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *PgStore) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, waitlist_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.AppointmentID, ev.WaitlistID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ Store = (*PgStore)(nil)
