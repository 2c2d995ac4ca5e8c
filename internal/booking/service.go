package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medibook/hospital-booking/internal/clock"
	"github.com/medibook/hospital-booking/internal/config"
	"github.com/medibook/hospital-booking/internal/notify"
	"github.com/medibook/hospital-booking/internal/payment"
	redisclient "github.com/medibook/hospital-booking/internal/redis"
)

const (
	EventAppointmentCreated     = "APPOINTMENT_CREATED"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentTimedOut    = "APPOINTMENT_TIMED_OUT"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventWaitlistQueued         = "WAITLIST_QUEUED"
	EventWaitlistCancelled      = "WAITLIST_CANCELLED"
	EventWaitlistConverted      = "WAITLIST_CONVERTED"
	EventWaitlistExpired        = "WAITLIST_EXPIRED"
)

var (
	ErrSlotBeingBooked = errors.New("slot is currently being booked, please retry")

	// ErrNotEligible covers cancel/reschedule attempts outside the allowed
	// window or on a terminal appointment. It is wrapped with which
	// condition failed so the UI can explain.
	ErrNotEligible = errors.New("appointment is not eligible for this action")

	ErrInvalidStatusTransition = errors.New("invalid status transition")

	// ErrSlotNotFull rejects a waitlist enqueue while the slot can still be
	// booked directly.
	ErrSlotNotFull = errors.New("slot still has capacity, book it directly")

	// ErrAlreadyResolved signals a duplicate cancel/convert of a terminal
	// waitlist entry.
	ErrAlreadyResolved = errors.New("waitlist entry already resolved")

	ErrPaymentGateway = errors.New("payment gateway unavailable")
)

// Service is the appointment and waitlist lifecycle engine. Every capacity
// mutation funnels through the store's atomic ReserveSlot/ReleaseSlot, and
// every release is paired with a successful status CAS (or compensates a
// reservation made earlier in the same call), so capacity can neither leak
// nor double-release.
type Service struct {
	store    Store
	locker   redisclient.Locker
	gateway  payment.Gateway
	notifier notify.Notifier
	clock    clock.Clock
	cfg      config.Config
	log      zerolog.Logger

	orderSeq atomic.Int64
}

func NewService(store Store, locker redisclient.Locker, gateway payment.Gateway, notifier notify.Notifier, clk clock.Clock, cfg config.Config, log zerolog.Logger) *Service {
	s := &Service{
		store:    store,
		locker:   locker,
		gateway:  gateway,
		notifier: notifier,
		clock:    clk,
		cfg:      cfg,
		log:      log,
	}
	s.orderSeq.Store(clk.Now().UnixNano() % 1_000_000)
	return s
}

// Book reserves capacity on the slot, opens a payment order, and records a
// pending appointment. If the gateway cannot be reached the reservation is
// released again so no phantom hold survives the call.
func (s *Service) Book(ctx context.Context, slotID, patientID uuid.UUID, symptoms string) (*Appointment, error) {
	if _, err := s.store.GetPatientByID(ctx, patientID); err != nil {
		return nil, err
	}

	slot, err := s.store.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if !slot.StartTime.After(now) {
		return nil, fmt.Errorf("%w: visit time has passed", ErrSlotUnavailable)
	}

	return s.createAppointment(ctx, slot, patientID, symptoms, SourceDirect, nil, s.cfg.PaymentTTL)
}

// createAppointment is shared by Book and waitlist conversion. The slot lock
// only covers the capacity reservation and queue-number assignment; the
// gateway round trip happens after it is dropped.
func (s *Service) createAppointment(ctx context.Context, slot *Slot, patientID uuid.UUID, symptoms string, source Source, waitlistID *uuid.UUID, payTTL time.Duration) (*Appointment, error) {
	var queueNo int

	err := s.locker.WithSlotLock(ctx, slot.ID, func(lockCtx context.Context) error {
		if err := s.store.ReserveSlot(lockCtx, slot.ID); err != nil {
			return err
		}
		n, err := s.store.NextQueueNumber(lockCtx, slot.ID)
		if err != nil {
			// Queue numbers are display-only, losing one is not worth
			// failing the booking over.
			s.log.Warn().Err(err).Stringer("slot_id", slot.ID).Msg("queue number assignment failed")
			n = 0
		}
		queueNo = n
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	now := s.clock.Now()
	apptID := uuid.New()

	order, err := s.gateway.CreateOrder(ctx, apptID, slot.PriceCents, payTTL)
	if err != nil {
		// Compensating release: the reservation above has no payable order.
		if relErr := s.store.ReleaseSlot(ctx, slot.ID); relErr != nil {
			s.log.Error().Err(relErr).Stringer("slot_id", slot.ID).Msg("compensating release failed")
		}
		return nil, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	appt := &Appointment{
		ID:             apptID,
		SlotID:         slot.ID,
		PatientID:      patientID,
		OrderNo:        s.nextOrderNo(now),
		QueueNo:        queueNo,
		Status:         StatusPending,
		PaymentState:   PaymentPending,
		PaymentOrderID: order.ID,
		Source:         source,
		WaitlistID:     waitlistID,
		Symptoms:       symptoms,
		PayBy:          now.Add(payTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.CreateAppointment(ctx, appt); err != nil {
		if cancelErr := s.gateway.CancelOrder(ctx, order.ID); cancelErr != nil {
			s.log.Error().Err(cancelErr).Str("order_id", order.ID).Msg("cancel orphan payment order failed")
		}
		if relErr := s.store.ReleaseSlot(ctx, slot.ID); relErr != nil {
			s.log.Error().Err(relErr).Stringer("slot_id", slot.ID).Msg("compensating release failed")
		}
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	s.logEvent(ctx, EventAppointmentCreated, &appt.ID, waitlistID, map[string]any{
		"slot_id":    slot.ID.String(),
		"patient_id": patientID.String(),
		"source":     string(source),
		"pay_by":     appt.PayBy,
	})
	s.notifier.Publish(ctx, notify.AppointmentCreated, map[string]any{
		"appointment_id": appt.ID.String(),
		"order_no":       appt.OrderNo,
		"queue_no":       appt.QueueNo,
	})

	return appt, nil
}

// ConfirmPayment moves a pending appointment to confirmed once the gateway
// reports its order paid. Duplicate callbacks are absorbed: an already
// confirmed appointment is returned unchanged.
func (s *Service) ConfirmPayment(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	appt, err := s.store.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	if appt.Status == StatusConfirmed {
		return appt, nil
	}
	if appt.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot confirm a %s appointment", ErrInvalidStatusTransition, appt.Status)
	}

	st, err := s.gateway.QueryStatus(ctx, appt.PaymentOrderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	if st != payment.StatusPaid {
		return nil, fmt.Errorf("%w: payment order is %s, not paid", ErrInvalidStatusTransition, st)
	}

	updated, err := s.store.MarkAppointmentPaid(ctx, appt.ID)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// Lost the race; idempotent if the winner confirmed it.
			current, getErr := s.store.GetAppointmentByID(ctx, appt.ID)
			if getErr == nil && current.Status == StatusConfirmed {
				return current, nil
			}
			return nil, fmt.Errorf("%w: appointment left pending state", ErrInvalidStatusTransition)
		}
		return nil, fmt.Errorf("confirm payment: %w", err)
	}

	s.logEvent(ctx, EventAppointmentConfirmed, &updated.ID, nil, map[string]any{
		"payment_order_id": updated.PaymentOrderID,
	})
	s.notifier.Publish(ctx, notify.AppointmentConfirmed, map[string]any{
		"appointment_id": updated.ID.String(),
	})

	return updated, nil
}

// ConfirmPaymentByOrder resolves a gateway callback that only carries the
// order id.
func (s *Service) ConfirmPaymentByOrder(ctx context.Context, paymentOrderID string) (*Appointment, error) {
	appt, err := s.store.GetAppointmentByOrderID(ctx, paymentOrderID)
	if err != nil {
		return nil, err
	}
	return s.ConfirmPayment(ctx, appt.ID)
}

// Cancel ends a pending or confirmed appointment ahead of its visit time,
// releases the seat, asks the gateway for a refund when money already moved,
// and offers the freed seat to the waitlist.
func (s *Service) Cancel(ctx context.Context, appointmentID uuid.UUID, reason string) (*Appointment, error) {
	appt, err := s.store.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	slot, err := s.store.GetSlot(ctx, appt.SlotID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if err := s.checkModifiable(appt, slot, now); err != nil {
		return nil, err
	}

	refunded := appt.PaymentState == PaymentPaid
	updated, err := s.store.CancelAppointment(ctx, appt.ID, appt.Status, reason, refunded)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("%w: appointment changed state concurrently", ErrNotEligible)
		}
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	// The CAS above succeeded exactly once, so this release is the one and
	// only release for that reservation.
	if err := s.store.ReleaseSlot(ctx, appt.SlotID); err != nil {
		s.log.Error().Err(err).Stringer("slot_id", appt.SlotID).Msg("release after cancel failed")
	}

	if refunded {
		if err := s.gateway.Refund(ctx, appt.PaymentOrderID, slot.PriceCents); err != nil {
			s.log.Error().Err(err).Str("order_id", appt.PaymentOrderID).Msg("refund request failed")
		}
	} else {
		if err := s.gateway.CancelOrder(ctx, appt.PaymentOrderID); err != nil && !errors.Is(err, payment.ErrOrderNotFound) {
			s.log.Warn().Err(err).Str("order_id", appt.PaymentOrderID).Msg("cancel payment order failed")
		}
	}

	s.logEvent(ctx, EventAppointmentCancelled, &updated.ID, nil, map[string]any{
		"reason":   reason,
		"refunded": refunded,
	})
	s.notifier.Publish(ctx, notify.AppointmentCancelled, map[string]any{
		"appointment_id": updated.ID.String(),
	})

	if err := s.Promote(ctx, appt.SlotID); err != nil {
		s.log.Error().Err(err).Stringer("slot_id", appt.SlotID).Msg("waitlist promotion after cancel failed")
	}

	return updated, nil
}

// Reschedule moves an appointment to a new slot. Two-phase: the new seat is
// reserved first and the old one released only after the appointment record
// has switched over, so a failure at any step leaves the appointment bound to
// a held seat.
func (s *Service) Reschedule(ctx context.Context, appointmentID, newSlotID uuid.UUID) (*Appointment, error) {
	appt, err := s.store.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	oldSlot, err := s.store.GetSlot(ctx, appt.SlotID)
	if err != nil {
		return nil, err
	}
	newSlot, err := s.store.GetSlot(ctx, newSlotID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if err := s.checkModifiable(appt, oldSlot, now); err != nil {
		return nil, err
	}
	if newSlot.ID == oldSlot.ID {
		return appt, nil
	}
	if !newSlot.StartTime.After(now) {
		return nil, fmt.Errorf("%w: visit time has passed", ErrSlotUnavailable)
	}

	var queueNo int
	err = s.locker.WithSlotLock(ctx, newSlot.ID, func(lockCtx context.Context) error {
		if err := s.store.ReserveSlot(lockCtx, newSlot.ID); err != nil {
			return err
		}
		n, err := s.store.NextQueueNumber(lockCtx, newSlot.ID)
		if err != nil {
			n = 0
		}
		queueNo = n
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	rollbackNew := func() {
		if relErr := s.store.ReleaseSlot(ctx, newSlot.ID); relErr != nil {
			s.log.Error().Err(relErr).Stringer("slot_id", newSlot.ID).Msg("reschedule rollback release failed")
		}
	}

	params := MoveAppointmentParams{
		ID:        appt.ID,
		From:      appt.Status,
		NewSlotID: newSlot.ID,
		QueueNo:   queueNo,
	}

	delta := newSlot.PriceCents - oldSlot.PriceCents
	var refundCents int64

	switch {
	case appt.PaymentState != PaymentPaid:
		// Nothing settled yet: swap the order for one at the new price.
		if err := s.gateway.CancelOrder(ctx, appt.PaymentOrderID); err != nil && !errors.Is(err, payment.ErrOrderNotFound) {
			rollbackNew()
			return nil, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
		}
		order, err := s.gateway.CreateOrder(ctx, appt.ID, newSlot.PriceCents, s.cfg.PaymentTTL)
		if err != nil {
			rollbackNew()
			return nil, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
		}
		params.Status = StatusPending
		params.PaymentState = PaymentPending
		params.PaymentOrderID = order.ID
		params.PayBy = now.Add(s.cfg.PaymentTTL)

	case delta > 0:
		// Paid, but the new visit costs more: refund the settled order in
		// full and collect the whole new price. Settled money must never
		// ride on a pending appointment, or a later cancel or timeout
		// would strand it.
		order, err := s.gateway.CreateOrder(ctx, appt.ID, newSlot.PriceCents, s.cfg.PaymentTTL)
		if err != nil {
			rollbackNew()
			return nil, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
		}
		params.Status = StatusPending
		params.PaymentState = PaymentPending
		params.PaymentOrderID = order.ID
		params.PayBy = now.Add(s.cfg.PaymentTTL)
		refundCents = oldSlot.PriceCents

	default:
		// Paid and the new visit costs the same or less: stay confirmed,
		// refund the difference.
		params.Status = StatusConfirmed
		params.PaymentState = PaymentPaid
		params.PaymentOrderID = appt.PaymentOrderID
		params.PayBy = appt.PayBy
		refundCents = -delta
	}

	updated, err := s.store.MoveAppointment(ctx, params)
	if err != nil {
		rollbackNew()
		if params.PaymentOrderID != appt.PaymentOrderID {
			if cancelErr := s.gateway.CancelOrder(ctx, params.PaymentOrderID); cancelErr != nil {
				s.log.Error().Err(cancelErr).Str("order_id", params.PaymentOrderID).Msg("cancel orphan payment order failed")
			}
		}
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("%w: appointment changed state concurrently", ErrNotEligible)
		}
		return nil, fmt.Errorf("reschedule appointment: %w", err)
	}

	if err := s.store.ReleaseSlot(ctx, oldSlot.ID); err != nil {
		s.log.Error().Err(err).Stringer("slot_id", oldSlot.ID).Msg("release after reschedule failed")
	}

	if refundCents > 0 {
		if err := s.gateway.Refund(ctx, appt.PaymentOrderID, refundCents); err != nil {
			s.log.Error().Err(err).Str("order_id", appt.PaymentOrderID).Msg("reschedule refund failed")
		}
	}

	s.logEvent(ctx, EventAppointmentRescheduled, &updated.ID, nil, map[string]any{
		"old_slot_id": oldSlot.ID.String(),
		"new_slot_id": newSlot.ID.String(),
		"price_delta": delta,
	})
	s.notifier.Publish(ctx, notify.AppointmentRescheduled, map[string]any{
		"appointment_id": updated.ID.String(),
	})

	if err := s.Promote(ctx, oldSlot.ID); err != nil {
		s.log.Error().Err(err).Stringer("slot_id", oldSlot.ID).Msg("waitlist promotion after reschedule failed")
	}

	return updated, nil
}

// checkModifiable wraps ErrNotEligible with which rule blocked the action,
// evaluating the lazy completed state before anything else.
func (s *Service) checkModifiable(appt *Appointment, slot *Slot, now time.Time) error {
	eff := EffectiveStatus(appt, slot, now)
	if eff.IsTerminal() {
		return fmt.Errorf("%w: appointment is already %s", ErrNotEligible, eff)
	}
	if !slot.StartTime.After(now) {
		return fmt.Errorf("%w: modification window has closed", ErrNotEligible)
	}
	return nil
}

// GetAppointment returns the appointment with its slot, status adjusted for
// lazy completion.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	appt, err := s.store.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	slot, err := s.store.GetSlot(ctx, appt.SlotID)
	if err != nil {
		return nil, err
	}

	detail := &AppointmentDetail{Appointment: *appt, Slot: slot}
	detail.Status = EffectiveStatus(appt, slot, s.clock.Now())
	return detail, nil
}

// ListAppointmentsByPatient pages through a patient's appointments, newest
// first, optionally filtered by status.
func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, status *AppointmentStatus, limit, offset int) ([]AppointmentDetail, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	details, err := s.store.ListAppointmentsByPatient(ctx, patientID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}

	now := s.clock.Now()
	for i := range details {
		if details[i].Slot != nil {
			details[i].Status = EffectiveStatus(&details[i].Appointment, details[i].Slot, now)
		}
	}
	return details, nil
}

// ListSlots exposes the registry's read-only snapshot for schedule pages.
func (s *Service) ListSlots(ctx context.Context, doctorID *uuid.UUID, date *time.Time) ([]Slot, error) {
	return s.store.ListSlots(ctx, doctorID, date)
}

// Now exposes the service clock so callers derive display-time eligibility
// from the same time source the engine uses.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

func (s *Service) nextOrderNo(now time.Time) string {
	seq := s.orderSeq.Add(1) % 1_000_000
	return fmt.Sprintf("%s%06d", now.Format("20060102"), seq)
}

func (s *Service) logEvent(ctx context.Context, eventType string, appointmentID, waitlistID *uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Msg("marshal event payload failed")
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		WaitlistID:    waitlistID,
		Payload:       data,
		CreatedAt:     s.clock.Now(),
	}

	if err := s.store.InsertEvent(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Msg("insert event log failed")
	}
}
