package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/medibook/hospital-booking/internal/notify"
	"github.com/medibook/hospital-booking/internal/payment"
	redisclient "github.com/medibook/hospital-booking/internal/redis"
)

// The sweeps below are the only writers of time-triggered transitions; every
// other transition in the engine is caused by an explicit caller action.

// RunSweep executes one lifecycle pass: unpaid timeouts first so freed seats
// can flow to the waitlist, then lazy completions, then stale waitlist
// entries, and finally a capacity reconciliation for seats whose release
// failed transiently.
func (s *Service) RunSweep(ctx context.Context) error {
	var errs []error
	if err := s.ExpireUnpaidAppointments(ctx); err != nil {
		errs = append(errs, fmt.Errorf("expire unpaid: %w", err))
	}
	if err := s.CompletePastAppointments(ctx); err != nil {
		errs = append(errs, fmt.Errorf("complete past: %w", err))
	}
	if err := s.ExpireWaitlistEntries(ctx); err != nil {
		errs = append(errs, fmt.Errorf("expire waitlist: %w", err))
	}
	if err := s.ReconcileSlotCapacity(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reconcile capacity: %w", err))
	}
	return errors.Join(errs...)
}

// ExpireUnpaidAppointments times out pending appointments past their payment
// deadline, releases their seats, and offers each seat to the waitlist. A
// payment that settled after the deadline but before this sweep still wins:
// the gateway is consulted before timing out.
func (s *Service) ExpireUnpaidAppointments(ctx context.Context) error {
	now := s.clock.Now()
	candidates, err := s.store.FindExpiredPending(ctx, now)
	if err != nil {
		return fmt.Errorf("find expired pending appointments: %w", err)
	}

	for _, appt := range candidates {
		st, err := s.gateway.QueryStatus(ctx, appt.PaymentOrderID)
		if err == nil && st == payment.StatusPaid {
			if _, err := s.ConfirmPayment(ctx, appt.ID); err != nil {
				s.log.Error().Err(err).Stringer("appointment_id", appt.ID).Msg("late payment confirmation failed")
			}
			continue
		}

		if _, err := s.store.UpdateAppointmentStatus(ctx, appt.ID, StatusPending, StatusTimeout); err != nil {
			if !errors.Is(err, ErrAppointmentNotFound) {
				s.log.Error().Err(err).Stringer("appointment_id", appt.ID).Msg("timeout transition failed")
			}
			continue
		}

		if err := s.store.ReleaseSlot(ctx, appt.SlotID); err != nil {
			s.log.Error().Err(err).Stringer("slot_id", appt.SlotID).Msg("release after timeout failed")
		}

		s.logEvent(ctx, EventAppointmentTimedOut, &appt.ID, nil, map[string]any{
			"pay_by": appt.PayBy,
		})
		s.notifier.Publish(ctx, notify.AppointmentTimedOut, map[string]any{
			"appointment_id": appt.ID.String(),
		})

		if err := s.Promote(ctx, appt.SlotID); err != nil {
			s.log.Error().Err(err).Stringer("slot_id", appt.SlotID).Msg("waitlist promotion after timeout failed")
		}
	}

	return nil
}

// CompletePastAppointments persists the lazy completed transition for
// appointments whose slot has fully passed, keeping paginated status filters
// consistent with what read-time derivation shows.
func (s *Service) CompletePastAppointments(ctx context.Context) error {
	now := s.clock.Now()
	candidates, err := s.store.FindPastUncompleted(ctx, now)
	if err != nil {
		return fmt.Errorf("find past uncompleted appointments: %w", err)
	}

	for _, appt := range candidates {
		if _, err := s.store.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, StatusCompleted); err != nil {
			if !errors.Is(err, ErrAppointmentNotFound) {
				s.log.Error().Err(err).Stringer("appointment_id", appt.ID).Msg("complete transition failed")
			}
			continue
		}
		s.logEvent(ctx, EventAppointmentCompleted, &appt.ID, nil, nil)
	}

	return nil
}

// ExpireWaitlistEntries retires waiting entries past their cutoff.
func (s *Service) ExpireWaitlistEntries(ctx context.Context) error {
	now := s.clock.Now()
	candidates, err := s.store.FindExpiredWaiting(ctx, now)
	if err != nil {
		return fmt.Errorf("find expired waiting entries: %w", err)
	}

	for _, entry := range candidates {
		if _, err := s.store.UpdateWaitlistStatus(ctx, entry.ID, WaitlistWaiting, WaitlistExpired, nil); err != nil {
			if !errors.Is(err, ErrWaitlistNotFound) {
				s.log.Error().Err(err).Stringer("waitlist_id", entry.ID).Msg("waitlist expiry failed")
			}
			continue
		}
		s.logEvent(ctx, EventWaitlistExpired, nil, &entry.ID, nil)
		s.notifier.Publish(ctx, notify.WaitlistExpired, map[string]any{
			"waitlist_id": entry.ID.String(),
		})
	}

	return nil
}

// ReconcileSlotCapacity repairs slots whose remaining count drifted below
// total minus active appointments, which happens when a release fails after a
// committed status transition. Repairs run under the slot lock so an in-flight
// booking cannot be counted twice, and recovered seats are offered to the
// waitlist. Slots whose visit has started are skipped: their completed
// appointments consumed seats that must not reopen.
func (s *Service) ReconcileSlotCapacity(ctx context.Context) error {
	now := s.clock.Now()
	slots, err := s.store.ListSlots(ctx, nil, nil)
	if err != nil {
		return fmt.Errorf("list slots: %w", err)
	}

	for _, slot := range slots {
		if !slot.StartTime.After(now) {
			continue
		}
		recovered := 0
		err := s.locker.WithSlotLock(ctx, slot.ID, func(lockCtx context.Context) error {
			current, err := s.store.GetSlot(lockCtx, slot.ID)
			if err != nil {
				return err
			}
			active, err := s.store.CountActiveAppointmentsForSlot(lockCtx, slot.ID)
			if err != nil {
				return err
			}
			expected := current.Total - active
			if expected < 0 {
				expected = 0
			}
			for i := current.Remaining; i < expected; i++ {
				if err := s.store.ReleaseSlot(lockCtx, slot.ID); err != nil {
					return err
				}
				recovered++
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, redisclient.ErrLockNotAcquired) {
				continue
			}
			s.log.Error().Err(err).Stringer("slot_id", slot.ID).Msg("capacity reconciliation failed")
			continue
		}
		if recovered == 0 {
			continue
		}

		s.log.Warn().Int("seats", recovered).Stringer("slot_id", slot.ID).Msg("recovered leaked slot capacity")
		if err := s.Promote(ctx, slot.ID); err != nil {
			s.log.Error().Err(err).Stringer("slot_id", slot.ID).Msg("waitlist promotion after reconciliation failed")
		}
	}

	return nil
}
