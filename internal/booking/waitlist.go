package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medibook/hospital-booking/internal/notify"
	redisclient "github.com/medibook/hospital-booking/internal/redis"
)

// Enqueue joins the waitlist of a full slot. Position assignment happens
// under the slot lock so two concurrent enqueues cannot share a stamp.
func (s *Service) Enqueue(ctx context.Context, slotID, patientID uuid.UUID) (*WaitlistEntry, error) {
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

	expiresAt := s.waitlistCutoff(slot)
	if !expiresAt.After(now) {
		return nil, fmt.Errorf("%w: waitlist cutoff has passed", ErrSlotUnavailable)
	}

	var entry *WaitlistEntry
	err = s.locker.WithSlotLock(ctx, slotID, func(lockCtx context.Context) error {
		current, err := s.store.GetSlot(lockCtx, slotID)
		if err != nil {
			return err
		}
		if current.Remaining > 0 {
			return ErrSlotNotFull
		}

		pos, err := s.store.NextWaitlistPosition(lockCtx, slotID)
		if err != nil {
			return fmt.Errorf("assign waitlist position: %w", err)
		}

		e := &WaitlistEntry{
			ID:        uuid.New(),
			SlotID:    slotID,
			PatientID: patientID,
			Position:  pos,
			Status:    WaitlistWaiting,
			ExpiresAt: expiresAt,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.CreateWaitlistEntry(lockCtx, e); err != nil {
			return fmt.Errorf("create waitlist entry: %w", err)
		}
		entry = e
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	s.logEvent(ctx, EventWaitlistQueued, nil, &entry.ID, map[string]any{
		"slot_id":    slotID.String(),
		"patient_id": patientID.String(),
		"position":   entry.Position,
	})
	s.notifier.Publish(ctx, notify.WaitlistQueued, map[string]any{
		"waitlist_id": entry.ID.String(),
		"position":    entry.Position,
	})

	return entry, nil
}

// CancelEntry withdraws a waiting entry. Positions of the remaining entries
// are untouched: a position is an arrival-order stamp, not a live rank.
func (s *Service) CancelEntry(ctx context.Context, waitlistID uuid.UUID) (*WaitlistEntry, error) {
	entry, err := s.store.GetWaitlistEntryByID(ctx, waitlistID)
	if err != nil {
		return nil, err
	}
	if entry.Status != WaitlistWaiting {
		return nil, fmt.Errorf("%w: entry is %s", ErrAlreadyResolved, entry.Status)
	}

	updated, err := s.store.UpdateWaitlistStatus(ctx, waitlistID, WaitlistWaiting, WaitlistCancelled, nil)
	if err != nil {
		if errors.Is(err, ErrWaitlistNotFound) {
			return nil, fmt.Errorf("%w: entry changed state concurrently", ErrAlreadyResolved)
		}
		return nil, fmt.Errorf("cancel waitlist entry: %w", err)
	}

	s.logEvent(ctx, EventWaitlistCancelled, nil, &updated.ID, nil)
	return updated, nil
}

// Promote offers freed capacity to the lowest-position waiting entry of the
// slot, converting it into a pending appointment with the short offer window.
// Entries already past their cutoff are expired and skipped. Called after
// every capacity release; a no-op when nobody is waiting or the seat was
// snapped up again.
func (s *Service) Promote(ctx context.Context, slotID uuid.UUID) error {
	for {
		entry, err := s.store.FirstWaiting(ctx, slotID)
		if err != nil {
			if errors.Is(err, ErrWaitlistNotFound) {
				return nil
			}
			return fmt.Errorf("find waiting entry: %w", err)
		}

		if !entry.ExpiresAt.After(s.clock.Now()) {
			if _, err := s.store.UpdateWaitlistStatus(ctx, entry.ID, WaitlistWaiting, WaitlistExpired, nil); err != nil && !errors.Is(err, ErrWaitlistNotFound) {
				return fmt.Errorf("expire waitlist entry: %w", err)
			}
			s.logEvent(ctx, EventWaitlistExpired, nil, &entry.ID, nil)
			continue
		}

		_, err = s.convertEntry(ctx, entry)
		if errors.Is(err, ErrSlotUnavailable) {
			// Capacity went to a direct booking in the meantime; the entry
			// keeps waiting for the next release.
			return nil
		}
		if errors.Is(err, ErrAlreadyResolved) {
			continue
		}
		return err
	}
}

// Convert is the patient-initiated flavor of promotion for one specific
// entry. Duplicate requests hit the terminal-status guard and report
// ErrAlreadyResolved instead of double-converting.
func (s *Service) Convert(ctx context.Context, waitlistID uuid.UUID) (*Appointment, error) {
	entry, err := s.store.GetWaitlistEntryByID(ctx, waitlistID)
	if err != nil {
		return nil, err
	}
	if entry.Status != WaitlistWaiting {
		return nil, fmt.Errorf("%w: entry is %s", ErrAlreadyResolved, entry.Status)
	}
	return s.convertEntry(ctx, entry)
}

// convertEntry books on the patient's behalf and stamps the entry converted.
// The entry is resolved only after the appointment exists; if booking fails
// for capacity, the entry stays waiting.
func (s *Service) convertEntry(ctx context.Context, entry *WaitlistEntry) (*Appointment, error) {
	slot, err := s.store.GetSlot(ctx, entry.SlotID)
	if err != nil {
		return nil, err
	}

	appt, err := s.createAppointment(ctx, slot, entry.PatientID, "", SourceWaitlist, &entry.ID, s.cfg.OfferTTL)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.UpdateWaitlistStatus(ctx, entry.ID, WaitlistWaiting, WaitlistConverted, &appt.ID); err != nil {
		if errors.Is(err, ErrWaitlistNotFound) {
			// A concurrent conversion already resolved the entry. Undo this
			// appointment so the patient does not end up with two.
			if _, cancelErr := s.store.CancelAppointment(ctx, appt.ID, StatusPending, "duplicate waitlist conversion", false); cancelErr == nil {
				if relErr := s.store.ReleaseSlot(ctx, slot.ID); relErr != nil {
					s.log.Error().Err(relErr).Stringer("slot_id", slot.ID).Msg("release after duplicate conversion failed")
				}
			}
			if cancelErr := s.gateway.CancelOrder(ctx, appt.PaymentOrderID); cancelErr != nil {
				s.log.Warn().Err(cancelErr).Str("order_id", appt.PaymentOrderID).Msg("cancel orphan payment order failed")
			}
			return nil, fmt.Errorf("%w: entry converted concurrently", ErrAlreadyResolved)
		}
		return nil, fmt.Errorf("mark waitlist converted: %w", err)
	}

	s.logEvent(ctx, EventWaitlistConverted, &appt.ID, &entry.ID, map[string]any{
		"pay_by": appt.PayBy,
	})
	s.notifier.Publish(ctx, notify.WaitlistConverted, map[string]any{
		"waitlist_id":    entry.ID.String(),
		"appointment_id": appt.ID.String(),
	})

	return appt, nil
}

// GetWaitlistEntry returns one entry by id.
func (s *Service) GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	return s.store.GetWaitlistEntryByID(ctx, id)
}

// ListWaitlistByPatient pages through a patient's waitlist entries, newest
// first.
func (s *Service) ListWaitlistByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]WaitlistEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListWaitlistByPatient(ctx, patientID, limit, offset)
}

// waitlistCutoff computes the expiry of a waiting entry: the day before the
// visit date at the configured hour, in the slot's local time.
func (s *Service) waitlistCutoff(slot *Slot) time.Time {
	d := slot.Date
	return time.Date(d.Year(), d.Month(), d.Day()-1, s.cfg.WaitlistCutoffHour, 0, 0, 0, d.Location())
}
