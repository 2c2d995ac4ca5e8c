package booking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medibook/hospital-booking/internal/booking"
	"github.com/medibook/hospital-booking/internal/notify"
	"github.com/medibook/hospital-booking/internal/payment"
	redisclient "github.com/medibook/hospital-booking/internal/redis"
)

func TestSweepTimesOutUnpaidAppointments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 2, 1500)

	appt, err := env.svc.Book(ctx, slot.ID, patientID, "")
	require.NoError(t, err)
	require.Equal(t, 1, env.remaining(t, slot.ID))

	env.clock.Advance(env.cfg.PaymentTTL + time.Minute)
	require.NoError(t, env.svc.RunSweep(ctx))

	current, err := env.store.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusTimeout, current.Status)
	assert.Equal(t, 2, env.remaining(t, slot.ID))
}

func TestSweepOffersTimedOutSeatToWaitlist(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	slot := env.addSlot(t, 1, 1500)
	bob := env.addPatient(t)

	appt, err := env.svc.Book(ctx, slot.ID, env.addPatient(t), "")
	require.NoError(t, err)

	entry, err := env.svc.Enqueue(ctx, slot.ID, bob)
	require.NoError(t, err)

	env.clock.Advance(env.cfg.PaymentTTL + time.Minute)
	require.NoError(t, env.svc.RunSweep(ctx))

	timedOut, err := env.store.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusTimeout, timedOut.Status)

	resolved, err := env.store.GetWaitlistEntryByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.WaitlistConverted, resolved.Status)
	require.NotNil(t, resolved.AppointmentID)

	offered, err := env.store.GetAppointmentByID(ctx, *resolved.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, bob, offered.PatientID)
	assert.Equal(t, booking.StatusPending, offered.Status)
	assert.Equal(t, 0, env.remaining(t, slot.ID))
}

func TestSweepHonorsLatePayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 2, 1500)

	appt, err := env.svc.Book(ctx, slot.ID, patientID, "")
	require.NoError(t, err)

	// Settled at the gateway but the confirmation callback never arrived.
	_, err = env.sim.MarkPaid(appt.PaymentOrderID, payment.MethodWechat)
	require.NoError(t, err)

	env.clock.Advance(env.cfg.PaymentTTL + time.Minute)
	require.NoError(t, env.svc.RunSweep(ctx))

	current, err := env.store.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, current.Status)
	assert.Equal(t, booking.PaymentPaid, current.PaymentState)
	assert.Equal(t, 1, env.remaining(t, slot.ID))
}

func TestSweepPersistsCompletedAppointments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 2, 1500)

	appt, err := env.svc.Book(ctx, slot.ID, patientID, "")
	require.NoError(t, err)
	env.payAndConfirm(t, appt)

	env.clock.Set(slot.EndTime.Add(time.Minute))
	require.NoError(t, env.svc.RunSweep(ctx))

	current, err := env.store.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCompleted, current.Status)
}

func TestSweepExpiresStaleWaitlistEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	slot := env.addSlot(t, 1, 1500)

	appt, err := env.svc.Book(ctx, slot.ID, env.addPatient(t), "")
	require.NoError(t, err)
	env.payAndConfirm(t, appt)

	entry, err := env.svc.Enqueue(ctx, slot.ID, env.addPatient(t))
	require.NoError(t, err)

	env.clock.Set(entry.ExpiresAt.Add(time.Minute))
	require.NoError(t, env.svc.RunSweep(ctx))

	resolved, err := env.store.GetWaitlistEntryByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.WaitlistExpired, resolved.Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 2, 1500)

	_, err := env.svc.Book(ctx, slot.ID, patientID, "")
	require.NoError(t, err)

	env.clock.Advance(env.cfg.PaymentTTL + time.Minute)
	require.NoError(t, env.svc.RunSweep(ctx))
	require.NoError(t, env.svc.RunSweep(ctx))

	// The second pass found nothing to release: capacity stays conserved.
	assert.Equal(t, 2, env.remaining(t, slot.ID))
}

// flakyReleaseStore fails the first n releases, then delegates.
type flakyReleaseStore struct {
	*booking.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyReleaseStore) ReleaseSlot(ctx context.Context, slotID uuid.UUID) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("store unavailable")
	}
	s.mu.Unlock()
	return s.MemoryStore.ReleaseSlot(ctx, slotID)
}

func TestSweepRecoversSeatLeakedByFailedRelease(t *testing.T) {
	env := newTestEnv(t)
	store := &flakyReleaseStore{MemoryStore: env.store, failures: 1}
	svc := booking.NewService(store, redisclient.NewLocalLocker(), env.sim, notify.NewNoop(), env.clock, env.cfg, zerolog.Nop())
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 1, 1500)

	appt, err := svc.Book(ctx, slot.ID, patientID, "")
	require.NoError(t, err)

	// The cancel transition commits but the release hits a transient store
	// error, leaving the seat stuck.
	cancelled, err := svc.Cancel(ctx, appt.ID, "")
	require.NoError(t, err)
	require.Equal(t, booking.StatusCancelled, cancelled.Status)
	require.Equal(t, 0, env.remaining(t, slot.ID))

	require.NoError(t, svc.RunSweep(ctx))
	assert.Equal(t, 1, env.remaining(t, slot.ID))
}

func TestSweepOffersRecoveredSeatToWaitlist(t *testing.T) {
	env := newTestEnv(t)
	store := &flakyReleaseStore{MemoryStore: env.store, failures: 1}
	svc := booking.NewService(store, redisclient.NewLocalLocker(), env.sim, notify.NewNoop(), env.clock, env.cfg, zerolog.Nop())
	ctx := context.Background()
	slot := env.addSlot(t, 1, 1500)
	bob := env.addPatient(t)

	appt, err := svc.Book(ctx, slot.ID, env.addPatient(t), "")
	require.NoError(t, err)

	entry, err := svc.Enqueue(ctx, slot.ID, bob)
	require.NoError(t, err)

	// The release fails during cancel, so promotion finds no free seat and
	// the entry stays waiting.
	_, err = svc.Cancel(ctx, appt.ID, "")
	require.NoError(t, err)
	stuck, err := env.store.GetWaitlistEntryByID(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, booking.WaitlistWaiting, stuck.Status)

	require.NoError(t, svc.RunSweep(ctx))

	resolved, err := env.store.GetWaitlistEntryByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.WaitlistConverted, resolved.Status)
	require.NotNil(t, resolved.AppointmentID)

	offered, err := env.store.GetAppointmentByID(ctx, *resolved.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, bob, offered.PatientID)
	assert.Equal(t, 0, env.remaining(t, slot.ID))
}
