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
	"github.com/medibook/hospital-booking/internal/clock"
	"github.com/medibook/hospital-booking/internal/config"
	"github.com/medibook/hospital-booking/internal/notify"
	"github.com/medibook/hospital-booking/internal/payment"
	redisclient "github.com/medibook/hospital-booking/internal/redis"
)

var testBase = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	svc   *booking.Service
	store *booking.MemoryStore
	sim   *payment.Simulator
	clock *clock.Fake
	cfg   config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Config{
		PaymentTTL:         30 * time.Minute,
		OfferTTL:           30 * time.Minute,
		WaitlistCutoffHour: 18,
	}
	clk := clock.NewFixed(testBase)
	store := booking.NewMemoryStore()
	sim := payment.NewSimulator(clk)

	svc := booking.NewService(store, redisclient.NewLocalLocker(), sim, notify.NewNoop(), clk, cfg, zerolog.Nop())
	return &testEnv{svc: svc, store: store, sim: sim, clock: clk, cfg: cfg}
}

func (e *testEnv) addPatient(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	e.store.AddPatient(booking.Patient{ID: id, Name: "test patient", CreatedAt: testBase})
	return id
}

// addSlot creates a slot two days out, morning period, with the given
// capacity and price.
func (e *testEnv) addSlot(t *testing.T, total int, priceCents int64) booking.Slot {
	t.Helper()

	date := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	s := booking.Slot{
		ID:           uuid.New(),
		HospitalID:   uuid.New(),
		DepartmentID: uuid.New(),
		DoctorID:     uuid.New(),
		Date:         date,
		Period:       booking.PeriodMorning,
		StartTime:    date.Add(8 * time.Hour),
		EndTime:      date.Add(12 * time.Hour),
		Total:        total,
		Remaining:    total,
		PriceCents:   priceCents,
		Class:        booking.ClinicNormal,
		CreatedAt:    testBase,
		UpdatedAt:    testBase,
	}
	e.store.AddSlot(s)
	return s
}

func (e *testEnv) remaining(t *testing.T, slotID uuid.UUID) int {
	t.Helper()
	s, err := e.store.GetSlot(context.Background(), slotID)
	require.NoError(t, err)
	return s.Remaining
}

func (e *testEnv) payAndConfirm(t *testing.T, appt *booking.Appointment) *booking.Appointment {
	t.Helper()
	_, err := e.sim.MarkPaid(appt.PaymentOrderID, payment.MethodWechat)
	require.NoError(t, err)
	confirmed, err := e.svc.ConfirmPayment(context.Background(), appt.ID)
	require.NoError(t, err)
	return confirmed
}

func TestBookCreatesPendingAppointment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 5, 1500)

	appt, err := env.svc.Book(ctx, slot.ID, patientID, "persistent cough")
	require.NoError(t, err)

	assert.Equal(t, booking.StatusPending, appt.Status)
	assert.Equal(t, booking.PaymentPending, appt.PaymentState)
	assert.Equal(t, booking.SourceDirect, appt.Source)
	assert.Equal(t, 1, appt.QueueNo)
	assert.Equal(t, "persistent cough", appt.Symptoms)
	assert.NotEmpty(t, appt.PaymentOrderID)
	assert.Len(t, appt.OrderNo, 14)
	assert.Equal(t, testBase.Add(env.cfg.PaymentTTL), appt.PayBy)
	assert.Equal(t, 4, env.remaining(t, slot.ID))
}

func TestBookAssignsSequentialQueueNumbers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	slot := env.addSlot(t, 5, 1500)

	for want := 1; want <= 3; want++ {
		appt, err := env.svc.Book(ctx, slot.ID, env.addPatient(t), "")
		require.NoError(t, err)
		assert.Equal(t, want, appt.QueueNo)
	}
}

func TestBookSlotExhausted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	slot := env.addSlot(t, 1, 1500)

	_, err := env.svc.Book(ctx, slot.ID, env.addPatient(t), "")
	require.NoError(t, err)

	_, err = env.svc.Book(ctx, slot.ID, env.addPatient(t), "")
	require.ErrorIs(t, err, booking.ErrSlotUnavailable)
	assert.Equal(t, 0, env.remaining(t, slot.ID))
}

func TestBookPastSlot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 5, 1500)

	env.clock.Set(slot.StartTime.Add(time.Minute))

	_, err := env.svc.Book(ctx, slot.ID, patientID, "")
	require.ErrorIs(t, err, booking.ErrSlotUnavailable)
}

func TestBookUnknownPatient(t *testing.T) {
	env := newTestEnv(t)
	slot := env.addSlot(t, 5, 1500)

	_, err := env.svc.Book(context.Background(), slot.ID, uuid.New(), "")
	require.ErrorIs(t, err, booking.ErrPatientNotFound)
}

func TestBookUnknownSlot(t *testing.T) {
	env := newTestEnv(t)
	patientID := env.addPatient(t)

	_, err := env.svc.Book(context.Background(), uuid.New(), patientID, "")
	require.ErrorIs(t, err, booking.ErrSlotNotFound)
}

func TestConcurrentBookingNeverOverbooks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	slot := env.addSlot(t, 3, 1500)

	const attempts = 20
	patients := make([]uuid.UUID, attempts)
	for i := range patients {
		patients[i] = env.addPatient(t)
	}

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Book(ctx, slot.ID, patients[i], "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, booking.ErrSlotUnavailable)
	}
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 0, env.remaining(t, slot.ID))

	active, err := env.store.CountActiveAppointmentsForSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, active)
}

// failingGateway refuses to open orders; everything else delegates to the
// simulator underneath.
type failingGateway struct {
	*payment.Simulator
}

func (failingGateway) CreateOrder(context.Context, uuid.UUID, int64, time.Duration) (*payment.Order, error) {
	return nil, errors.New("gateway down")
}

func TestBookReleasesSeatWhenGatewayFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 2, 1500)

	svc := booking.NewService(env.store, redisclient.NewLocalLocker(), failingGateway{env.sim}, notify.NewNoop(), env.clock, env.cfg, zerolog.Nop())

	_, err := svc.Book(ctx, slot.ID, patientID, "")
	require.ErrorIs(t, err, booking.ErrPaymentGateway)
	assert.Equal(t, 2, env.remaining(t, slot.ID))
}

func TestConfirmPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 5, 1500)

	appt, err := env.svc.Book(ctx, slot.ID, patientID, "")
	require.NoError(t, err)

	_, err = env.sim.MarkPaid(appt.PaymentOrderID, payment.MethodAlipay)
	require.NoError(t, err)

	confirmed, err := env.svc.ConfirmPayment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, confirmed.Status)
	assert.Equal(t, booking.PaymentPaid, confirmed.PaymentState)

	// Duplicate callbacks return the confirmed record unchanged.
	again, err := env.svc.ConfirmPayment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, again.Status)
}

func TestConfirmPaymentRejectsUnpaidOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 5, 1500)

	appt, err := env.svc.Book(ctx, slot.ID, patientID, "")
	require.NoError(t, err)

	_, err = env.svc.ConfirmPayment(ctx, appt.ID)
	require.ErrorIs(t, err, booking.ErrInvalidStatusTransition)

	current, err := env.svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusPending, current.Status)
}

func TestConfirmPaymentRejectsCancelledAppointment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 5, 1500)

	appt, err := env.svc.Book(ctx, slot.ID, patientID, "")
	require.NoError(t, err)
	_, err = env.svc.Cancel(ctx, appt.ID, "changed my mind")
	require.NoError(t, err)

	_, err = env.sim.MarkPaid(appt.PaymentOrderID, payment.MethodWechat)
	require.Error(t, err)

	_, err = env.svc.ConfirmPayment(ctx, appt.ID)
	require.ErrorIs(t, err, booking.ErrInvalidStatusTransition)
}

func TestConfirmPaymentByOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 5, 1500)

	appt, err := env.svc.Book(ctx, slot.ID, patientID, "")
	require.NoError(t, err)

	_, err = env.sim.MarkPaid(appt.PaymentOrderID, payment.MethodWechat)
	require.NoError(t, err)

	confirmed, err := env.svc.ConfirmPaymentByOrder(ctx, appt.PaymentOrderID)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, confirmed.ID)
	assert.Equal(t, booking.StatusConfirmed, confirmed.Status)
}

func TestCancelReleasesSeatAndRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 2, 1500)

	appt, err := env.svc.Book(ctx, slot.ID, patientID, "")
	require.NoError(t, err)
	env.payAndConfirm(t, appt)
	require.Equal(t, 1, env.remaining(t, slot.ID))

	cancelled, err := env.svc.Cancel(ctx, appt.ID, "schedule conflict")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, cancelled.Status)
	assert.Equal(t, booking.PaymentRefunded, cancelled.PaymentState)
	assert.Equal(t, "schedule conflict", cancelled.CancelReason)
	assert.Equal(t, 2, env.remaining(t, slot.ID))
}

func TestCancelUnpaidKeepsPaymentPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 2, 1500)

	appt, err := env.svc.Book(ctx, slot.ID, patientID, "")
	require.NoError(t, err)

	cancelled, err := env.svc.Cancel(ctx, appt.ID, "")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, cancelled.Status)
	assert.Equal(t, booking.PaymentPending, cancelled.PaymentState)

	st, err := env.sim.QueryStatus(ctx, appt.PaymentOrderID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCancelled, st)
}

func TestCancelTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 2, 1500)

	appt, err := env.svc.Book(ctx, slot.ID, patientID, "")
	require.NoError(t, err)

	_, err = env.svc.Cancel(ctx, appt.ID, "")
	require.NoError(t, err)

	_, err = env.svc.Cancel(ctx, appt.ID, "")
	require.ErrorIs(t, err, booking.ErrNotEligible)
	assert.Equal(t, 2, env.remaining(t, slot.ID))
}

func TestCancelAfterVisitStarted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 2, 1500)

	appt, err := env.svc.Book(ctx, slot.ID, patientID, "")
	require.NoError(t, err)
	env.payAndConfirm(t, appt)

	env.clock.Set(slot.StartTime.Add(time.Minute))

	_, err = env.svc.Cancel(ctx, appt.ID, "")
	require.ErrorIs(t, err, booking.ErrNotEligible)
}

func TestCancelOffersSeatToWaitlist(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	slot := env.addSlot(t, 1, 1500)
	alice := env.addPatient(t)
	bob := env.addPatient(t)

	appt, err := env.svc.Book(ctx, slot.ID, alice, "")
	require.NoError(t, err)
	env.payAndConfirm(t, appt)

	entry, err := env.svc.Enqueue(ctx, slot.ID, bob)
	require.NoError(t, err)

	_, err = env.svc.Cancel(ctx, appt.ID, "no longer needed")
	require.NoError(t, err)

	resolved, err := env.store.GetWaitlistEntryByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.WaitlistConverted, resolved.Status)
	require.NotNil(t, resolved.AppointmentID)

	offered, err := env.svc.GetAppointment(ctx, *resolved.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, bob, offered.PatientID)
	assert.Equal(t, booking.StatusPending, offered.Status)
	assert.Equal(t, booking.SourceWaitlist, offered.Source)
	assert.Equal(t, testBase.Add(env.cfg.OfferTTL), offered.PayBy)

	// The freed seat went straight to Bob.
	assert.Equal(t, 0, env.remaining(t, slot.ID))
}

func TestRescheduleUnpaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	oldSlot := env.addSlot(t, 2, 1500)
	newSlot := env.addSlot(t, 2, 5000)

	appt, err := env.svc.Book(ctx, oldSlot.ID, patientID, "")
	require.NoError(t, err)

	moved, err := env.svc.Reschedule(ctx, appt.ID, newSlot.ID)
	require.NoError(t, err)

	assert.Equal(t, newSlot.ID, moved.SlotID)
	assert.Equal(t, booking.StatusPending, moved.Status)
	assert.Equal(t, booking.PaymentPending, moved.PaymentState)
	assert.NotEqual(t, appt.PaymentOrderID, moved.PaymentOrderID)
	assert.Equal(t, 2, env.remaining(t, oldSlot.ID))
	assert.Equal(t, 1, env.remaining(t, newSlot.ID))

	// The original order is dead, the replacement carries the new price.
	st, err := env.sim.QueryStatus(ctx, appt.PaymentOrderID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCancelled, st)
}

func TestReschedulePaidToCheaperSlotStaysConfirmed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	oldSlot := env.addSlot(t, 2, 5000)
	newSlot := env.addSlot(t, 2, 1500)

	appt, err := env.svc.Book(ctx, oldSlot.ID, patientID, "")
	require.NoError(t, err)
	env.payAndConfirm(t, appt)

	moved, err := env.svc.Reschedule(ctx, appt.ID, newSlot.ID)
	require.NoError(t, err)

	assert.Equal(t, newSlot.ID, moved.SlotID)
	assert.Equal(t, booking.StatusConfirmed, moved.Status)
	assert.Equal(t, booking.PaymentPaid, moved.PaymentState)
	assert.Equal(t, appt.PaymentOrderID, moved.PaymentOrderID)
	assert.Equal(t, 2, env.remaining(t, oldSlot.ID))
	assert.Equal(t, 1, env.remaining(t, newSlot.ID))
}

func TestReschedulePaidToPricierSlotReopensPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	oldSlot := env.addSlot(t, 2, 1500)
	newSlot := env.addSlot(t, 2, 5000)

	appt, err := env.svc.Book(ctx, oldSlot.ID, patientID, "")
	require.NoError(t, err)
	env.payAndConfirm(t, appt)

	moved, err := env.svc.Reschedule(ctx, appt.ID, newSlot.ID)
	require.NoError(t, err)

	assert.Equal(t, booking.StatusPending, moved.Status)
	assert.Equal(t, booking.PaymentPending, moved.PaymentState)
	assert.NotEqual(t, appt.PaymentOrderID, moved.PaymentOrderID)

	// Settling the full-price order confirms it again.
	_, err = env.sim.MarkPaid(moved.PaymentOrderID, payment.MethodWechat)
	require.NoError(t, err)
	confirmed, err := env.svc.ConfirmPayment(ctx, moved.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, confirmed.Status)
}

// recordingGateway passes calls through to the simulator while recording the
// money that moved.
type recordingGateway struct {
	payment.Gateway
	mu      sync.Mutex
	created []int64
	refunds map[string]int64
}

func (g *recordingGateway) CreateOrder(ctx context.Context, appointmentID uuid.UUID, amountCents int64, ttl time.Duration) (*payment.Order, error) {
	order, err := g.Gateway.CreateOrder(ctx, appointmentID, amountCents, ttl)
	if err == nil {
		g.mu.Lock()
		g.created = append(g.created, amountCents)
		g.mu.Unlock()
	}
	return order, err
}

func (g *recordingGateway) Refund(ctx context.Context, orderID string, amountCents int64) error {
	g.mu.Lock()
	g.refunds[orderID] += amountCents
	g.mu.Unlock()
	return g.Gateway.Refund(ctx, orderID, amountCents)
}

func TestReschedulePaidToPricierSlotRefundsSettledOrder(t *testing.T) {
	env := newTestEnv(t)
	gw := &recordingGateway{Gateway: env.sim, refunds: map[string]int64{}}
	svc := booking.NewService(env.store, redisclient.NewLocalLocker(), gw, notify.NewNoop(), env.clock, env.cfg, zerolog.Nop())
	ctx := context.Background()
	patientID := env.addPatient(t)
	oldSlot := env.addSlot(t, 2, 1500)
	newSlot := env.addSlot(t, 2, 5000)

	appt, err := svc.Book(ctx, oldSlot.ID, patientID, "")
	require.NoError(t, err)
	_, err = env.sim.MarkPaid(appt.PaymentOrderID, payment.MethodWechat)
	require.NoError(t, err)
	_, err = svc.ConfirmPayment(ctx, appt.ID)
	require.NoError(t, err)

	moved, err := svc.Reschedule(ctx, appt.ID, newSlot.ID)
	require.NoError(t, err)
	require.Equal(t, booking.StatusPending, moved.Status)

	// The settled 1500 went back at reschedule time, and the new order asks
	// for the full new price.
	assert.Equal(t, int64(1500), gw.refunds[appt.PaymentOrderID])
	require.NotEmpty(t, gw.created)
	assert.Equal(t, int64(5000), gw.created[len(gw.created)-1])

	// Cancelling while the full-price order is still unpaid owes nothing
	// further; the earlier payment is already home.
	_, err = svc.Cancel(ctx, moved.ID, "changed plans")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), gw.refunds[appt.PaymentOrderID])
	assert.Len(t, gw.refunds, 1)
}

func TestRescheduleToFullSlotLeavesEverythingIntact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	oldSlot := env.addSlot(t, 2, 1500)
	fullSlot := env.addSlot(t, 1, 1500)

	alice := env.addPatient(t)
	bob := env.addPatient(t)

	_, err := env.svc.Book(ctx, fullSlot.ID, bob, "")
	require.NoError(t, err)

	appt, err := env.svc.Book(ctx, oldSlot.ID, alice, "")
	require.NoError(t, err)

	_, err = env.svc.Reschedule(ctx, appt.ID, fullSlot.ID)
	require.ErrorIs(t, err, booking.ErrSlotUnavailable)

	current, err := env.svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, oldSlot.ID, current.SlotID)
	assert.Equal(t, booking.StatusPending, current.Status)
	assert.Equal(t, 1, env.remaining(t, oldSlot.ID))
	assert.Equal(t, 0, env.remaining(t, fullSlot.ID))
}

func TestRescheduleToSameSlotIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 2, 1500)

	appt, err := env.svc.Book(ctx, slot.ID, patientID, "")
	require.NoError(t, err)

	same, err := env.svc.Reschedule(ctx, appt.ID, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, same.ID)
	assert.Equal(t, 1, env.remaining(t, slot.ID))
}

func TestGetAppointmentShowsLazyCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slot := env.addSlot(t, 2, 1500)

	appt, err := env.svc.Book(ctx, slot.ID, patientID, "")
	require.NoError(t, err)
	env.payAndConfirm(t, appt)

	env.clock.Set(slot.EndTime.Add(time.Minute))

	detail, err := env.svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCompleted, detail.Status)

	// The stored row is untouched until the sweep persists it.
	raw, err := env.store.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, raw.Status)
}

func TestListAppointmentsByPatient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patientID := env.addPatient(t)
	slotA := env.addSlot(t, 2, 1500)
	slotB := env.addSlot(t, 2, 1500)

	first, err := env.svc.Book(ctx, slotA.ID, patientID, "")
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	second, err := env.svc.Book(ctx, slotB.ID, patientID, "")
	require.NoError(t, err)

	all, err := env.svc.ListAppointmentsByPatient(ctx, patientID, nil, 20, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)
	assert.Equal(t, first.ID, all[1].ID)

	_, err = env.svc.Cancel(ctx, first.ID, "")
	require.NoError(t, err)

	status := booking.StatusCancelled
	cancelled, err := env.svc.ListAppointmentsByPatient(ctx, patientID, &status, 20, 0)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, first.ID, cancelled[0].ID)
}
