package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store used for single-node dev runs and
// tests. One mutex guards everything, which makes every method atomic: the
// reserve check-and-decrement cannot interleave with a concurrent reserve.
type MemoryStore struct {
	mu           sync.Mutex
	patients     map[uuid.UUID]Patient
	doctors      map[uuid.UUID]Doctor
	slots        map[uuid.UUID]Slot
	appointments map[uuid.UUID]Appointment
	waitlist     map[uuid.UUID]WaitlistEntry
	events       []EventLog
	eventSeq     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:     make(map[uuid.UUID]Patient),
		doctors:      make(map[uuid.UUID]Doctor),
		slots:        make(map[uuid.UUID]Slot),
		appointments: make(map[uuid.UUID]Appointment),
		waitlist:     make(map[uuid.UUID]WaitlistEntry),
	}
}

// AddPatient, AddDoctor and AddSlot load directory-owned records. The engine
// itself never creates these.

func (m *MemoryStore) AddPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

func (m *MemoryStore) AddDoctor(d Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doctors[d.ID] = d
}

func (m *MemoryStore) AddSlot(s Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[s.ID] = s
}

func (m *MemoryStore) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := p
	return &cp, nil
}

func (m *MemoryStore) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getSlotLocked(id)
}

func (m *MemoryStore) getSlotLocked(id uuid.UUID) (*Slot, error) {
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := s
	return &cp, nil
}

func (m *MemoryStore) ListSlots(ctx context.Context, doctorID *uuid.UUID, date *time.Time) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Slot
	for _, s := range m.slots {
		if doctorID != nil && s.DoctorID != *doctorID {
			continue
		}
		if date != nil && !sameDay(s.Date, *date) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryStore) ReserveSlot(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok {
		return ErrSlotNotFound
	}
	if s.Remaining <= 0 {
		return ErrSlotUnavailable
	}
	s.Remaining--
	s.UpdatedAt = time.Now()
	m.slots[id] = s
	return nil
}

func (m *MemoryStore) ReleaseSlot(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok {
		return ErrSlotNotFound
	}
	if s.Remaining < s.Total {
		s.Remaining++
	}
	s.UpdatedAt = time.Now()
	m.slots[id] = s
	return nil
}

func (m *MemoryStore) CreateAppointment(ctx context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appointments[a.ID] = *a
	return nil
}

func (m *MemoryStore) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := a
	return &cp, nil
}

func (m *MemoryStore) GetAppointmentByOrderID(ctx context.Context, paymentOrderID string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.appointments {
		if a.PaymentOrderID == paymentOrderID {
			cp := a
			return &cp, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (m *MemoryStore) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	m.appointments[id] = a
	cp := a
	return &cp, nil
}

func (m *MemoryStore) MarkAppointmentPaid(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok || a.Status != StatusPending {
		return nil, ErrAppointmentNotFound
	}
	a.Status = StatusConfirmed
	a.PaymentState = PaymentPaid
	a.UpdatedAt = time.Now()
	m.appointments[id] = a
	cp := a
	return &cp, nil
}

func (m *MemoryStore) CancelAppointment(ctx context.Context, id uuid.UUID, from AppointmentStatus, reason string, refunded bool) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = StatusCancelled
	a.CancelReason = reason
	if refunded {
		a.PaymentState = PaymentRefunded
	}
	a.UpdatedAt = time.Now()
	m.appointments[id] = a
	cp := a
	return &cp, nil
}

func (m *MemoryStore) MoveAppointment(ctx context.Context, p MoveAppointmentParams) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[p.ID]
	if !ok || a.Status != p.From {
		return nil, ErrAppointmentNotFound
	}
	a.SlotID = p.NewSlotID
	a.Status = p.Status
	a.PaymentState = p.PaymentState
	a.PaymentOrderID = p.PaymentOrderID
	a.QueueNo = p.QueueNo
	a.PayBy = p.PayBy
	a.UpdatedAt = time.Now()
	m.appointments[p.ID] = a
	cp := a
	return &cp, nil
}

func (m *MemoryStore) NextQueueNumber(ctx context.Context, slotID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	max := 0
	for _, a := range m.appointments {
		if a.SlotID == slotID && a.QueueNo > max {
			max = a.QueueNo
		}
	}
	return max + 1, nil
}

func (m *MemoryStore) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, status *AppointmentStatus, limit, offset int) ([]AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []Appointment
	for _, a := range m.appointments {
		if a.PatientID != patientID {
			continue
		}
		if status != nil && a.Status != *status {
			continue
		}
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}

	out := make([]AppointmentDetail, 0, len(all))
	for _, a := range all {
		d := AppointmentDetail{Appointment: a}
		if s, ok := m.slots[a.SlotID]; ok {
			cp := s
			d.Slot = &cp
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *MemoryStore) CountActiveAppointmentsForSlot(ctx context.Context, slotID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, a := range m.appointments {
		if a.SlotID == slotID && (a.Status == StatusPending || a.Status == StatusConfirmed) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) FindExpiredPending(ctx context.Context, now time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Appointment
	for _, a := range m.appointments {
		if a.Status == StatusPending && a.PayBy.Before(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) FindPastUncompleted(ctx context.Context, now time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Appointment
	for _, a := range m.appointments {
		if a.Status != StatusPending && a.Status != StatusConfirmed {
			continue
		}
		s, ok := m.slots[a.SlotID]
		if !ok {
			continue
		}
		if s.EndTime.Before(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) FindExpiredWaiting(ctx context.Context, now time.Time) ([]WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []WaitlistEntry
	for _, e := range m.waitlist {
		if e.Status == WaitlistWaiting && e.ExpiresAt.Before(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateWaitlistEntry(ctx context.Context, e *WaitlistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitlist[e.ID] = *e
	return nil
}

func (m *MemoryStore) GetWaitlistEntryByID(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.waitlist[id]
	if !ok {
		return nil, ErrWaitlistNotFound
	}
	cp := e
	return &cp, nil
}

func (m *MemoryStore) NextWaitlistPosition(ctx context.Context, slotID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Positions never renumber: the stamp is max over every entry ever
	// created for the slot, terminal ones included.
	max := 0
	for _, e := range m.waitlist {
		if e.SlotID == slotID && e.Position > max {
			max = e.Position
		}
	}
	return max + 1, nil
}

func (m *MemoryStore) FirstWaiting(ctx context.Context, slotID uuid.UUID) (*WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *WaitlistEntry
	for _, e := range m.waitlist {
		if e.SlotID != slotID || e.Status != WaitlistWaiting {
			continue
		}
		if best == nil || e.Position < best.Position {
			cp := e
			best = &cp
		}
	}
	if best == nil {
		return nil, ErrWaitlistNotFound
	}
	return best, nil
}

func (m *MemoryStore) UpdateWaitlistStatus(ctx context.Context, id uuid.UUID, from, to WaitlistStatus, appointmentID *uuid.UUID) (*WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.waitlist[id]
	if !ok || e.Status != from {
		return nil, ErrWaitlistNotFound
	}
	e.Status = to
	if appointmentID != nil {
		e.AppointmentID = appointmentID
	}
	e.UpdatedAt = time.Now()
	m.waitlist[id] = e
	cp := e
	return &cp, nil
}

func (m *MemoryStore) ListWaitlistByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []WaitlistEntry
	for _, e := range m.waitlist {
		if e.PatientID == patientID {
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) InsertEvent(ctx context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eventSeq++
	ev.ID = m.eventSeq
	m.events = append(m.events, ev)
	return nil
}

// Events returns a snapshot of the event log, for tests.
func (m *MemoryStore) Events() []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EventLog, len(m.events))
	copy(out, m.events)
	return out
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

var _ Store = (*MemoryStore)(nil)
