package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medibook/hospital-booking/internal/clock"
)

// Simulator is an in-process gateway used in dev and tests. Orders live in a
// map; MarkPaid stands in for the real channel's settlement callback.
type Simulator struct {
	mu     sync.Mutex
	clock  clock.Clock
	orders map[string]*Order
	seq    int64
}

func NewSimulator(clk clock.Clock) *Simulator {
	return &Simulator{
		clock:  clk,
		orders: make(map[string]*Order),
	}
}

func (s *Simulator) CreateOrder(ctx context.Context, appointmentID uuid.UUID, amountCents int64, ttl time.Duration) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, o := range s.orders {
		if o.AppointmentID == appointmentID && s.statusLocked(o, now) == StatusPending {
			return nil, ErrActiveOrderExists
		}
	}

	s.seq++
	o := &Order{
		ID:            fmt.Sprintf("order_%s_%d", now.Format("20060102"), s.seq),
		AppointmentID: appointmentID,
		AmountCents:   amountCents,
		Method:        MethodWechat,
		Status:        StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	s.orders[o.ID] = o

	cp := *o
	return &cp, nil
}

func (s *Simulator) QueryStatus(ctx context.Context, orderID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return "", ErrOrderNotFound
	}
	return s.statusLocked(o, s.clock.Now()), nil
}

func (s *Simulator) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if s.statusLocked(o, s.clock.Now()) == StatusPending {
		o.Status = StatusCancelled
	}
	return nil
}

func (s *Simulator) Refund(ctx context.Context, orderID string, amountCents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[orderID]; !ok {
		return ErrOrderNotFound
	}
	return nil
}

// MarkPaid settles a pending order, as the real channel would after the
// patient scans and pays.
func (s *Simulator) MarkPaid(orderID string, method Method) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}

	now := s.clock.Now()
	switch s.statusLocked(o, now) {
	case StatusPaid:
		cp := *o
		return &cp, nil
	case StatusPending:
	default:
		return nil, fmt.Errorf("%w: order %s is %s", ErrGateway, orderID, o.Status)
	}

	o.Status = StatusPaid
	if method != "" {
		o.Method = method
	}
	o.TransactionID = fmt.Sprintf("txn_%d", now.UnixNano())
	o.PaidAt = &now

	cp := *o
	return &cp, nil
}

// statusLocked flips an overdue pending order to expired lazily on read.
func (s *Simulator) statusLocked(o *Order, now time.Time) Status {
	if o.Status == StatusPending && o.ExpiresAt.Before(now) {
		o.Status = StatusExpired
	}
	return o.Status
}

var _ Gateway = (*Simulator)(nil)
