// Package payment holds the payment gateway contract the booking engine
// consumes, a local simulator, and an HTTP-backed remote adapter. The engine
// never sees settlement mechanics, only order status.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

type Method string

const (
	MethodWechat Method = "wechat"
	MethodAlipay Method = "alipay"
	MethodBank   Method = "bank"
)

var (
	ErrOrderNotFound = errors.New("payment order not found")
	// ErrActiveOrderExists enforces the one-pending-order-per-appointment rule;
	// the caller must cancel the outstanding order first.
	ErrActiveOrderExists = errors.New("appointment already has a pending payment order")
	ErrGateway           = errors.New("payment gateway error")
)

type Order struct {
	ID            string
	AppointmentID uuid.UUID
	AmountCents   int64
	Method        Method
	Status        Status
	TransactionID string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	PaidAt        *time.Time
}

// Gateway is the external collaborator contract. Calls cross a network in the
// remote implementation, so the engine must not hold slot locks across them.
type Gateway interface {
	CreateOrder(ctx context.Context, appointmentID uuid.UUID, amountCents int64, ttl time.Duration) (*Order, error)
	QueryStatus(ctx context.Context, orderID string) (Status, error)
	CancelOrder(ctx context.Context, orderID string) error
	Refund(ctx context.Context, orderID string, amountCents int64) error
}

type MethodInfo struct {
	ID          Method `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Methods lists the payment channels offered to patients.
func Methods() []MethodInfo {
	return []MethodInfo{
		{ID: MethodWechat, Name: "WeChat Pay", Description: "scan to pay with WeChat"},
		{ID: MethodAlipay, Name: "Alipay", Description: "scan to pay with Alipay"},
		{ID: MethodBank, Name: "Bank card", Description: "pay with a bank card"},
	}
}
