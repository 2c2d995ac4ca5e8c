package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RemoteGateway talks JSON over HTTP to the hospital's payment platform.
type RemoteGateway struct {
	BaseURL string
	Client  *http.Client
}

func NewRemoteGateway(baseURL string) *RemoteGateway {
	return &RemoteGateway{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type createOrderRequest struct {
	AppointmentID string `json:"appointment_id"`
	AmountCents   int64  `json:"amount_cents"`
	TTLSeconds    int64  `json:"ttl_seconds"`
}

type orderResponse struct {
	OrderID     string    `json:"order_id"`
	AmountCents int64     `json:"amount_cents"`
	Method      string    `json:"method"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type statusResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type refundRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

func (g *RemoteGateway) CreateOrder(ctx context.Context, appointmentID uuid.UUID, amountCents int64, ttl time.Duration) (*Order, error) {
	payload := createOrderRequest{
		AppointmentID: appointmentID.String(),
		AmountCents:   amountCents,
		TTLSeconds:    int64(ttl.Seconds()),
	}

	var resp orderResponse
	if err := g.post(ctx, "/orders", payload, &resp); err != nil {
		return nil, err
	}

	return &Order{
		ID:            resp.OrderID,
		AppointmentID: appointmentID,
		AmountCents:   resp.AmountCents,
		Method:        Method(resp.Method),
		Status:        Status(resp.Status),
		CreatedAt:     resp.CreatedAt,
		ExpiresAt:     resp.ExpiresAt,
	}, nil
}

func (g *RemoteGateway) QueryStatus(ctx context.Context, orderID string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL+"/orders/"+orderID+"/status", nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGateway, err)
	}

	httpResp, err := g.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNotFound {
		return "", ErrOrderNotFound
	}
	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return "", fmt.Errorf("%w: status %d: %s", ErrGateway, httpResp.StatusCode, body)
	}

	var resp statusResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("%w: decode status: %v", ErrGateway, err)
	}
	return Status(resp.Status), nil
}

func (g *RemoteGateway) CancelOrder(ctx context.Context, orderID string) error {
	return g.post(ctx, "/orders/"+orderID+"/cancel", struct{}{}, nil)
}

func (g *RemoteGateway) Refund(ctx context.Context, orderID string, amountCents int64) error {
	return g.post(ctx, "/orders/"+orderID+"/refund", refundRequest{AmountCents: amountCents}, nil)
}

func (g *RemoteGateway) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", ErrGateway, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGateway, err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := g.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNotFound {
		return ErrOrderNotFound
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		respBody, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("%w: status %d: %s", ErrGateway, httpResp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrGateway, err)
		}
	}
	return nil
}

var _ Gateway = (*RemoteGateway)(nil)
