// Package gateway is the contract the lending core expects from the external
// payment processor: customer and payout-account creation, transfers onto
// bank rails, off-session charges, and signed webhook events.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrGateway = errors.New("payment gateway error")

// Charge statuses returned by ChargeOffSession.
const (
	ChargeSucceeded  = "succeeded"
	ChargeProcessing = "processing"
	ChargeFailed     = "failed"
)

type Client interface {
	CreateCustomer(ctx context.Context, email string) (string, error)
	CreatePayoutAccount(ctx context.Context, email string) (string, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (string, error)
	ChargeOffSession(ctx context.Context, customerID, paymentMethodID string, amountCents int64, metadata map[string]string) (string, error)
}

// TransferRequest moves money from the platform float (or a source account)
// to a payout-capable destination account, net of an optional fee.
type TransferRequest struct {
	AmountCents        int64             `json:"amount_cents"`
	SourceAccount      string            `json:"source_account,omitempty"`
	DestinationAccount string            `json:"destination_account"`
	FeeCents           int64             `json:"fee_cents,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// RESTClient talks to a provider-agnostic payments API over HTTP.
type RESTClient struct {
	baseURL string
	secret  string
	client  *http.Client
}

func NewRESTClient(baseURL, secret string) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		secret:  secret,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *RESTClient) CreateCustomer(ctx context.Context, email string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.post(ctx, "/v1/customers", map[string]string{"email": email}, &out)
	return out.ID, err
}

func (c *RESTClient) CreatePayoutAccount(ctx context.Context, email string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.post(ctx, "/v1/accounts", map[string]string{"email": email}, &out)
	return out.ID, err
}

func (c *RESTClient) CreateTransfer(ctx context.Context, req TransferRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.post(ctx, "/v1/transfers", req, &out)
	return out.ID, err
}

func (c *RESTClient) ChargeOffSession(ctx context.Context, customerID, paymentMethodID string, amountCents int64, metadata map[string]string) (string, error) {
	body := map[string]any{
		"customer_id":       customerID,
		"payment_method_id": paymentMethodID,
		"amount_cents":      amountCents,
		"off_session":       true,
		"metadata":          metadata,
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := c.post(ctx, "/v1/charges", body, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *RESTClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %d", ErrGateway, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
