// Package httpclient is the concrete, otelhttp-instrumented implementation
// of towerapi.Net: it speaks the tower's JSON HTTP API over a
// context-aware client so every request is both timed-out and traced.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/watchtower-client/retryd/internal/retry"
	"github.com/watchtower-client/retryd/internal/tower"
	"github.com/watchtower-client/retryd/internal/towerapi"
)

// DefaultRequestTimeout bounds a single round-trip to a tower.
const DefaultRequestTimeout = 10 * time.Second

// Client implements towerapi.Net over HTTP.
type Client struct {
	httpClient *http.Client
	addr       func(tower.ID) (string, error)
}

// AddressResolver maps a tower id to the base URL the client should talk
// to. Kept as a function rather than a fixed field so callers backed by a
// store of tower addresses and callers with a single static tower (in
// tests) share the same Client type.
type AddressResolver func(tower.ID) (string, error)

// New builds a Client with the given address resolver and request
// timeout. A timeout of zero uses DefaultRequestTimeout.
func New(resolve AddressResolver, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		addr: resolve,
	}
}

var _ towerapi.Net = (*Client)(nil)

type registerResponse struct {
	UserID             string `json:"user_id"`
	AvailableSlots     uint32 `json:"available_slots"`
	SubscriptionExpiry uint32 `json:"subscription_expiry"`
	Signature          string `json:"signature"`
}

type addAppointmentRequest struct {
	Locator   string `json:"locator"`
	Encoded   string `json:"appointment"`
	Signature string `json:"signature"`
}

type addAppointmentResponse struct {
	StartBlock     uint32 `json:"start_block"`
	UserSignature  string `json:"signature"`
	TowerSignature string `json:"tower_signature"`
}

type apiErrorBody struct {
	Code  int    `json:"error_code"`
	Error string `json:"error"`
}

// Register posts a registration request to t and parses its receipt.
func (c *Client) Register(ctx context.Context, t tower.ID) (tower.RegistrationReceipt, error) {
	var resp registerResponse
	if err := c.post(ctx, t, "register", nil, &resp); err != nil {
		return tower.RegistrationReceipt{}, err
	}

	userID, err := tower.ParseID(resp.UserID)
	if err != nil {
		return tower.RegistrationReceipt{}, retry.SignatureError{Err: err}
	}

	return tower.RegistrationReceipt{
		UserID:             userID,
		AvailableSlots:     resp.AvailableSlots,
		SubscriptionExpiry: resp.SubscriptionExpiry,
		Signature:          []byte(resp.Signature),
	}, nil
}

// AddAppointment posts app and signature to t and parses the delivery
// receipt.
func (c *Client) AddAppointment(ctx context.Context, t tower.ID, app tower.Appointment, signature []byte) (tower.AppointmentReceipt, error) {
	req := addAppointmentRequest{
		Locator:   app.Locator.String(),
		Encoded:   string(app.Encoded),
		Signature: string(signature),
	}
	var resp addAppointmentResponse
	if err := c.post(ctx, t, "add_appointment", req, &resp); err != nil {
		return tower.AppointmentReceipt{}, err
	}

	if resp.TowerSignature == "" {
		return tower.AppointmentReceipt{}, retry.SignatureError{
			Err:         fmt.Errorf("missing tower signature"),
			Locator:     app.Locator,
			Appointment: app,
		}
	}

	return tower.AppointmentReceipt{
		UserSignature:  []byte(resp.UserSignature),
		StartBlock:     resp.StartBlock,
		TowerSignature: []byte(resp.TowerSignature),
	}, nil
}

func (c *Client) post(ctx context.Context, t tower.ID, path string, body any, out any) error {
	base, err := c.addr(t)
	if err != nil {
		return retry.RequestError{Err: err}
	}

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return retry.RequestError{Err: err}
		}
	}

	url := fmt.Sprintf("%s/%s", base, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return retry.RequestError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.RequestError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return retry.RequestError{Err: fmt.Errorf("tower returned status %d", resp.StatusCode)}
		}
		return retry.ApiError{Code: apiErr.Code, Msg: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.RequestError{Err: err}
	}
	return nil
}
