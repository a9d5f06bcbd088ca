package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fitpulse/fitpulse/internal/pkg/config"
)

// PaymentRequest describes one charge. IdempotenceKey must be stable across
// retries of the same logical charge; we always use our payment id.
type PaymentRequest struct {
	IdempotenceKey    string
	Amount            decimal.Decimal
	Currency          string
	Description       string
	PaymentID         string
	UserID            uint
	SavePaymentMethod bool
	// PaymentMethodID charges a saved instrument without user interaction.
	PaymentMethodID string
}

var errIdempotenceKeyMissing = errors.New("idempotence key is required")

// ProviderPayment is the provider's view of a created charge.
type ProviderPayment struct {
	ID              string
	Status          string
	Paid            bool
	ConfirmationURL string
}

// Provider is the outbound half of the payment provider integration. Results
// of a charge always arrive later through webhooks.
type Provider interface {
	CreatePayment(ctx context.Context, req PaymentRequest) (*ProviderPayment, error)
	CreateRecurringPayment(ctx context.Context, req PaymentRequest) (*ProviderPayment, error)
}

// ProviderError is a non-2xx answer from the provider API.
type ProviderError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider request failed: status=%d code=%s description=%s", e.StatusCode, e.Code, e.Description)
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsRejection reports failures after which the provider certainly holds no
// charge: a 4xx answer, or a request that was never sent.
func IsRejection(err error) bool {
	if errors.Is(err, ErrProviderMissing) || errors.Is(err, ErrNoPaymentMethod) || errors.Is(err, errIdempotenceKeyMissing) {
		return true
	}
	var pe *ProviderError
	return errors.As(err, &pe) && pe.StatusCode >= http.StatusBadRequest && pe.StatusCode < http.StatusInternalServerError
}

// IsIndeterminate reports failures after which the charge may or may not
// exist at the provider. Anything short of a rejection counts: timeouts,
// dropped connections, cancelled calls, 5xx answers and unreadable 2xx bodies.
func IsIndeterminate(err error) bool {
	return err != nil && !IsRejection(err)
}

// ProviderClient talks to the provider's REST API with basic auth.
type ProviderClient struct {
	ShopID    string
	SecretKey string
	BaseURL   string
	ReturnURL string

	HTTPClient *http.Client
}

func NewProviderClient(cfg config.ProviderConfig) *ProviderClient {
	return &ProviderClient{
		ShopID:    cfg.ShopID,
		SecretKey: cfg.SecretKey,
		BaseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		ReturnURL: cfg.ReturnURL,
		HTTPClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type providerAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type providerConfirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type createPaymentBody struct {
	Amount            providerAmount        `json:"amount"`
	Capture           bool                  `json:"capture"`
	Description       string                `json:"description,omitempty"`
	Confirmation      *providerConfirmation `json:"confirmation,omitempty"`
	SavePaymentMethod bool                  `json:"save_payment_method,omitempty"`
	PaymentMethodID   string                `json:"payment_method_id,omitempty"`
	Metadata          map[string]string     `json:"metadata"`
}

type createPaymentResponse struct {
	ID           string                `json:"id"`
	Status       string                `json:"status"`
	Paid         bool                  `json:"paid"`
	Confirmation *providerConfirmation `json:"confirmation"`
}

// CreatePayment starts a user-confirmed charge and returns the redirect URL.
func (c *ProviderClient) CreatePayment(ctx context.Context, req PaymentRequest) (*ProviderPayment, error) {
	body := c.baseBody(req)
	body.Confirmation = &providerConfirmation{Type: "redirect", ReturnURL: c.ReturnURL}
	body.SavePaymentMethod = req.SavePaymentMethod
	return c.post(ctx, req.IdempotenceKey, body)
}

// CreateRecurringPayment charges a saved instrument.
func (c *ProviderClient) CreateRecurringPayment(ctx context.Context, req PaymentRequest) (*ProviderPayment, error) {
	if strings.TrimSpace(req.PaymentMethodID) == "" {
		return nil, ErrNoPaymentMethod
	}
	body := c.baseBody(req)
	body.PaymentMethodID = req.PaymentMethodID
	return c.post(ctx, req.IdempotenceKey, body)
}

func (c *ProviderClient) baseBody(req PaymentRequest) createPaymentBody {
	return createPaymentBody{
		Amount:      providerAmount{Value: req.Amount.StringFixed(2), Currency: req.Currency},
		Capture:     true,
		Description: req.Description,
		Metadata: map[string]string{
			"payment_id": req.PaymentID,
			"user_id":    strconv.FormatUint(uint64(req.UserID), 10),
		},
	}
}

func (c *ProviderClient) post(ctx context.Context, idempotenceKey string, payload createPaymentBody) (*ProviderPayment, error) {
	if strings.TrimSpace(c.ShopID) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return nil, ErrProviderMissing
	}
	if strings.TrimSpace(idempotenceKey) == "" {
		return nil, errIdempotenceKeyMissing
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/payments", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.ShopID, c.SecretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotence-Key", idempotenceKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &ProviderError{StatusCode: resp.StatusCode}
		var e struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		}
		if json.Unmarshal(body, &e) == nil {
			perr.Code = e.Code
			perr.Description = e.Description
		}
		return nil, perr
	}

	var out createPaymentResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode provider payment: %w", err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, errors.New("provider returned a payment without id")
	}
	pp := &ProviderPayment{ID: out.ID, Status: out.Status, Paid: out.Paid}
	if out.Confirmation != nil {
		pp.ConfirmationURL = out.Confirmation.ConfirmationURL
	}
	return pp, nil
}
