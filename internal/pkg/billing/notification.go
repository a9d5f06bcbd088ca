package billing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Provider event types we act on.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentCanceled  = "payment.canceled"
	EventRefundSucceeded  = "refund.succeeded"
)

// Cancellation reasons that mean the saved instrument will never work again.
const (
	ReasonPermissionRevoked = "permission_revoked"
	ReasonCardExpired       = "card_expired"
)

// maxIdempotencyKeyLen matches the ledger column width.
const maxIdempotencyKeyLen = 191

// Notification is a parsed provider webhook. The concrete type is one of
// PaymentSucceeded, PaymentCanceled, RefundSucceeded or UnknownEvent.
type Notification interface {
	EventType() string
	ObjectID() string
	ObjectStatus() string
	ProviderEventID() string
}

type header struct {
	eventType       string
	objectID        string
	objectStatus    string
	providerEventID string
}

func (h header) EventType() string       { return h.eventType }
func (h header) ObjectID() string        { return h.objectID }
func (h header) ObjectStatus() string    { return h.objectStatus }
func (h header) ProviderEventID() string { return h.providerEventID }

// Money is an amount as reported by the provider.
type Money struct {
	Value    decimal.Decimal
	Currency string
}

// PaymentMethod describes the instrument used for a charge. ID is the opaque
// provider token usable for recurring charges when Saved is true.
type PaymentMethod struct {
	ID       string
	Type     string
	Saved    bool
	Last4    string
	CardType string
}

// CardMask renders the display mask, empty when no card digits are known.
func (m PaymentMethod) CardMask() string {
	if m.Last4 == "" {
		return ""
	}
	return "**** " + m.Last4
}

type PaymentSucceeded struct {
	header
	// PaymentID is our payment id echoed back through metadata.
	PaymentID     string
	Amount        *Money
	PaymentMethod PaymentMethod
	CapturedAt    time.Time
}

type PaymentCanceled struct {
	header
	PaymentID     string
	Party         string
	Reason        string
	PaymentMethod PaymentMethod
}

type RefundSucceeded struct {
	header
	// ProviderPaymentID is the provider id of the refunded payment.
	ProviderPaymentID string
	Amount            *Money
}

// UnknownEvent is ledgered but never dispatched.
type UnknownEvent struct {
	header
}

// Dispatchable reports whether n must be handed to the settlement worker.
func Dispatchable(n Notification) bool {
	_, unknown := n.(UnknownEvent)
	return !unknown
}

type rawNotification struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	EventID string          `json:"event_id"`
	Object  json.RawMessage `json:"object"`
}

type rawAmount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

type rawPaymentMethod struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Saved bool   `json:"saved"`
	Card  *struct {
		Last4    string `json:"last4"`
		CardType string `json:"card_type"`
	} `json:"card"`
}

type rawObject struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	PaymentID  string     `json:"payment_id"`
	Amount     *rawAmount `json:"amount"`
	CapturedAt *time.Time `json:"captured_at"`
	Metadata   struct {
		PaymentID string `json:"payment_id"`
	} `json:"metadata"`
	PaymentMethod       *rawPaymentMethod `json:"payment_method"`
	CancellationDetails *struct {
		Party  string `json:"party"`
		Reason string `json:"reason"`
	} `json:"cancellation_details"`
}

// ParseNotification decodes a provider webhook body. Unknown fields are
// ignored; an unrecognised event type yields UnknownEvent.
func ParseNotification(raw []byte) (Notification, error) {
	var env rawNotification
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	eventType := strings.TrimSpace(env.Event)
	if eventType == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedNotification)
	}
	if len(bytes.TrimSpace(env.Object)) == 0 {
		return nil, fmt.Errorf("%w: missing object", ErrMalformedNotification)
	}

	var obj rawObject
	if err := json.Unmarshal(env.Object, &obj); err != nil {
		return nil, fmt.Errorf("%w: object: %v", ErrMalformedNotification, err)
	}
	if strings.TrimSpace(obj.ID) == "" {
		return nil, fmt.Errorf("%w: missing object.id", ErrMalformedNotification)
	}

	h := header{
		eventType:       eventType,
		objectID:        strings.TrimSpace(obj.ID),
		objectStatus:    strings.TrimSpace(obj.Status),
		providerEventID: strings.TrimSpace(env.EventID),
	}

	switch eventType {
	case EventPaymentSucceeded:
		n := PaymentSucceeded{
			header:        h,
			PaymentID:     strings.TrimSpace(obj.Metadata.PaymentID),
			Amount:        obj.Amount.money(),
			PaymentMethod: obj.PaymentMethod.method(),
		}
		if obj.CapturedAt != nil {
			n.CapturedAt = obj.CapturedAt.UTC()
		}
		return n, nil
	case EventPaymentCanceled:
		n := PaymentCanceled{
			header:        h,
			PaymentID:     strings.TrimSpace(obj.Metadata.PaymentID),
			PaymentMethod: obj.PaymentMethod.method(),
		}
		if obj.CancellationDetails != nil {
			n.Party = obj.CancellationDetails.Party
			n.Reason = obj.CancellationDetails.Reason
		}
		return n, nil
	case EventRefundSucceeded:
		if strings.TrimSpace(obj.PaymentID) == "" {
			return nil, fmt.Errorf("%w: refund without payment_id", ErrMalformedNotification)
		}
		return RefundSucceeded{
			header:            h,
			ProviderPaymentID: strings.TrimSpace(obj.PaymentID),
			Amount:            obj.Amount.money(),
		}, nil
	default:
		return UnknownEvent{header: h}, nil
	}
}

func (a *rawAmount) money() *Money {
	if a == nil {
		return nil
	}
	return &Money{Value: a.Value, Currency: strings.ToUpper(a.Currency)}
}

func (m *rawPaymentMethod) method() PaymentMethod {
	if m == nil {
		return PaymentMethod{}
	}
	out := PaymentMethod{ID: strings.TrimSpace(m.ID), Type: m.Type, Saved: m.Saved}
	if m.Card != nil {
		out.Last4 = m.Card.Last4
		out.CardType = m.Card.CardType
	}
	return out
}

// IdempotencyKey is the provider event id when one is supplied, otherwise
// event_type:object_id:object_status.
func IdempotencyKey(n Notification) string {
	key := n.ProviderEventID()
	if key == "" {
		key = n.EventType() + ":" + n.ObjectID() + ":" + n.ObjectStatus()
	}
	if len(key) > maxIdempotencyKeyLen {
		sum := sha256.Sum256([]byte(key))
		key = "sha256:" + hex.EncodeToString(sum[:])
	}
	return key
}

// redactedKeys are removed wherever they appear in the payload.
var redactedKeys = map[string]struct{}{
	"first6":       {},
	"bin":          {},
	"number":       {},
	"card_number":  {},
	"pan":          {},
	"cvc":          {},
	"cvv":          {},
	"cvv2":         {},
	"csc":          {},
	"expiry_month": {},
	"expiry_year":  {},
	"exp_month":    {},
	"exp_year":     {},
	"expiry":       {},
	"cardholder":   {},
	"card_holder":  {},
}

// redactedFragments catch credentials under any key name.
var redactedFragments = []string{"secret", "token", "password", "authorization"}

// RedactPayload strips card data and credentials from a webhook body before it
// is stored. payment_method.id is an opaque instrument token and survives.
func RedactPayload(raw []byte) (datatypes.JSON, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	out, err := json.Marshal(redactValue(doc))
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if isSensitiveKey(k) {
				delete(t, k)
				continue
			}
			t[k] = redactValue(child)
		}
		return t
	case []any:
		for i := range t {
			t[i] = redactValue(t[i])
		}
		return t
	default:
		return v
	}
}

func isSensitiveKey(k string) bool {
	lk := strings.ToLower(k)
	if _, ok := redactedKeys[lk]; ok {
		return true
	}
	for _, f := range redactedFragments {
		if strings.Contains(lk, f) {
			return true
		}
	}
	return false
}
