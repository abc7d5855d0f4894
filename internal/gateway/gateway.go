// Package gateway is the boundary to the hosted card checkout provider. The
// rest of the system talks to the Gateway interface; StripeGateway is the
// production implementation.
package gateway

import (
	"context"
	"strconv"
	"strings"
)

// Metadata keys placed on sessions and intents so callbacks can be routed
// back to the order that created them.
const (
	MetaOrderKey      = "order_key"
	MetaOrderNumber   = "order_number"
	MetaCustomerEmail = "customer_email"
	MetaCustomerName  = "customer_name"
)

// Session payment statuses reported by RetrieveSession.
const (
	SessionPaid     = "paid"
	SessionUnpaid   = "unpaid"
	SessionNoCharge = "no_payment_required"
)

type Gateway interface {
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (*SessionStatus, error)
	// VerifyCallback authenticates and parses a raw provider callback body.
	VerifyCallback(rawBody []byte, signatureHeader string) (*Event, error)
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
}

// LineItem is one hosted-page line in minor currency units.
type LineItem struct {
	Name            string
	UnitAmountMinor int64
	Quantity        int64
}

type CheckoutSessionRequest struct {
	LineItems         []LineItem
	Currency          string
	CustomerEmail     string
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	Metadata          map[string]string
	IdempotencyKey    string
}

type CheckoutSession struct {
	ID          string
	RedirectURL string
	IntentID    string
}

type PaymentIntentRequest struct {
	AmountMinor    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// PaymentIntent is the result of CreatePaymentIntent. A declined card is not
// an error: Declined is set and DeclineMessage carries the provider text.
type PaymentIntent struct {
	ID             string
	ClientSecret   string
	Status         string
	Declined       bool
	DeclineCode    string
	DeclineMessage string
}

type CustomerDetails struct {
	Email string
	Name  string
	Phone string
}

type SessionLine struct {
	Description     string
	Quantity        int64
	UnitAmountMinor int64
	AmountMinor     int64
}

// SessionStatus is the remote view of a hosted session.
type SessionStatus struct {
	ID            string
	PaymentStatus string
	Status        string
	AmountTotal   int64
	Currency      string
	IntentID      string
	Metadata      map[string]string
	Customer      CustomerDetails
	LineItems     []SessionLine
}

func (s *SessionStatus) Paid() bool {
	return s != nil && s.PaymentStatus == SessionPaid
}

// OrderKey returns the order key stored in the session metadata.
func (s *SessionStatus) OrderKey() (uint64, bool) {
	if s == nil {
		return 0, false
	}
	return parseOrderKey(s.Metadata)
}

type RefundRequest struct {
	IntentID       string
	AmountMinor    int64
	IdempotencyKey string
}

type Refund struct {
	ID     string
	Status string
}

func parseOrderKey(meta map[string]string) (uint64, bool) {
	raw := strings.TrimSpace(meta[MetaOrderKey])
	if raw == "" {
		return 0, false
	}
	key, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || key == 0 {
		return 0, false
	}
	return key, true
}
