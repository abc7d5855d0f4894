// Package gatewaytest provides an in-memory Gateway for service and handler
// tests plus helpers to produce correctly signed callback bodies.
package gatewaytest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/sppix/storefront-backend/internal/gateway"
	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
)

// Fake records every call. Set the *Err fields to make the next calls fail.
type Fake struct {
	mu sync.Mutex

	SigningSecret string

	CreateSessionErr error
	CreateIntentErr  error
	RetrieveErr      error
	RefundErr        error

	// BeforeCreateSession runs inside CreateCheckoutSession before the
	// session is recorded.
	BeforeCreateSession func(req gateway.CheckoutSessionRequest)

	seq             int
	sessions        map[string]*gateway.SessionStatus
	sessionRequests []gateway.CheckoutSessionRequest
	intentRequests  []gateway.PaymentIntentRequest
	refunds         []gateway.RefundRequest
}

var _ gateway.Gateway = (*Fake)(nil)

func New(signingSecret string) *Fake {
	return &Fake{
		SigningSecret: signingSecret,
		sessions:      map[string]*gateway.SessionStatus{},
	}
}

func (f *Fake) CreatePaymentIntent(ctx context.Context, req gateway.PaymentIntentRequest) (*gateway.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateIntentErr != nil {
		return nil, f.CreateIntentErr
	}
	f.seq++
	f.intentRequests = append(f.intentRequests, req)
	id := fmt.Sprintf("pi_fake_%d", f.seq)
	return &gateway.PaymentIntent{ID: id, ClientSecret: id + "_secret", Status: "requires_payment_method"}, nil
}

func (f *Fake) CreateCheckoutSession(ctx context.Context, req gateway.CheckoutSessionRequest) (*gateway.CheckoutSession, error) {
	if f.BeforeCreateSession != nil {
		f.BeforeCreateSession(req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateSessionErr != nil {
		return nil, f.CreateSessionErr
	}
	f.seq++
	id := fmt.Sprintf("cs_fake_%d", f.seq)
	intentID := fmt.Sprintf("pi_fake_%d", f.seq)

	var total int64
	lines := make([]gateway.SessionLine, 0, len(req.LineItems))
	for _, li := range req.LineItems {
		amount := li.UnitAmountMinor * li.Quantity
		total += amount
		lines = append(lines, gateway.SessionLine{
			Description:     li.Name,
			Quantity:        li.Quantity,
			UnitAmountMinor: li.UnitAmountMinor,
			AmountMinor:     amount,
		})
	}
	meta := map[string]string{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	f.sessions[id] = &gateway.SessionStatus{
		ID:            id,
		PaymentStatus: gateway.SessionUnpaid,
		Status:        "open",
		AmountTotal:   total,
		Currency:      req.Currency,
		IntentID:      intentID,
		Metadata:      meta,
		Customer:      gateway.CustomerDetails{Email: req.CustomerEmail},
		LineItems:     lines,
	}
	f.sessionRequests = append(f.sessionRequests, req)
	return &gateway.CheckoutSession{
		ID:          id,
		RedirectURL: "https://checkout.test/pay/" + id,
		IntentID:    intentID,
	}, nil
}

func (f *Fake) RetrieveSession(ctx context.Context, sessionID string) (*gateway.SessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RetrieveErr != nil {
		return nil, f.RetrieveErr
	}
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	copied := *sess
	return &copied, nil
}

func (f *Fake) VerifyCallback(rawBody []byte, signatureHeader string) (*gateway.Event, error) {
	return gateway.ParseStripeEvent(rawBody, signatureHeader, f.SigningSecret)
}

func (f *Fake) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RefundErr != nil {
		return nil, f.RefundErr
	}
	f.refunds = append(f.refunds, req)
	return &gateway.Refund{ID: fmt.Sprintf("re_fake_%d", len(f.refunds)), Status: "succeeded"}, nil
}

// MarkPaid flips a recorded session to paid, as if the customer completed
// the hosted page.
func (f *Fake) MarkPaid(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[sessionID]; ok {
		sess.PaymentStatus = gateway.SessionPaid
		sess.Status = "complete"
	}
}

// Session returns a copy of the recorded session.
func (f *Fake) Session(sessionID string) (gateway.SessionStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return gateway.SessionStatus{}, false
	}
	return *sess, true
}

func (f *Fake) SessionRequests() []gateway.CheckoutSessionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.CheckoutSessionRequest(nil), f.sessionRequests...)
}

func (f *Fake) Refunds() []gateway.RefundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.RefundRequest(nil), f.refunds...)
}

// SignPayload builds a provider signature header for payload.
func SignPayload(payload []byte, secret string, ts time.Time) string {
	signed := fmt.Sprintf("%d.%s", ts.Unix(), payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed))
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

// EventPayload encodes a provider event envelope around object.
func EventPayload(eventID, eventType string, object any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"data": map[string]any{
			"object": object,
		},
	})
}

// SessionCompletedObject is a checkout.session object with the fields the
// event mapper reads.
func SessionCompletedObject(sessionID, intentID string, amountMinor int64, currency, paymentStatus string, metadata map[string]string) map[string]any {
	return map[string]any{
		"id":             sessionID,
		"object":         "checkout.session",
		"amount_total":   amountMinor,
		"currency":       currency,
		"payment_intent": intentID,
		"payment_status": paymentStatus,
		"metadata":       metadata,
	}
}

// IntentObject is a payment_intent object.
func IntentObject(intentID string, amountMinor int64, currency string, metadata map[string]string) map[string]any {
	return map[string]any{
		"id":       intentID,
		"object":   "payment_intent",
		"amount":   amountMinor,
		"currency": currency,
		"metadata": metadata,
	}
}
