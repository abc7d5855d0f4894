package gateway

import (
	"encoding/json"
	stdErrors "errors"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/sppix/storefront-backend/pkg/errors"
)

type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventPaymentFailed    EventKind = "payment_failed"
	EventPaymentCancelled EventKind = "payment_cancelled"
	EventUnknown          EventKind = "unknown"
)

// Event is a provider callback reduced to what reconciliation needs.
type Event struct {
	ID           string
	Kind         EventKind
	ProviderType string
	IntentID     string
	SessionID    string
	AmountMinor  int64
	Currency     string
	Metadata     map[string]string
	// Unverified is set when no signing secret was configured and the body
	// was parsed without authentication.
	Unverified bool
}

// OrderKey returns the order key the checkout placed in the metadata.
func (e *Event) OrderKey() (uint64, bool) {
	if e == nil {
		return 0, false
	}
	return parseOrderKey(e.Metadata)
}

// ParseStripeEvent authenticates payload against header with secret and maps
// it to an Event. With an empty secret the payload is parsed as-is and the
// result is flagged Unverified.
func ParseStripeEvent(payload []byte, header, secret string) (*Event, error) {
	var (
		raw stripe.Event
		err error
	)
	secret = strings.TrimSpace(secret)
	if secret == "" {
		if err = json.Unmarshal(payload, &raw); err != nil {
			return nil, errors.Wrap(errors.CodeInvalidPayload, err, "callback body is not a valid event")
		}
	} else {
		raw, err = webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			if isSignatureError(err) {
				return nil, errors.Wrap(errors.CodeInvalidSignature, err, "callback signature mismatch")
			}
			return nil, errors.Wrap(errors.CodeInvalidPayload, err, "callback body is not a valid event")
		}
	}

	if strings.TrimSpace(raw.ID) == "" || strings.TrimSpace(string(raw.Type)) == "" {
		return nil, errors.New(errors.CodeInvalidPayload, "callback event missing id or type")
	}

	event, err := mapStripeEvent(raw)
	if err != nil {
		return nil, err
	}
	event.Unverified = secret == ""
	return event, nil
}

func isSignatureError(err error) bool {
	return stdErrors.Is(err, webhook.ErrNotSigned) ||
		stdErrors.Is(err, webhook.ErrInvalidHeader) ||
		stdErrors.Is(err, webhook.ErrNoValidSignature) ||
		stdErrors.Is(err, webhook.ErrTooOld)
}

func mapStripeEvent(raw stripe.Event) (*Event, error) {
	event := &Event{
		ID:           raw.ID,
		Kind:         EventUnknown,
		ProviderType: string(raw.Type),
		Metadata:     map[string]string{},
	}

	switch event.ProviderType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := decodeEventObject(raw, &sess); err != nil {
			return nil, err
		}
		event.SessionID = sess.ID
		event.AmountMinor = sess.AmountTotal
		event.Currency = strings.ToLower(string(sess.Currency))
		if sess.PaymentIntent != nil {
			event.IntentID = sess.PaymentIntent.ID
		}
		copyMetadata(event.Metadata, sess.Metadata)
		event.Kind = sessionEventKind(event.ProviderType, string(sess.PaymentStatus))

	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var intent stripe.PaymentIntent
		if err := decodeEventObject(raw, &intent); err != nil {
			return nil, err
		}
		event.IntentID = intent.ID
		event.AmountMinor = intent.Amount
		event.Currency = strings.ToLower(string(intent.Currency))
		copyMetadata(event.Metadata, intent.Metadata)
		switch event.ProviderType {
		case "payment_intent.succeeded":
			event.Kind = EventPaymentSucceeded
		case "payment_intent.payment_failed":
			// a declined attempt leaves the hosted session open for another card
			event.Kind = EventUnknown
		default:
			event.Kind = EventPaymentCancelled
		}
	}

	return event, nil
}

// sessionEventKind maps a checkout session event. A completed session whose
// payment is still settling asynchronously is not yet a success.
func sessionEventKind(providerType, paymentStatus string) EventKind {
	switch providerType {
	case "checkout.session.completed":
		if paymentStatus == SessionPaid {
			return EventPaymentSucceeded
		}
		return EventUnknown
	case "checkout.session.async_payment_succeeded":
		return EventPaymentSucceeded
	case "checkout.session.async_payment_failed":
		return EventPaymentFailed
	case "checkout.session.expired":
		return EventPaymentCancelled
	}
	return EventUnknown
}

func decodeEventObject(raw stripe.Event, dst any) error {
	if raw.Data == nil {
		return errors.New(errors.CodeInvalidPayload, "callback event has no data")
	}
	body := []byte(raw.Data.Raw)
	if len(body) == 0 && raw.Data.Object != nil {
		encoded, err := json.Marshal(raw.Data.Object)
		if err != nil {
			return errors.Wrap(errors.CodeInvalidPayload, err, "encode event object")
		}
		body = encoded
	}
	if len(body) == 0 {
		return errors.New(errors.CodeInvalidPayload, "callback event has no object")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.Wrap(errors.CodeInvalidPayload, err, "decode event object")
	}
	return nil
}

func copyMetadata(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}
