package gateway_test

import (
	"testing"
	"time"

	"github.com/sppix/storefront-backend/internal/gateway"
	"github.com/sppix/storefront-backend/internal/gateway/gatewaytest"
	"github.com/sppix/storefront-backend/pkg/errors"
)

const secret = "whsec_test"

func signedEvent(t *testing.T, eventType string, object any) ([]byte, string) {
	t.Helper()
	payload, err := gatewaytest.EventPayload("evt_1", eventType, object)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	return payload, gatewaytest.SignPayload(payload, secret, time.Now())
}

func TestParseStripeEventSessionCompletedPaid(t *testing.T) {
	meta := map[string]string{gateway.MetaOrderKey: "42", gateway.MetaOrderNumber: "ORD-20250101-000042"}
	payload, header := signedEvent(t, "checkout.session.completed",
		gatewaytest.SessionCompletedObject("cs_1", "pi_1", 4999, "GBP", "paid", meta))

	event, err := gateway.ParseStripeEvent(payload, header, secret)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Kind != gateway.EventPaymentSucceeded {
		t.Fatalf("expected succeeded, got %s", event.Kind)
	}
	if event.SessionID != "cs_1" || event.IntentID != "pi_1" {
		t.Fatalf("unexpected ids: %+v", event)
	}
	if event.AmountMinor != 4999 || event.Currency != "gbp" {
		t.Fatalf("unexpected amount: %d %s", event.AmountMinor, event.Currency)
	}
	if key, ok := event.OrderKey(); !ok || key != 42 {
		t.Fatalf("expected order key 42, got %d %v", key, ok)
	}
	if event.Unverified {
		t.Fatal("signed event must be verified")
	}
}

func TestParseStripeEventSessionCompletedUnpaidIsUnknown(t *testing.T) {
	payload, header := signedEvent(t, "checkout.session.completed",
		gatewaytest.SessionCompletedObject("cs_1", "pi_1", 4999, "gbp", "unpaid", nil))
	event, err := gateway.ParseStripeEvent(payload, header, secret)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Kind != gateway.EventUnknown {
		t.Fatalf("expected unknown while payment settles, got %s", event.Kind)
	}
}

func TestParseStripeEventIntentKinds(t *testing.T) {
	cases := map[string]gateway.EventKind{
		"payment_intent.succeeded":              gateway.EventPaymentSucceeded,
		"payment_intent.payment_failed":         gateway.EventUnknown,
		"checkout.session.async_payment_failed": gateway.EventPaymentFailed,
		"payment_intent.canceled":               gateway.EventPaymentCancelled,
		"checkout.session.expired":              gateway.EventPaymentCancelled,
		"customer.created":                      gateway.EventUnknown,
	}
	for eventType, want := range cases {
		var object any = gatewaytest.IntentObject("pi_9", 1000, "gbp", map[string]string{gateway.MetaOrderKey: "7"})
		if eventType == "checkout.session.expired" || eventType == "checkout.session.async_payment_failed" {
			object = gatewaytest.SessionCompletedObject("cs_9", "", 1000, "gbp", "unpaid", nil)
		}
		payload, header := signedEvent(t, eventType, object)
		event, err := gateway.ParseStripeEvent(payload, header, secret)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", eventType, err)
		}
		if event.Kind != want {
			t.Fatalf("%s: expected %s, got %s", eventType, want, event.Kind)
		}
	}
}

func TestParseStripeEventRejectsBadSignature(t *testing.T) {
	payload, _ := signedEvent(t, "payment_intent.succeeded", gatewaytest.IntentObject("pi_1", 100, "gbp", nil))
	header := gatewaytest.SignPayload(payload, "whsec_other", time.Now())

	_, err := gateway.ParseStripeEvent(payload, header, secret)
	if !errors.Is(err, errors.CodeInvalidSignature) {
		t.Fatalf("expected INVALID_SIGNATURE, got %v", err)
	}

	_, err = gateway.ParseStripeEvent(payload, "", secret)
	if !errors.Is(err, errors.CodeInvalidSignature) {
		t.Fatalf("expected INVALID_SIGNATURE for missing header, got %v", err)
	}
}

func TestParseStripeEventRejectsMalformedBody(t *testing.T) {
	payload := []byte(`{"id":`)
	header := gatewaytest.SignPayload(payload, secret, time.Now())
	_, err := gateway.ParseStripeEvent(payload, header, secret)
	if !errors.Is(err, errors.CodeInvalidPayload) {
		t.Fatalf("expected INVALID_PAYLOAD, got %v", err)
	}
}

func TestParseStripeEventWithoutSecretIsUnverified(t *testing.T) {
	payload, err := gatewaytest.EventPayload("evt_2", "payment_intent.succeeded", gatewaytest.IntentObject("pi_2", 500, "gbp", nil))
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	event, err := gateway.ParseStripeEvent(payload, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !event.Unverified {
		t.Fatal("expected event to be flagged unverified")
	}

	if _, err := gateway.ParseStripeEvent([]byte("not json"), "", ""); !errors.Is(err, errors.CodeInvalidPayload) {
		t.Fatalf("expected INVALID_PAYLOAD, got %v", err)
	}
}
