package gateway

import (
	"context"
	stdErrors "errors"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/sppix/storefront-backend/pkg/errors"
)

type stubAPI struct {
	sessionParams *stripe.CheckoutSessionParams
	intentParams  *stripe.PaymentIntentParams
	refundParams  *stripe.RefundParams
	session       *stripe.CheckoutSession
	err           error
	block         bool
}

func (s *stubAPI) NewSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.sessionParams = params
	if s.block {
		<-params.Context.Done()
		return nil, params.Context.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &stripe.CheckoutSession{ID: "cs_1", URL: "https://pay.test/cs_1"}, nil
}

func (s *stubAPI) GetSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.session, nil
}

func (s *stubAPI) NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.intentParams = params
	if s.err != nil {
		return nil, s.err
	}
	return &stripe.PaymentIntent{ID: "pi_1", ClientSecret: "pi_1_secret", Status: stripe.PaymentIntentStatusRequiresPaymentMethod}, nil
}

func (s *stubAPI) NewRefund(params *stripe.RefundParams) (*stripe.Refund, error) {
	s.refundParams = params
	if s.err != nil {
		return nil, s.err
	}
	return &stripe.Refund{ID: "re_1", Status: stripe.RefundStatusSucceeded}, nil
}

func TestCreateCheckoutSessionBuildsLinesAndMetadata(t *testing.T) {
	api := &stubAPI{}
	g := newStripeGateway(api, "", "GBP", time.Second, nil, nil)

	sess, err := g.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		LineItems: []LineItem{
			{Name: "Mug", UnitAmountMinor: 1000, Quantity: 2},
			{Name: "Shipping", UnitAmountMinor: 499, Quantity: 1},
		},
		CustomerEmail:  "a@b.com",
		SuccessURL:     "https://shop.test/order-confirmation/sppix_1",
		CancelURL:      "https://shop.test/checkout?cancelled=true",
		Metadata:       map[string]string{MetaOrderKey: "1"},
		IdempotencyKey: "order-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.ID != "cs_1" || sess.RedirectURL == "" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	params := api.sessionParams
	if len(params.LineItems) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(params.LineItems))
	}
	if *params.LineItems[0].PriceData.Currency != "gbp" || *params.LineItems[0].PriceData.UnitAmount != 1000 {
		t.Fatalf("unexpected first line")
	}
	if params.Metadata[MetaOrderKey] != "1" || params.PaymentIntentData.Metadata[MetaOrderKey] != "1" {
		t.Fatalf("expected order key on session and intent metadata")
	}
	if params.IdempotencyKey == nil || *params.IdempotencyKey != "order-1" {
		t.Fatalf("expected idempotency key to be forwarded")
	}
	if params.Context == nil {
		t.Fatal("expected a bounded context on the call")
	}
}

func TestCreateCheckoutSessionTimeoutIsUnavailable(t *testing.T) {
	api := &stubAPI{block: true}
	g := newStripeGateway(api, "", "gbp", 20*time.Millisecond, nil, nil)

	_, err := g.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		LineItems: []LineItem{{Name: "Mug", UnitAmountMinor: 1000, Quantity: 1}},
	})
	if !errors.Is(err, errors.CodeGatewayUnavailable) {
		t.Fatalf("expected GATEWAY_UNAVAILABLE, got %v", err)
	}
}

func TestClassifyError(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		err  error
		want errors.Code
	}{
		{"transport", stdErrors.New("dial tcp: connection refused"), errors.CodeGatewayUnavailable},
		{"server", &stripe.Error{HTTPStatusCode: http.StatusBadGateway}, errors.CodeGatewayUnavailable},
		{"throttled", &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}, errors.CodeGatewayUnavailable},
		{"invalid request", &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Type: "invalid_request_error", Msg: "bad currency"}, errors.CodeGatewayRejected},
	}
	for _, tc := range cases {
		if got := classifyError(ctx, "op", tc.err).Code(); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestCreatePaymentIntentDeclineIsStructured(t *testing.T) {
	api := &stubAPI{err: &stripe.Error{HTTPStatusCode: http.StatusPaymentRequired, Type: "card_error", Msg: "Your card was declined.", DeclineCode: "generic_decline"}}
	g := newStripeGateway(api, "", "gbp", time.Second, nil, nil)

	intent, err := g.CreatePaymentIntent(context.Background(), PaymentIntentRequest{AmountMinor: 4999})
	if err != nil {
		t.Fatalf("decline must not be an error: %v", err)
	}
	if !intent.Declined || intent.DeclineMessage == "" || intent.DeclineCode != "generic_decline" {
		t.Fatalf("unexpected intent: %+v", intent)
	}
}

func TestCreatePaymentIntentForwardsAmount(t *testing.T) {
	api := &stubAPI{}
	g := newStripeGateway(api, "", "gbp", time.Second, nil, nil)

	intent, err := g.CreatePaymentIntent(context.Background(), PaymentIntentRequest{
		AmountMinor:    4999,
		Metadata:       map[string]string{MetaOrderKey: "3"},
		IdempotencyKey: "3:create",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if intent.ClientSecret != "pi_1_secret" {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if *api.intentParams.Amount != 4999 || *api.intentParams.Currency != "gbp" {
		t.Fatalf("unexpected params")
	}
	if _, err := g.CreatePaymentIntent(context.Background(), PaymentIntentRequest{}); !errors.Is(err, errors.CodeValidation) {
		t.Fatalf("expected validation error for zero amount, got %v", err)
	}
}

func TestCreatePaymentIntentDefaultsIdempotencyKey(t *testing.T) {
	api := &stubAPI{}
	g := newStripeGateway(api, "", "gbp", time.Second, nil, nil)

	if _, err := g.CreatePaymentIntent(context.Background(), PaymentIntentRequest{
		AmountMinor: 1000,
		Metadata:    map[string]string{MetaOrderKey: "17"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key := api.intentParams.IdempotencyKey; key == nil || *key != "17:create" {
		t.Fatalf("expected default key 17:create, got %v", key)
	}

	if _, err := g.CreatePaymentIntent(context.Background(), PaymentIntentRequest{
		AmountMinor:    1000,
		Metadata:       map[string]string{MetaOrderKey: "17"},
		IdempotencyKey: "client-key",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key := api.intentParams.IdempotencyKey; key == nil || *key != "client-key" {
		t.Fatalf("explicit key must win, got %v", key)
	}

	if _, err := g.CreatePaymentIntent(context.Background(), PaymentIntentRequest{AmountMinor: 1000}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key := api.intentParams.IdempotencyKey; key != nil {
		t.Fatalf("no order key means no idempotency key, got %q", *key)
	}
}

func TestRetrieveSessionMapsFields(t *testing.T) {
	api := &stubAPI{session: &stripe.CheckoutSession{
		ID:            "cs_1",
		PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
		AmountTotal:   4999,
		Currency:      "GBP",
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"},
		Metadata:      map[string]string{MetaOrderKey: "5"},
		CustomerDetails: &stripe.CheckoutSessionCustomerDetails{
			Email: "a@b.com",
		},
		LineItems: &stripe.LineItemList{Data: []*stripe.LineItem{
			{Description: "Mug", Quantity: 2, AmountTotal: 2000, Price: &stripe.Price{UnitAmount: 1000}},
		}},
	}}
	g := newStripeGateway(api, "", "gbp", time.Second, nil, nil)

	status, err := g.RetrieveSession(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Paid() || status.IntentID != "pi_1" || status.Currency != "gbp" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if key, ok := status.OrderKey(); !ok || key != 5 {
		t.Fatalf("expected order key 5")
	}
	if len(status.LineItems) != 1 || status.LineItems[0].UnitAmountMinor != 1000 {
		t.Fatalf("unexpected lines: %+v", status.LineItems)
	}
	if status.Customer.Email != "a@b.com" {
		t.Fatalf("unexpected customer")
	}
}

func TestRetrieveSessionNotFound(t *testing.T) {
	api := &stubAPI{err: &stripe.Error{HTTPStatusCode: http.StatusNotFound, Type: "invalid_request_error"}}
	g := newStripeGateway(api, "", "gbp", time.Second, nil, nil)
	if _, err := g.RetrieveSession(context.Background(), "cs_missing"); !errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestRefundForwardsIntentAndAmount(t *testing.T) {
	api := &stubAPI{}
	g := newStripeGateway(api, "", "gbp", time.Second, nil, nil)
	rf, err := g.Refund(context.Background(), RefundRequest{IntentID: "pi_1", AmountMinor: 4999})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rf.Status != "succeeded" || *api.refundParams.PaymentIntent != "pi_1" || *api.refundParams.Amount != 4999 {
		t.Fatalf("unexpected refund: %+v", rf)
	}
}
