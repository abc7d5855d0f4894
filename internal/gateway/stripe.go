package gateway

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/checkout/session"
	"github.com/stripe/stripe-go/v84/paymentintent"
	"github.com/stripe/stripe-go/v84/refund"

	"github.com/sppix/storefront-backend/pkg/errors"
	"github.com/sppix/storefront-backend/pkg/logger"
	"github.com/sppix/storefront-backend/pkg/metrics"
	stripeclient "github.com/sppix/storefront-backend/pkg/stripe"
)

const defaultCallTimeout = 10 * time.Second

// stripeAPI is the slice of stripe-go resource functions the adapter calls.
type stripeAPI interface {
	NewSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	NewRefund(params *stripe.RefundParams) (*stripe.Refund, error)
}

type resourceAPI struct{}

func (resourceAPI) NewSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return session.New(params)
}

func (resourceAPI) GetSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return session.Get(id, params)
}

func (resourceAPI) NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(params)
}

func (resourceAPI) NewRefund(params *stripe.RefundParams) (*stripe.Refund, error) {
	return refund.New(params)
}

// StripeGateway implements Gateway on Stripe Checkout.
type StripeGateway struct {
	api           stripeAPI
	signingSecret string
	currency      string
	timeout       time.Duration
	logg          *logger.Logger
	metrics       *metrics.Storefront
}

// NewStripeGateway builds the adapter from an initialized client.
func NewStripeGateway(client *stripeclient.Client, timeout time.Duration, logg *logger.Logger, m *metrics.Storefront) *StripeGateway {
	return newStripeGateway(resourceAPI{}, client.SigningSecret(), client.Currency(), timeout, logg, m)
}

func newStripeGateway(api stripeAPI, signingSecret, currency string, timeout time.Duration, logg *logger.Logger, m *metrics.Storefront) *StripeGateway {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	if logg == nil {
		logg = logger.Nop()
	}
	if currency == "" {
		currency = "gbp"
	}
	return &StripeGateway{
		api:           api,
		signingSecret: signingSecret,
		currency:      strings.ToLower(currency),
		timeout:       timeout,
		logg:          logg,
		metrics:       m,
	}
}

// intentIdempotencyKey defaults to "<order_key>:create" so a retried create
// for the same order returns the intent the provider already made.
func intentIdempotencyKey(req PaymentIntentRequest) string {
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		return key
	}
	if orderKey := strings.TrimSpace(req.Metadata[MetaOrderKey]); orderKey != "" {
		return orderKey + ":create"
	}
	return ""
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error) {
	if req.AmountMinor <= 0 {
		return nil, errors.New(errors.CodeValidation, "intent amount must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(g.currencyOr(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if key := intentIdempotencyKey(req); key != "" {
		params.SetIdempotencyKey(key)
	}

	started := time.Now()
	intent, err := g.api.NewPaymentIntent(params)
	if err != nil {
		var stripeErr *stripe.Error
		if stdErrors.As(err, &stripeErr) && string(stripeErr.Type) == "card_error" {
			g.observe("create_payment_intent", "declined", started)
			return &PaymentIntent{
				Status:         "requires_payment_method",
				Declined:       true,
				DeclineCode:    string(stripeErr.DeclineCode),
				DeclineMessage: stripeErr.Msg,
			}, nil
		}
		return nil, g.fail(ctx, "create_payment_intent", started, err)
	}
	g.observe("create_payment_intent", "ok", started)

	return &PaymentIntent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       string(intent.Status),
	}, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	if len(req.LineItems) == 0 {
		return nil, errors.New(errors.CodeValidation, "checkout session requires line items")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	currency := g.currencyOr(req.Currency)
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{},
		},
	}
	params.Context = ctx
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	if ref := strings.TrimSpace(req.ClientReferenceID); ref != "" {
		params.ClientReferenceID = stripe.String(ref)
	}
	for _, line := range req.LineItems {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(line.UnitAmountMinor),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(line.Name),
				},
			},
			Quantity: stripe.Int64(line.Quantity),
		})
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
		params.PaymentIntentData.Metadata[k] = v
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	started := time.Now()
	sess, err := g.api.NewSession(params)
	if err != nil {
		return nil, g.fail(ctx, "create_checkout_session", started, err)
	}
	g.observe("create_checkout_session", "ok", started)

	out := &CheckoutSession{ID: sess.ID, RedirectURL: sess.URL}
	if sess.PaymentIntent != nil {
		out.IntentID = sess.PaymentIntent.ID
	}
	return out, nil
}

func (g *StripeGateway) RetrieveSession(ctx context.Context, sessionID string) (*SessionStatus, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New(errors.CodeValidation, "session id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("line_items")
	params.AddExpand("payment_intent")

	started := time.Now()
	sess, err := g.api.GetSession(sessionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if stdErrors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			g.observe("retrieve_session", "not_found", started)
			return nil, errors.Wrap(errors.CodeNotFound, err, "checkout session not found")
		}
		return nil, g.fail(ctx, "retrieve_session", started, err)
	}
	g.observe("retrieve_session", "ok", started)

	return sessionStatusFromStripe(sess), nil
}

func (g *StripeGateway) VerifyCallback(rawBody []byte, signatureHeader string) (*Event, error) {
	return ParseStripeEvent(rawBody, signatureHeader, g.signingSecret)
}

func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	if strings.TrimSpace(req.IntentID) == "" {
		return nil, errors.New(errors.CodeValidation, "intent id is required for a refund")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.IntentID)}
	params.Context = ctx
	if req.AmountMinor > 0 {
		params.Amount = stripe.Int64(req.AmountMinor)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	started := time.Now()
	rf, err := g.api.NewRefund(params)
	if err != nil {
		return nil, g.fail(ctx, "refund", started, err)
	}
	g.observe("refund", "ok", started)
	return &Refund{ID: rf.ID, Status: string(rf.Status)}, nil
}

func (g *StripeGateway) currencyOr(currency string) string {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		return g.currency
	}
	return currency
}

func (g *StripeGateway) observe(op, outcome string, started time.Time) {
	g.metrics.ObserveGatewayCall(op, outcome, time.Since(started))
}

func (g *StripeGateway) fail(ctx context.Context, op string, started time.Time, err error) error {
	mapped := classifyError(ctx, op, err)
	g.observe(op, strings.ToLower(string(mapped.Code())), started)
	g.logg.Warn(g.logg.WithFields(ctx, map[string]any{
		"gateway_op": op,
		"error":      err.Error(),
		"code":       string(mapped.Code()),
	}), "gateway.call_failed")
	return mapped
}

// classifyError splits provider failures into retryable unavailability
// (transport, timeouts, 5xx, throttling) and non-retryable rejections.
func classifyError(ctx context.Context, op string, err error) *errors.Error {
	if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(err, context.Canceled) || ctx.Err() != nil {
		return errors.Wrap(errors.CodeGatewayUnavailable, err, fmt.Sprintf("%s timed out", op))
	}
	var stripeErr *stripe.Error
	if !stdErrors.As(err, &stripeErr) {
		return errors.Wrap(errors.CodeGatewayUnavailable, err, fmt.Sprintf("%s transport failure", op))
	}
	if stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
		stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
		string(stripeErr.Type) == "api_error" {
		return errors.Wrap(errors.CodeGatewayUnavailable, err, fmt.Sprintf("%s provider unavailable", op))
	}
	return errors.Wrap(errors.CodeGatewayRejected, err, fmt.Sprintf("%s rejected: %s", op, stripeErr.Msg))
}

func sessionStatusFromStripe(sess *stripe.CheckoutSession) *SessionStatus {
	out := &SessionStatus{
		ID:            sess.ID,
		PaymentStatus: string(sess.PaymentStatus),
		Status:        string(sess.Status),
		AmountTotal:   sess.AmountTotal,
		Currency:      strings.ToLower(string(sess.Currency)),
		Metadata:      map[string]string{},
	}
	copyMetadata(out.Metadata, sess.Metadata)
	if sess.PaymentIntent != nil {
		out.IntentID = sess.PaymentIntent.ID
	}
	if sess.CustomerDetails != nil {
		out.Customer = CustomerDetails{
			Email: sess.CustomerDetails.Email,
			Name:  sess.CustomerDetails.Name,
			Phone: sess.CustomerDetails.Phone,
		}
	}
	if sess.LineItems != nil {
		for _, li := range sess.LineItems.Data {
			if li == nil {
				continue
			}
			line := SessionLine{
				Description: li.Description,
				Quantity:    li.Quantity,
				AmountMinor: li.AmountTotal,
			}
			if li.Price != nil {
				line.UnitAmountMinor = li.Price.UnitAmount
			}
			out.LineItems = append(out.LineItems, line)
		}
	}
	return out
}
