// Package orders serves the public order endpoints: checkout, lookups,
// tracking and the customer payment-status update.
package orders

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sppix/storefront-backend/api/middleware"
	"github.com/sppix/storefront-backend/api/responses"
	"github.com/sppix/storefront-backend/api/validators"
	"github.com/sppix/storefront-backend/internal/checkout"
	internalorders "github.com/sppix/storefront-backend/internal/orders"
	"github.com/sppix/storefront-backend/internal/reconciliation"
	"github.com/sppix/storefront-backend/pkg/auth"
	"github.com/sppix/storefront-backend/pkg/db/models"
	"github.com/sppix/storefront-backend/pkg/enums"
	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
	"github.com/sppix/storefront-backend/pkg/logger"
	"github.com/sppix/storefront-backend/pkg/types"
)

type cartLineRequest struct {
	ProductID uint64           `json:"product_id" validate:"required"`
	Quantity  int              `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type createAndCheckoutRequest struct {
	CartItems       []cartLineRequest `json:"cart_items" validate:"dive"`
	CustomerEmail   string            `json:"customer_email" validate:"required"`
	CustomerName    string            `json:"customer_name" validate:"required,max=200"`
	CustomerPhone   string            `json:"customer_phone,omitempty" validate:"omitempty,max=32"`
	ShippingAddress types.Address     `json:"shipping_address"`
	BillingAddress  *types.Address    `json:"billing_address,omitempty"`
	ShippingCost    decimal.Decimal   `json:"shipping_cost"`
	TaxAmount       decimal.Decimal   `json:"tax_amount"`
	ShippingMethod  string            `json:"shipping_method,omitempty" validate:"omitempty,max=64"`
	PaymentMethod   string            `json:"payment_method,omitempty" validate:"omitempty,max=64"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
}

type createAndCheckoutResponse struct {
	OrderNumber      string `json:"order_number"`
	OrderID          uint64 `json:"order_id"`
	TrackingID       string `json:"tracking_id"`
	CheckoutURL      string `json:"checkout_url"`
	GatewaySessionID string `json:"gateway_session_id"`
	Total            string `json:"total"`
	Currency         string `json:"currency"`
}

// CreateAndCheckout places an order and opens a hosted checkout session for it.
func CreateAndCheckout(svc checkout.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		var payload createAndCheckoutRequest
		if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		key := strings.TrimSpace(payload.IdempotencyKey)
		if key == "" {
			key = strings.TrimSpace(r.Header.Get(middleware.IdempotencyHeader))
		}
		req := checkout.Request{
			Items:           make([]checkout.Line, 0, len(payload.CartItems)),
			CustomerEmail:   payload.CustomerEmail,
			CustomerName:    validators.SanitizeString(payload.CustomerName, 200),
			CustomerPhone:   payload.CustomerPhone,
			ShippingAddress: payload.ShippingAddress,
			BillingAddress:  payload.BillingAddress,
			ShippingCost:    payload.ShippingCost,
			TaxAmount:       payload.TaxAmount,
			ShippingMethod:  payload.ShippingMethod,
			PaymentMethod:   payload.PaymentMethod,
			IdempotencyKey:  key,
			UserID:          auth.FromContext(r.Context()).UserID,
		}
		for _, line := range payload.CartItems {
			req.Items = append(req.Items, checkout.Line{
				ProductID:        line.ProductID,
				Quantity:         line.Quantity,
				UnitPriceClaimed: line.UnitPrice,
			})
		}

		result, err := svc.CreateOrderAndCheckout(r.Context(), req)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, createAndCheckoutResponse{
			OrderNumber:      result.OrderNumber,
			OrderID:          result.OrderID,
			TrackingID:       result.TrackingID,
			CheckoutURL:      result.RedirectURL,
			GatewaySessionID: result.GatewaySessionID,
			Total:            result.Total.StringFixed(2),
			Currency:         result.Currency,
		})
	}
}

// ByNumber returns the full order view for an order number.
func ByNumber(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := svc.GetByNumber(r.Context(), chi.URLParam(r, "orderNumber"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.NewOrderView(order))
	}
}

// ByID returns the full order view for an order key.
func ByID(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := ParseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.Get(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.NewOrderView(order))
	}
}

type updatePaymentStatusRequest struct {
	PaymentStatus string `json:"payment_status" validate:"required"`
}

// OrderStub is the short order shape returned after a state change.
type OrderStub struct {
	ID              uint64                `json:"id"`
	OrderNumber     string                `json:"order_number"`
	PaymentState    enums.PaymentState    `json:"payment_status"`
	FulfilmentState enums.FulfilmentState `json:"status"`
	Changed         bool                  `json:"changed"`
}

func NewOrderStub(result *internalorders.Result) OrderStub {
	stub := OrderStub{Changed: result.Changed}
	if order := result.Order; order != nil {
		stub.ID = order.ID
		stub.OrderNumber = orderNumber(order)
		stub.PaymentState = order.PaymentState
		stub.FulfilmentState = order.FulfilmentState
	}
	return stub
}

func orderNumber(order *models.Order) string {
	if order.OrderNumber == nil {
		return ""
	}
	return *order.OrderNumber
}

// SessionRefresher settles an order from its provider session.
type SessionRefresher interface {
	RefreshFromSession(ctx context.Context, sessionID string) (*reconciliation.SessionSummary, error)
}

// UpdatePaymentStatus lets the customer who abandoned the hosted page report
// it as failed or cancelled. Only unpaid orders move, and an order whose
// provider session reports paid is settled instead.
func UpdatePaymentStatus(svc internalorders.Service, sessions SessionRefresher, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := ParseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload updatePaymentStatusRequest
		if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.Get(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if order.PaymentState != enums.PaymentStateUnpaid {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInvalidTransition,
				"payment status can only change while the order is unpaid"))
			return
		}
		if sessions != nil && order.GatewaySessionID != nil && *order.GatewaySessionID != "" {
			summary, err := sessions.RefreshFromSession(r.Context(), *order.GatewaySessionID)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			if summary.Order != nil && summary.Order.PaymentState != enums.PaymentStateUnpaid {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInvalidTransition,
					"payment status can only change while the order is unpaid").
					WithDetails(map[string]any{"payment_status": summary.Order.PaymentState}))
				return
			}
		}

		var result *internalorders.Result
		switch strings.ToLower(strings.TrimSpace(payload.PaymentStatus)) {
		case string(enums.PaymentStateFailed):
			result, err = svc.MarkFailed(r.Context(), orderID, internalorders.PaymentOutcome{Source: internalorders.SourceCustomer})
		case "cancelled", "canceled":
			actor := internalorders.Actor{UserID: auth.FromContext(r.Context()).UserID}
			result, err = svc.Cancel(r.Context(), orderID, actor, "customer abandoned checkout")
		default:
			err = pkgerrors.New(pkgerrors.CodeValidation, "payment_status must be failed or cancelled").
				WithDetails(map[string]any{"payment_status": payload.PaymentStatus})
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, NewOrderStub(result))
	}
}

// Track resolves a tracking id, order number or order key to the tracking view.
func Track(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := svc.Track(r.Context(), chi.URLParam(r, "idOrTracking"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.NewTrackingView(order))
	}
}

// ParseOrderID reads the {orderID} path parameter.
func ParseOrderID(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "orderID"))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return id, nil
}
