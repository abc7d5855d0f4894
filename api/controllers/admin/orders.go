// Package admin serves the staff control plane: order operations and the
// chat inbox. Every route sits behind the admin guard.
package admin

import (
	"net/http"

	orderctl "github.com/sppix/storefront-backend/api/controllers/orders"
	"github.com/sppix/storefront-backend/api/responses"
	"github.com/sppix/storefront-backend/api/validators"
	internalorders "github.com/sppix/storefront-backend/internal/orders"
	"github.com/sppix/storefront-backend/pkg/auth"
	"github.com/sppix/storefront-backend/pkg/enums"
	"github.com/sppix/storefront-backend/pkg/logger"
)

type orderDetail struct {
	internalorders.OrderView
	Payments []internalorders.PaymentView `json:"payments"`
}

func actorFrom(r *http.Request) internalorders.Actor {
	return internalorders.Actor{UserID: auth.FromContext(r.Context()).UserID, Admin: true}
}

// ListOrders pages through orders, newest first.
func ListOrders(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 100)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		offset, err := validators.ParseQueryInt(r, "offset", 0, 0, 1_000_000)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		list, err := svc.List(r.Context(), limit, offset)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		views := make([]internalorders.OrderView, 0, len(list))
		for i := range list {
			views = append(views, internalorders.NewOrderView(&list[i]))
		}
		responses.WriteSuccess(w, views)
	}
}

// GetOrder returns an order with its payment attempts.
func GetOrder(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := orderctl.ParseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.Get(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		payments, err := svc.Payments(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, orderDetail{
			OrderView: internalorders.NewOrderView(order),
			Payments:  internalorders.NewPaymentViews(payments),
		})
	}
}

type fulfilmentRequest struct {
	Status string `json:"status" validate:"required"`
}

// AdvanceFulfilment moves a paid order along processing, shipped, delivered.
func AdvanceFulfilment(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := orderctl.ParseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload fulfilmentRequest
		if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.AdvanceFulfilment(r.Context(), orderID, enums.FulfilmentState(payload.Status), actorFrom(r))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, orderctl.NewOrderStub(result))
	}
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

// CancelOrder cancels an unpaid order and returns its stock.
func CancelOrder(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := orderctl.ParseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload cancelRequest
		if r.ContentLength > 0 {
			if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		reason := validators.SanitizeString(payload.Reason, 500)
		if reason == "" {
			reason = "admin"
		}
		result, err := svc.Cancel(r.Context(), orderID, actorFrom(r), reason)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, orderctl.NewOrderStub(result))
	}
}

// RefundOrder refunds a paid order in full through the provider.
func RefundOrder(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := orderctl.ParseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.Refund(r.Context(), orderID, actorFrom(r))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, orderctl.NewOrderStub(result))
	}
}
