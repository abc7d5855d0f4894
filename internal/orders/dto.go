package orders

import (
	"time"

	"github.com/sppix/storefront-backend/pkg/db/models"
	"github.com/sppix/storefront-backend/pkg/enums"
	"github.com/sppix/storefront-backend/pkg/types"
)

// OrderView is the full order representation returned by the public and
// admin order endpoints.
type OrderView struct {
	ID               uint64                `json:"id"`
	OrderNumber      string                `json:"order_number"`
	TrackingID       string                `json:"tracking_id"`
	PaymentReference string                `json:"payment_reference,omitempty"`
	CustomerEmail    string                `json:"customer_email"`
	CustomerName     string                `json:"customer_name"`
	CustomerPhone    string                `json:"customer_phone,omitempty"`
	ShippingAddress  types.Address         `json:"shipping_address"`
	BillingAddress   *types.Address        `json:"billing_address,omitempty"`
	Subtotal         string                `json:"subtotal"`
	ShippingCost     string                `json:"shipping_cost"`
	TaxAmount        string                `json:"tax_amount"`
	Total            string                `json:"total"`
	Currency         string                `json:"currency"`
	PaymentState     enums.PaymentState    `json:"payment_status"`
	FulfilmentState  enums.FulfilmentState `json:"status"`
	PaymentMethod    string                `json:"payment_method"`
	ShippingMethod   string                `json:"shipping_method"`
	GatewaySessionID string                `json:"gateway_session_id,omitempty"`
	Items            []OrderItemView       `json:"items"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

type OrderItemView struct {
	ProductID   uint64 `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	LineTotal   string `json:"line_total"`
}

// TrackingView is the reduced order shape for the tracking page.
type TrackingView struct {
	OrderNumber     string                `json:"order_number"`
	TrackingID      string                `json:"tracking_id"`
	PaymentState    enums.PaymentState    `json:"payment_status"`
	FulfilmentState enums.FulfilmentState `json:"status"`
	Total           string                `json:"total"`
	Currency        string                `json:"currency"`
	ShippingMethod  string                `json:"shipping_method"`
	ItemCount       int                   `json:"item_count"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

type PaymentView struct {
	ID              string                   `json:"id"`
	GatewayIntentID string                   `json:"gateway_intent_id"`
	Amount          string                   `json:"amount"`
	Currency        string                   `json:"currency"`
	State           enums.PaymentRecordState `json:"state"`
	CreatedAt       time.Time                `json:"created_at"`
}

func NewOrderView(order *models.Order) OrderView {
	view := OrderView{
		ID:               order.ID,
		OrderNumber:      deref(order.OrderNumber),
		TrackingID:       order.TrackingID,
		PaymentReference: deref(order.PaymentReference),
		CustomerEmail:    order.CustomerEmail,
		CustomerName:     order.CustomerName,
		CustomerPhone:    order.CustomerPhone,
		ShippingAddress:  order.ShippingAddress,
		BillingAddress:   order.BillingAddress,
		Subtotal:         order.Subtotal.StringFixed(2),
		ShippingCost:     order.ShippingCost.StringFixed(2),
		TaxAmount:        order.TaxAmount.StringFixed(2),
		Total:            order.Total.StringFixed(2),
		Currency:         order.Currency,
		PaymentState:     order.PaymentState,
		FulfilmentState:  order.FulfilmentState,
		PaymentMethod:    order.PaymentMethod,
		ShippingMethod:   order.ShippingMethod,
		GatewaySessionID: deref(order.GatewaySessionID),
		Items:            make([]OrderItemView, 0, len(order.Items)),
		CreatedAt:        order.CreatedAt,
		UpdatedAt:        order.UpdatedAt,
	}
	for _, item := range order.Items {
		view.Items = append(view.Items, OrderItemView{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice.StringFixed(2),
			LineTotal:   item.LineTotal().StringFixed(2),
		})
	}
	return view
}

func NewTrackingView(order *models.Order) TrackingView {
	count := 0
	for _, item := range order.Items {
		count += item.Quantity
	}
	return TrackingView{
		OrderNumber:     deref(order.OrderNumber),
		TrackingID:      order.TrackingID,
		PaymentState:    order.PaymentState,
		FulfilmentState: order.FulfilmentState,
		Total:           order.Total.StringFixed(2),
		Currency:        order.Currency,
		ShippingMethod:  order.ShippingMethod,
		ItemCount:       count,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
}

func NewPaymentViews(payments []models.Payment) []PaymentView {
	out := make([]PaymentView, 0, len(payments))
	for _, p := range payments {
		out = append(out, PaymentView{
			ID:              p.ID,
			GatewayIntentID: p.GatewayIntentID,
			Amount:          p.Amount.StringFixed(2),
			Currency:        p.Currency,
			State:           p.State,
			CreatedAt:       p.CreatedAt,
		})
	}
	return out
}
