package payloads

import (
	"time"

	"github.com/sppix/storefront-backend/pkg/enums"
)

// OrderLifecycleEvent is the payload of every order transition event. Money
// is rendered as fixed two-decimal strings.
type OrderLifecycleEvent struct {
	OrderID         uint64                `json:"order_id"`
	OrderNumber     string                `json:"order_number"`
	TrackingID      string                `json:"tracking_id"`
	PaymentState    enums.PaymentState    `json:"payment_state"`
	FulfilmentState enums.FulfilmentState `json:"fulfilment_state"`
	PreviousPayment enums.PaymentState    `json:"previous_payment_state,omitempty"`
	PreviousFulfil  enums.FulfilmentState `json:"previous_fulfilment_state,omitempty"`
	Total           string                `json:"total"`
	Currency        string                `json:"currency"`
	OccurredAt      time.Time             `json:"occurred_at"`
}

// PaymentRecordedEvent accompanies order_paid and order_refunded.
type PaymentRecordedEvent struct {
	OrderLifecycleEvent
	PaymentID       string                   `json:"payment_id"`
	GatewayIntentID string                   `json:"gateway_intent_id"`
	Amount          string                   `json:"amount"`
	PaymentState    enums.PaymentRecordState `json:"payment_record_state"`
}
