package enums

import "fmt"

// OutboxAggregateType names the entity an outbox event describes.
type OutboxAggregateType string

const (
	AggregateOrder   OutboxAggregateType = "order"
	AggregatePayment OutboxAggregateType = "payment"
)

// IsValid reports whether the value is a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	return a == AggregateOrder || a == AggregatePayment
}

// OutboxEventType enumerates order and payment lifecycle events.
type OutboxEventType string

const (
	EventOrderCreated            OutboxEventType = "order_created"
	EventOrderPaid               OutboxEventType = "order_paid"
	EventOrderPaymentFailed      OutboxEventType = "order_payment_failed"
	EventOrderCancelled          OutboxEventType = "order_cancelled"
	EventOrderFulfilmentAdvanced OutboxEventType = "order_fulfilment_advanced"
	EventOrderRefunded           OutboxEventType = "order_refunded"
)

var validOutboxEventTypes = []OutboxEventType{
	EventOrderCreated,
	EventOrderPaid,
	EventOrderPaymentFailed,
	EventOrderCancelled,
	EventOrderFulfilmentAdvanced,
	EventOrderRefunded,
}

// IsValid reports whether the value is a known lifecycle event.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
