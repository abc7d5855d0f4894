package enums

import "fmt"

// PaymentState is the payment axis of an order.
type PaymentState string

const (
	PaymentStateUnpaid   PaymentState = "unpaid"
	PaymentStatePaid     PaymentState = "paid"
	PaymentStateFailed   PaymentState = "failed"
	PaymentStateRefunded PaymentState = "refunded"
)

var validPaymentStates = []PaymentState{
	PaymentStateUnpaid,
	PaymentStatePaid,
	PaymentStateFailed,
	PaymentStateRefunded,
}

// String implements fmt.Stringer.
func (p PaymentState) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentState.
func (p PaymentState) IsValid() bool {
	for _, candidate := range validPaymentStates {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePaymentState converts raw input into a PaymentState.
func ParsePaymentState(value string) (PaymentState, error) {
	for _, candidate := range validPaymentStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment state %q", value)
}

// PaymentRecordState is the lifecycle of a single Payment row.
type PaymentRecordState string

const (
	PaymentRecordPending   PaymentRecordState = "pending"
	PaymentRecordCompleted PaymentRecordState = "completed"
	PaymentRecordFailed    PaymentRecordState = "failed"
	PaymentRecordCancelled PaymentRecordState = "cancelled"
	PaymentRecordRefunded  PaymentRecordState = "refunded"
)

// IsTerminal reports whether no further provider event may move the record.
// Refunded is reachable from completed only.
func (p PaymentRecordState) IsTerminal() bool {
	switch p {
	case PaymentRecordCompleted, PaymentRecordFailed, PaymentRecordCancelled, PaymentRecordRefunded:
		return true
	}
	return false
}
