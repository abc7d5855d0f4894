package enums

import "fmt"

// FulfilmentState is the shipping axis of an order.
type FulfilmentState string

const (
	FulfilmentPending    FulfilmentState = "pending"
	FulfilmentProcessing FulfilmentState = "processing"
	FulfilmentShipped    FulfilmentState = "shipped"
	FulfilmentDelivered  FulfilmentState = "delivered"
	FulfilmentCancelled  FulfilmentState = "cancelled"
)

var fulfilmentRank = map[FulfilmentState]int{
	FulfilmentPending:    0,
	FulfilmentProcessing: 1,
	FulfilmentShipped:    2,
	FulfilmentDelivered:  3,
}

// Rank returns the position along pending -> delivered. Cancelled has no rank.
func (f FulfilmentState) Rank() (int, bool) {
	r, ok := fulfilmentRank[f]
	return r, ok
}

// IsTerminal reports whether the state admits no further transition.
func (f FulfilmentState) IsTerminal() bool {
	return f == FulfilmentDelivered || f == FulfilmentCancelled
}

func (f FulfilmentState) IsValid() bool {
	if f == FulfilmentCancelled {
		return true
	}
	_, ok := fulfilmentRank[f]
	return ok
}

// ParseFulfilmentState converts raw input into a FulfilmentState.
func ParseFulfilmentState(value string) (FulfilmentState, error) {
	state := FulfilmentState(value)
	if !state.IsValid() {
		return "", fmt.Errorf("invalid fulfilment state %q", value)
	}
	return state, nil
}
