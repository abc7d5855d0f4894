package orders

import (
	"github.com/sppix/storefront-backend/pkg/db/models"
	"github.com/sppix/storefront-backend/pkg/enums"
)

// CanTransitionPayment reports whether the payment axis may move from -> to.
//
//	unpaid -> paid | failed
//	paid   -> refunded
func CanTransitionPayment(from, to enums.PaymentState) bool {
	switch from {
	case enums.PaymentStateUnpaid:
		return to == enums.PaymentStatePaid || to == enums.PaymentStateFailed
	case enums.PaymentStatePaid:
		return to == enums.PaymentStateRefunded
	}
	return false
}

// CanTransitionFulfilment reports whether the fulfilment axis may move
// from -> to. Moves only go forward along
// pending -> processing -> shipped -> delivered; cancelled is reachable from
// any non-terminal state and absorbs.
func CanTransitionFulfilment(from, to enums.FulfilmentState) bool {
	if from.IsTerminal() || from == to {
		return false
	}
	if to == enums.FulfilmentCancelled {
		return true
	}
	fromRank, ok := from.Rank()
	if !ok {
		return false
	}
	toRank, ok := to.Rank()
	if !ok {
		return false
	}
	return toRank > fromRank
}

// CanCancel reports whether order may be cancelled. A paid order needs a
// refund first.
func CanCancel(order *models.Order) bool {
	if order == nil {
		return false
	}
	if order.PaymentState == enums.PaymentStatePaid {
		return false
	}
	return CanTransitionFulfilment(order.FulfilmentState, enums.FulfilmentCancelled)
}
