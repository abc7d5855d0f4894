// Package reconciliation applies payment-provider outcomes to orders, from
// signed callbacks and from customer-triggered session refreshes.
package reconciliation

import (
	"context"
	"errors"
	"strings"

	"github.com/sppix/storefront-backend/internal/gateway"
	"github.com/sppix/storefront-backend/internal/orders"
	"github.com/sppix/storefront-backend/pkg/db/models"
	"github.com/sppix/storefront-backend/pkg/enums"
	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
	"github.com/sppix/storefront-backend/pkg/logger"
	"github.com/sppix/storefront-backend/pkg/metrics"
)

// Outcome labels for the reconciliation metric and the callback result.
const (
	OutcomeApplied   = "applied"
	OutcomeNoop      = "noop"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

type callbackGateway interface {
	VerifyCallback(rawBody []byte, signatureHeader string) (*gateway.Event, error)
	RetrieveSession(ctx context.Context, sessionID string) (*gateway.SessionStatus, error)
}

// ServiceParams wires the reconciliation service. Guard and Metrics are
// optional.
type ServiceParams struct {
	Gateway         callbackGateway
	Orders          orders.Service
	Guard           *EventGuard
	Metrics         *metrics.Storefront
	Logger          *logger.Logger
	AllowUnverified bool
}

type Service struct {
	gateway         callbackGateway
	orders          orders.Service
	guard           *EventGuard
	metrics         *metrics.Storefront
	logg            *logger.Logger
	allowUnverified bool
}

// CallbackResult tells the handler what happened to an accepted callback.
type CallbackResult struct {
	EventID string
	Kind    gateway.EventKind
	Outcome string
	OrderID uint64
}

// SessionSummary is what the confirmation page polls for.
type SessionSummary struct {
	Order         *models.Order
	PaymentStatus string
	AmountTotal   int64
	Currency      string
	Customer      gateway.CustomerDetails
	// Processing is true while an open order waits for its payment to settle.
	Processing bool
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if params.Orders == nil {
		return nil, errors.New("orders service is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{
		gateway:         params.Gateway,
		orders:          params.Orders,
		guard:           params.Guard,
		metrics:         params.Metrics,
		logg:            params.Logger,
		allowUnverified: params.AllowUnverified,
	}, nil
}

// OnCallback authenticates rawBody and applies the event it carries.
// INVALID_SIGNATURE and INVALID_PAYLOAD mean the body must be refused; any
// other error should be answered with a non-2xx status so the provider
// retries. Events that cannot change the order are acknowledged.
func (s *Service) OnCallback(ctx context.Context, rawBody []byte, signature string) (*CallbackResult, error) {
	event, err := s.gateway.VerifyCallback(rawBody, signature)
	if err != nil {
		s.metrics.ReconciliationEvent("invalid", OutcomeRejected)
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "reconciliation.callback_unverifiable")
		return nil, err
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"event_id":   event.ID,
		"event_type": event.ProviderType,
	})
	if event.Unverified && !s.allowUnverified {
		s.metrics.ReconciliationEvent(string(event.Kind), OutcomeRejected)
		s.logg.Warn(ctx, "reconciliation.unverified_event_refused")
		return nil, pkgerrors.New(pkgerrors.CodeInvalidSignature, "callback signing secret is not configured")
	}

	result := &CallbackResult{EventID: event.ID, Kind: event.Kind}
	if event.Kind == gateway.EventUnknown {
		result.Outcome = OutcomeIgnored
		s.metrics.ReconciliationEvent(string(event.Kind), result.Outcome)
		s.logg.Info(ctx, "reconciliation.event_ignored")
		return result, nil
	}

	if s.guard != nil {
		seen, guardErr := s.guard.CheckAndMark(ctx, event.ID)
		switch {
		case guardErr != nil:
			s.logg.Warn(s.logg.WithField(ctx, "error", guardErr.Error()), "reconciliation.guard_unavailable")
		case seen:
			result.Outcome = OutcomeDuplicate
			s.metrics.ReconciliationEvent(string(event.Kind), result.Outcome)
			s.logg.Info(ctx, "reconciliation.duplicate_event")
			return result, nil
		}
	}

	outcome, orderID, err := s.apply(ctx, event)
	result.OrderID = orderID
	if err != nil {
		if s.guard != nil {
			if forgetErr := s.guard.Forget(ctx, event.ID); forgetErr != nil {
				s.logg.Warn(s.logg.WithField(ctx, "error", forgetErr.Error()), "reconciliation.guard_forget_failed")
			}
		}
		s.metrics.ReconciliationEvent(string(event.Kind), OutcomeError)
		s.logg.Error(ctx, "reconciliation.apply_failed", err)
		return nil, err
	}
	result.Outcome = outcome
	s.metrics.ReconciliationEvent(string(event.Kind), outcome)
	return result, nil
}

func (s *Service) apply(ctx context.Context, event *gateway.Event) (string, uint64, error) {
	orderKey, _ := event.OrderKey()
	order, err := s.orders.Locate(ctx, orderKey, event.IntentID)
	if err != nil {
		return "", 0, err
	}
	ctx = s.logg.WithOrderID(ctx, order.ID)

	outcome := orders.PaymentOutcome{
		IntentID:    event.IntentID,
		SessionID:   event.SessionID,
		AmountMinor: event.AmountMinor,
		Currency:    event.Currency,
		Source:      orders.SourceCallback,
	}

	var res *orders.Result
	switch event.Kind {
	case gateway.EventPaymentSucceeded:
		res, err = s.orders.MarkPaid(ctx, order.ID, outcome)
	case gateway.EventPaymentFailed:
		res, err = s.orders.MarkFailed(ctx, order.ID, outcome)
	case gateway.EventPaymentCancelled:
		res, err = s.orders.MarkCancelledByGateway(ctx, order.ID, outcome)
	default:
		return OutcomeIgnored, order.ID, nil
	}
	if err != nil {
		return classify(ctx, s.logg, order.ID, err)
	}
	if res.Changed {
		return OutcomeApplied, order.ID, nil
	}
	return OutcomeNoop, order.ID, nil
}

// classify acknowledges errors a provider retry can never fix.
func classify(ctx context.Context, logg *logger.Logger, orderID uint64, err error) (string, uint64, error) {
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.CodeInvalidTransition:
		logg.Warn(logg.WithField(ctx, "error", err.Error()), "reconciliation.transition_refused")
		return OutcomeIgnored, orderID, nil
	case pkgerrors.CodeConflict:
		logg.Error(ctx, "reconciliation.event_rejected", err)
		return OutcomeRejected, orderID, nil
	default:
		return "", orderID, err
	}
}

// RefreshFromSession asks the provider for the session state and applies a
// completed payment the callback has not delivered yet.
func (s *Service) RefreshFromSession(ctx context.Context, sessionID string) (*SessionSummary, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session id is required")
	}
	order, err := s.orders.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithOrderID(ctx, order.ID)

	sess, err := s.gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.Paid() && order.PaymentState == enums.PaymentStateUnpaid {
		res, markErr := s.orders.MarkPaid(ctx, order.ID, orders.PaymentOutcome{
			IntentID:    sess.IntentID,
			SessionID:   sess.ID,
			AmountMinor: sess.AmountTotal,
			Currency:    sess.Currency,
			Source:      orders.SourceRefresh,
		})
		switch {
		case markErr == nil:
			order = res.Order
			outcome := OutcomeNoop
			if res.Changed {
				outcome = OutcomeApplied
			}
			s.metrics.ReconciliationEvent("session_refresh", outcome)
		case pkgerrors.Is(markErr, pkgerrors.CodeInvalidTransition), pkgerrors.Is(markErr, pkgerrors.CodeConflict):
			s.metrics.ReconciliationEvent("session_refresh", OutcomeRejected)
			s.logg.Warn(s.logg.WithField(ctx, "error", markErr.Error()), "reconciliation.refresh_refused")
		default:
			s.metrics.ReconciliationEvent("session_refresh", OutcomeError)
			return nil, markErr
		}
	}

	return &SessionSummary{
		Order:         order,
		PaymentStatus: sess.PaymentStatus,
		AmountTotal:   sess.AmountTotal,
		Currency:      sess.Currency,
		Customer:      sess.Customer,
		Processing: order.PaymentState == enums.PaymentStateUnpaid &&
			order.FulfilmentState != enums.FulfilmentCancelled,
	}, nil
}
