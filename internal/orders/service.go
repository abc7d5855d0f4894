package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/sppix/storefront-backend/internal/bus"
	"github.com/sppix/storefront-backend/internal/gateway"
	"github.com/sppix/storefront-backend/internal/identifiers"
	"github.com/sppix/storefront-backend/internal/inventory"
	"github.com/sppix/storefront-backend/pkg/db/models"
	"github.com/sppix/storefront-backend/pkg/enums"
	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
	"github.com/sppix/storefront-backend/pkg/logger"
	"github.com/sppix/storefront-backend/pkg/outbox"
	"github.com/sppix/storefront-backend/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// InventoryReleaser returns reserved stock when an order is cancelled.
type InventoryReleaser interface {
	Release(ctx context.Context, tx *gorm.DB, items []inventory.Item) error
}

// Refunder issues provider refunds.
type Refunder interface {
	Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.Refund, error)
}

// Source names who reported a payment outcome.
type Source string

const (
	SourceCallback Source = "callback"
	SourceRefresh  Source = "refresh"
	SourceCustomer Source = "customer"
)

// PaymentOutcome is a provider-reported result for one order. AmountMinor and
// Currency are checked against the order when set.
type PaymentOutcome struct {
	IntentID    string
	SessionID   string
	AmountMinor int64
	Currency    string
	Source      Source
}

func (o PaymentOutcome) paymentKey() string {
	if o.IntentID != "" {
		return o.IntentID
	}
	if o.SessionID != "" {
		return "session:" + o.SessionID
	}
	return ""
}

// Actor identifies who drove an administrative or customer transition.
type Actor struct {
	UserID string
	Admin  bool
	// System marks transitions made by background jobs.
	System bool
}

func (a Actor) ref() *outbox.ActorRef {
	role := "customer"
	switch {
	case a.System:
		role = "system"
	case a.Admin:
		role = "admin"
	}
	return &outbox.ActorRef{UserID: a.UserID, Role: role}
}

var gatewayActor = &outbox.ActorRef{Role: "gateway"}

// Result is the order after a transition attempt. Changed is false when the
// call was a no-op.
type Result struct {
	Order   *models.Order
	Changed bool
}

// Service applies guarded transitions to orders.
type Service interface {
	Get(ctx context.Context, orderID uint64) (*models.Order, error)
	GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	GetBySession(ctx context.Context, sessionID string) (*models.Order, error)
	Track(ctx context.Context, idOrTracking string) (*models.Order, error)
	List(ctx context.Context, limit, offset int) ([]models.Order, error)
	Payments(ctx context.Context, orderID uint64) ([]models.Payment, error)
	Locate(ctx context.Context, orderKey uint64, intentID string) (*models.Order, error)

	MarkPaid(ctx context.Context, orderID uint64, outcome PaymentOutcome) (*Result, error)
	MarkFailed(ctx context.Context, orderID uint64, outcome PaymentOutcome) (*Result, error)
	MarkCancelledByGateway(ctx context.Context, orderID uint64, outcome PaymentOutcome) (*Result, error)
	Cancel(ctx context.Context, orderID uint64, actor Actor, reason string) (*Result, error)
	AdvanceFulfilment(ctx context.Context, orderID uint64, to enums.FulfilmentState, actor Actor) (*Result, error)
	Refund(ctx context.Context, orderID uint64, actor Actor) (*Result, error)
}

// ServiceParams wires the orders service.
type ServiceParams struct {
	Repo      Repository
	Tx        txRunner
	Outbox    outboxPublisher
	Inventory InventoryReleaser
	Bus       bus.Bus
	Allocator *identifiers.Allocator
	Refunder  Refunder
	Logger    *logger.Logger
}

type service struct {
	repo      Repository
	tx        txRunner
	outbox    outboxPublisher
	inventory InventoryReleaser
	bus       bus.Bus
	allocator *identifiers.Allocator
	refunder  Refunder
	logg      *logger.Logger
}

// NewService builds the order state service. Bus and Refunder are optional.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Inventory == nil {
		return nil, fmt.Errorf("inventory releaser required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	allocator := params.Allocator
	if allocator == nil {
		allocator = identifiers.NewAllocator()
	}
	return &service{
		repo:      params.Repo,
		tx:        params.Tx,
		outbox:    params.Outbox,
		inventory: params.Inventory,
		bus:       params.Bus,
		allocator: allocator,
		refunder:  params.Refunder,
		logg:      params.Logger,
	}, nil
}

func (s *service) Get(ctx context.Context, orderID uint64) (*models.Order, error) {
	return wrapFind(s.repo.FindByID(ctx, orderID))
}

func (s *service) GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	if strings.TrimSpace(orderNumber) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order number required")
	}
	return wrapFind(s.repo.FindByNumber(ctx, orderNumber))
}

func (s *service) GetBySession(ctx context.Context, sessionID string) (*models.Order, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session id required")
	}
	return wrapFind(s.repo.FindBySessionID(ctx, sessionID))
}

// Track resolves a tracking id, an order number or a numeric order key.
func (s *service) Track(ctx context.Context, idOrTracking string) (*models.Order, error) {
	value := strings.TrimSpace(idOrTracking)
	switch {
	case value == "":
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tracking id required")
	case strings.HasPrefix(value, identifiers.TrackingPrefix):
		return wrapFind(s.repo.FindByTrackingID(ctx, value))
	case strings.HasPrefix(value, "ORD-"):
		return wrapFind(s.repo.FindByNumber(ctx, value))
	}
	var key uint64
	if _, err := fmt.Sscan(value, &key); err != nil || key == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return wrapFind(s.repo.FindByID(ctx, key))
}

func (s *service) List(ctx context.Context, limit, offset int) ([]models.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	orders, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	return orders, nil
}

func (s *service) Payments(ctx context.Context, orderID uint64) ([]models.Payment, error) {
	payments, err := s.repo.ListPayments(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list payments")
	}
	return payments, nil
}

// Locate finds the order a provider event refers to: by order key first,
// then by intent id.
func (s *service) Locate(ctx context.Context, orderKey uint64, intentID string) (*models.Order, error) {
	if orderKey != 0 {
		order, err := s.repo.FindByID(ctx, orderKey)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}
	}
	if intentID != "" {
		return wrapFind(s.repo.FindByIntentID(ctx, intentID))
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
}

// MarkPaid moves unpaid -> paid and records a completed payment. Replays on
// an already paid order are no-ops.
func (s *service) MarkPaid(ctx context.Context, orderID uint64, outcome PaymentOutcome) (*Result, error) {
	ctx = s.logg.WithOrderID(ctx, orderID)
	if outcome.paymentKey() == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "intent or session id required")
	}

	var (
		result   Result
		previous enums.PaymentState
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := lockOrder(ctx, repo, orderID)
		if err != nil {
			return err
		}
		result.Order = order
		previous = order.PaymentState

		if order.FulfilmentState == enums.FulfilmentCancelled {
			s.logg.Warn(s.logg.WithField(ctx, "source", outcome.Source), "orders.payment_on_cancelled_order")
			return nil
		}
		if order.PaymentState == enums.PaymentStatePaid {
			return nil
		}
		if !CanTransitionPayment(order.PaymentState, enums.PaymentStatePaid) {
			return invalidPayment(order.PaymentState, enums.PaymentStatePaid)
		}
		if err := checkAmount(order, outcome); err != nil {
			return err
		}

		payment, err := s.upsertPayment(ctx, repo, order, outcome, enums.PaymentRecordCompleted)
		if err != nil {
			return err
		}

		updates := map[string]any{
			"payment_state":    enums.PaymentStatePaid,
			"fulfilment_state": enums.FulfilmentPending,
		}
		if order.GatewayIntentID == nil && outcome.IntentID != "" {
			updates["gateway_intent_id"] = outcome.IntentID
			order.GatewayIntentID = &outcome.IntentID
		}
		if order.PaymentReference == nil {
			ref, err := s.allocator.AllocatePaymentReference(ctx, repo.PaymentReferenceExists)
			if err != nil {
				return err
			}
			updates["payment_reference"] = ref
			order.PaymentReference = &ref
		}
		if err := repo.Update(ctx, order.ID, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order paid")
		}
		order.PaymentState = enums.PaymentStatePaid
		order.FulfilmentState = enums.FulfilmentPending

		event := payloads.PaymentRecordedEvent{
			OrderLifecycleEvent: lifecyclePayload(order, previous, order.FulfilmentState),
			PaymentID:           payment.ID,
			GatewayIntentID:     payment.GatewayIntentID,
			Amount:              payment.Amount.StringFixed(2),
			PaymentState:        payment.State,
		}
		if err := s.emit(ctx, tx, enums.EventOrderPaid, order, gatewayActor, event); err != nil {
			return err
		}
		result.Changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Changed {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{"source": outcome.Source, "from": previous}), "orders.paid")
		s.notify(ctx, result.Order, "payment_updated")
	}
	return &result, nil
}

// MarkFailed moves unpaid -> failed.
func (s *service) MarkFailed(ctx context.Context, orderID uint64, outcome PaymentOutcome) (*Result, error) {
	ctx = s.logg.WithOrderID(ctx, orderID)

	var result Result
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := lockOrder(ctx, repo, orderID)
		if err != nil {
			return err
		}
		result.Order = order
		if order.FulfilmentState == enums.FulfilmentCancelled {
			s.logg.Warn(s.logg.WithField(ctx, "source", outcome.Source), "orders.payment_on_cancelled_order")
			return nil
		}
		if order.PaymentState == enums.PaymentStateFailed {
			return nil
		}
		if !CanTransitionPayment(order.PaymentState, enums.PaymentStateFailed) {
			return invalidPayment(order.PaymentState, enums.PaymentStateFailed)
		}
		if outcome.paymentKey() != "" {
			if _, err := s.upsertPayment(ctx, repo, order, outcome, enums.PaymentRecordFailed); err != nil {
				return err
			}
		}
		if err := repo.Update(ctx, order.ID, map[string]any{"payment_state": enums.PaymentStateFailed}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order failed")
		}
		previous := order.PaymentState
		order.PaymentState = enums.PaymentStateFailed

		actor := gatewayActor
		if outcome.Source == SourceCustomer {
			actor = &outbox.ActorRef{Role: "customer"}
		}
		payload := lifecyclePayload(order, previous, order.FulfilmentState)
		if err := s.emit(ctx, tx, enums.EventOrderPaymentFailed, order, actor, payload); err != nil {
			return err
		}
		result.Changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Changed {
		s.logg.Info(s.logg.WithField(ctx, "source", outcome.Source), "orders.payment_failed")
		s.notify(ctx, result.Order, "payment_updated")
	}
	return &result, nil
}

// MarkCancelledByGateway cancels an unpaid order whose provider session was
// abandoned or expired, releasing its stock.
func (s *service) MarkCancelledByGateway(ctx context.Context, orderID uint64, outcome PaymentOutcome) (*Result, error) {
	return s.cancel(ctx, orderID, gatewayActor, string(outcome.Source), &outcome)
}

// Cancel cancels an order on behalf of a customer or admin. Paid orders must
// be refunded instead.
func (s *service) Cancel(ctx context.Context, orderID uint64, actor Actor, reason string) (*Result, error) {
	return s.cancel(ctx, orderID, actor.ref(), reason, nil)
}

func (s *service) cancel(ctx context.Context, orderID uint64, actor *outbox.ActorRef, reason string, outcome *PaymentOutcome) (*Result, error) {
	ctx = s.logg.WithOrderID(ctx, orderID)

	var result Result
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := lockOrder(ctx, repo, orderID)
		if err != nil {
			return err
		}
		result.Order = order
		if order.FulfilmentState == enums.FulfilmentCancelled {
			return nil
		}
		if order.PaymentState == enums.PaymentStatePaid {
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, "order is paid; refund required before cancellation")
		}
		if !CanCancel(order) {
			return invalidFulfilment(order.FulfilmentState, enums.FulfilmentCancelled)
		}

		if err := s.inventory.Release(ctx, tx, itemsOf(order)); err != nil {
			return err
		}
		if outcome != nil && outcome.paymentKey() != "" {
			if _, err := s.upsertPayment(ctx, repo, order, *outcome, enums.PaymentRecordCancelled); err != nil {
				return err
			}
		}
		if err := repo.UpdatePaymentsForOrder(ctx, order.ID,
			[]enums.PaymentRecordState{enums.PaymentRecordPending}, enums.PaymentRecordCancelled); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel pending payments")
		}
		if err := repo.Update(ctx, order.ID, map[string]any{"fulfilment_state": enums.FulfilmentCancelled}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel order")
		}
		previous := order.FulfilmentState
		order.FulfilmentState = enums.FulfilmentCancelled

		payload := lifecyclePayload(order, "", previous)
		if err := s.emit(ctx, tx, enums.EventOrderCancelled, order, actor, payload); err != nil {
			return err
		}
		result.Changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Changed {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{"reason": reason, "actor": actor.Role}), "orders.cancelled")
		s.notify(ctx, result.Order, "cancelled")
	}
	return &result, nil
}

// AdvanceFulfilment moves a paid order forward along its fulfilment track.
// Moving to cancelled goes through Cancel.
func (s *service) AdvanceFulfilment(ctx context.Context, orderID uint64, to enums.FulfilmentState, actor Actor) (*Result, error) {
	if !to.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown fulfilment state %q", to))
	}
	if to == enums.FulfilmentCancelled {
		return s.Cancel(ctx, orderID, actor, "fulfilment")
	}
	ctx = s.logg.WithOrderID(ctx, orderID)

	var result Result
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := lockOrder(ctx, repo, orderID)
		if err != nil {
			return err
		}
		result.Order = order
		if order.FulfilmentState == to {
			return nil
		}
		if !CanTransitionFulfilment(order.FulfilmentState, to) {
			return invalidFulfilment(order.FulfilmentState, to)
		}
		if order.PaymentState != enums.PaymentStatePaid {
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, "order must be paid before fulfilment advances")
		}
		if err := repo.Update(ctx, order.ID, map[string]any{"fulfilment_state": to}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "advance fulfilment")
		}
		previous := order.FulfilmentState
		order.FulfilmentState = to

		payload := lifecyclePayload(order, "", previous)
		if err := s.emit(ctx, tx, enums.EventOrderFulfilmentAdvanced, order, actor.ref(), payload); err != nil {
			return err
		}
		result.Changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Changed {
		s.logg.Info(s.logg.WithField(ctx, "fulfilment_state", to), "orders.fulfilment_advanced")
		s.notify(ctx, result.Order, "fulfilment_updated")
	}
	return &result, nil
}

// Refund refunds the full order total through the provider and moves
// paid -> refunded. The provider call carries a stable idempotency key, so a
// retry after a failed commit does not refund twice.
func (s *service) Refund(ctx context.Context, orderID uint64, actor Actor) (*Result, error) {
	if s.refunder == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "refunds are not configured")
	}
	ctx = s.logg.WithOrderID(ctx, orderID)

	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentState == enums.PaymentStateRefunded {
		return &Result{Order: order}, nil
	}
	if !CanTransitionPayment(order.PaymentState, enums.PaymentStateRefunded) {
		return nil, invalidPayment(order.PaymentState, enums.PaymentStateRefunded)
	}
	intentID := ""
	if order.GatewayIntentID != nil {
		intentID = *order.GatewayIntentID
	}
	if intentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order has no provider payment to refund")
	}

	refund, err := s.refunder.Refund(ctx, gateway.RefundRequest{
		IntentID:       intentID,
		AmountMinor:    gateway.ToMinorUnits(order.Total),
		IdempotencyKey: fmt.Sprintf("refund-%d", order.ID),
	})
	if err != nil {
		return nil, err
	}

	var result Result
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		locked, err := lockOrder(ctx, repo, orderID)
		if err != nil {
			return err
		}
		result.Order = locked
		if locked.PaymentState == enums.PaymentStateRefunded {
			return nil
		}
		if !CanTransitionPayment(locked.PaymentState, enums.PaymentStateRefunded) {
			return invalidPayment(locked.PaymentState, enums.PaymentStateRefunded)
		}
		if err := repo.UpdatePaymentsForOrder(ctx, locked.ID,
			[]enums.PaymentRecordState{enums.PaymentRecordCompleted}, enums.PaymentRecordRefunded); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "refund payments")
		}
		if err := repo.Update(ctx, locked.ID, map[string]any{"payment_state": enums.PaymentStateRefunded}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order refunded")
		}
		previous := locked.PaymentState
		locked.PaymentState = enums.PaymentStateRefunded

		event := payloads.PaymentRecordedEvent{
			OrderLifecycleEvent: lifecyclePayload(locked, previous, locked.FulfilmentState),
			PaymentID:           refund.ID,
			GatewayIntentID:     intentID,
			Amount:              locked.Total.StringFixed(2),
			PaymentState:        enums.PaymentRecordRefunded,
		}
		if err := s.emit(ctx, tx, enums.EventOrderRefunded, locked, actor.ref(), event); err != nil {
			return err
		}
		result.Changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Changed {
		s.logg.Info(s.logg.WithField(ctx, "refund_id", refund.ID), "orders.refunded")
		s.notify(ctx, result.Order, "payment_updated")
	}
	return &result, nil
}

// upsertPayment writes the payment row keyed by provider intent id. A row
// that already reached completed or refunded is left alone.
func (s *service) upsertPayment(ctx context.Context, repo Repository, order *models.Order, outcome PaymentOutcome, state enums.PaymentRecordState) (*models.Payment, error) {
	key := outcome.paymentKey()
	amount := order.Total
	if outcome.AmountMinor > 0 {
		amount = gateway.FromMinorUnits(outcome.AmountMinor)
	}
	currency := strings.ToLower(outcome.Currency)
	if currency == "" {
		currency = order.Currency
	}

	existing, err := repo.FindPaymentByIntent(ctx, key)
	switch {
	case err == nil:
		if existing.OrderID != order.ID {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "provider intent belongs to another order")
		}
		if existing.State == state || existing.State == enums.PaymentRecordCompleted || existing.State == enums.PaymentRecordRefunded {
			return existing, nil
		}
		if err := repo.UpdatePayment(ctx, existing.ID, map[string]any{
			"state":    state,
			"amount":   amount,
			"currency": currency,
		}); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment")
		}
		existing.State = state
		existing.Amount = amount
		existing.Currency = currency
		return existing, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
	}

	payment := &models.Payment{
		ID:              ulid.Make().String(),
		OrderID:         order.ID,
		GatewayIntentID: key,
		Amount:          amount,
		Currency:        currency,
		State:           state,
	}
	if outcome.SessionID != "" {
		sessionID := outcome.SessionID
		payment.GatewaySessionID = &sessionID
	}
	if err := repo.CreatePayment(ctx, payment); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment")
	}
	return payment, nil
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, order *models.Order, actor *outbox.ActorRef, data any) error {
	err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateOrder,
		AggregateID:   fmt.Sprintf("%d", order.ID),
		Actor:         actor,
		Data:          data,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit order event")
	}
	return nil
}

// notify runs after commit. Bus failures are logged; the transition stands.
func (s *service) notify(ctx context.Context, order *models.Order, action string) {
	if s.bus == nil || order == nil {
		return
	}
	ev := bus.MustEvent(bus.TypeDataUpdate, DataUpdate{
		Entity:          "order",
		Action:          action,
		ID:              order.ID,
		OrderNumber:     deref(order.OrderNumber),
		PaymentState:    order.PaymentState,
		FulfilmentState: order.FulfilmentState,
	})
	// the change is committed even if the caller has gone away
	if err := s.bus.Publish(context.WithoutCancel(ctx), bus.GroupAdminBroadcast, ev); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "orders.notify_failed")
	}
}

// DataUpdate is the admin broadcast frame for order changes.
type DataUpdate struct {
	Entity          string                `json:"entity"`
	Action          string                `json:"action"`
	ID              uint64                `json:"id"`
	OrderNumber     string                `json:"order_number,omitempty"`
	PaymentState    enums.PaymentState    `json:"payment_state,omitempty"`
	FulfilmentState enums.FulfilmentState `json:"fulfilment_state,omitempty"`
}

func lockOrder(ctx context.Context, repo Repository, orderID uint64) (*models.Order, error) {
	order, err := repo.FindByIDForUpdate(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock order")
	}
	return order, nil
}

func wrapFind(order *models.Order, err error) (*models.Order, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

func checkAmount(order *models.Order, outcome PaymentOutcome) error {
	if outcome.AmountMinor > 0 {
		if expected := gateway.ToMinorUnits(order.Total); expected != outcome.AmountMinor {
			return pkgerrors.New(pkgerrors.CodeConflict, "paid amount does not match order total").
				WithDetails(map[string]any{"expected": expected, "received": outcome.AmountMinor})
		}
	}
	if outcome.Currency != "" && !strings.EqualFold(outcome.Currency, order.Currency) {
		return pkgerrors.New(pkgerrors.CodeConflict, "paid currency does not match order currency").
			WithDetails(map[string]any{"expected": order.Currency, "received": strings.ToLower(outcome.Currency)})
	}
	return nil
}

func invalidPayment(from, to enums.PaymentState) error {
	return pkgerrors.New(pkgerrors.CodeInvalidTransition, fmt.Sprintf("payment state cannot move from %s to %s", from, to)).
		WithDetails(map[string]any{"from": from, "to": to})
}

func invalidFulfilment(from, to enums.FulfilmentState) error {
	return pkgerrors.New(pkgerrors.CodeInvalidTransition, fmt.Sprintf("fulfilment state cannot move from %s to %s", from, to)).
		WithDetails(map[string]any{"from": from, "to": to})
}

func lifecyclePayload(order *models.Order, previousPayment enums.PaymentState, previousFulfil enums.FulfilmentState) payloads.OrderLifecycleEvent {
	event := payloads.OrderLifecycleEvent{
		OrderID:         order.ID,
		OrderNumber:     deref(order.OrderNumber),
		TrackingID:      order.TrackingID,
		PaymentState:    order.PaymentState,
		FulfilmentState: order.FulfilmentState,
		Total:           order.Total.StringFixed(2),
		Currency:        order.Currency,
		OccurredAt:      time.Now().UTC(),
	}
	if previousPayment != order.PaymentState {
		event.PreviousPayment = previousPayment
	}
	if previousFulfil != order.FulfilmentState {
		event.PreviousFulfil = previousFulfil
	}
	return event
}

func itemsOf(order *models.Order) []inventory.Item {
	items := make([]inventory.Item, 0, len(order.Items))
	for _, line := range order.Items {
		items = append(items, inventory.Item{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return items
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
