package checkout

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/sppix/storefront-backend/internal/bus"
	"github.com/sppix/storefront-backend/internal/checkout/helpers"
	"github.com/sppix/storefront-backend/internal/gateway"
	"github.com/sppix/storefront-backend/internal/identifiers"
	"github.com/sppix/storefront-backend/internal/inventory"
	"github.com/sppix/storefront-backend/internal/orders"
	"github.com/sppix/storefront-backend/pkg/db"
	"github.com/sppix/storefront-backend/pkg/db/models"
	"github.com/sppix/storefront-backend/pkg/enums"
	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
	"github.com/sppix/storefront-backend/pkg/logger"
	"github.com/sppix/storefront-backend/pkg/metrics"
	"github.com/sppix/storefront-backend/pkg/outbox"
	"github.com/sppix/storefront-backend/pkg/outbox/payloads"
)

const orderInsertSavepoint = "order_insert"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type stockLedger interface {
	LockProducts(ctx context.Context, tx *gorm.DB, productIDs []uint64) (map[uint64]models.Product, error)
	Reserve(ctx context.Context, tx *gorm.DB, items []inventory.Item, orderKey string) error
	Commit(ctx context.Context, tx *gorm.DB, orderKey string) error
}

type sessionCreator interface {
	CreateCheckoutSession(ctx context.Context, req gateway.CheckoutSessionRequest) (*gateway.CheckoutSession, error)
}

// Service turns a cart into a persisted order bound to a hosted payment
// session.
type Service interface {
	CreateOrderAndCheckout(ctx context.Context, req Request) (*Result, error)
}

// ServiceParams wires the checkout orchestrator.
type ServiceParams struct {
	Tx          txRunner
	Orders      orders.Repository
	Ledger      stockLedger
	Gateway     sessionCreator
	Outbox      outboxPublisher
	Allocator   *identifiers.Allocator
	Bus         bus.Bus
	Metrics     *metrics.Storefront
	Logger      *logger.Logger
	BaseURL     string
	Currency    string
	PhoneRegion string
}

type service struct {
	tx          txRunner
	orders      orders.Repository
	ledger      stockLedger
	gateway     sessionCreator
	outbox      outboxPublisher
	allocator   *identifiers.Allocator
	bus         bus.Bus
	metrics     *metrics.Storefront
	logg        *logger.Logger
	baseURL     string
	currency    string
	phoneRegion string
}

// NewService builds the checkout service.
func NewService(params ServiceParams) (Service, error) {
	if params.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("inventory ledger required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(params.BaseURL) == "" {
		return nil, fmt.Errorf("public base url required")
	}
	allocator := params.Allocator
	if allocator == nil {
		allocator = identifiers.NewAllocator()
	}
	currency := strings.ToLower(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = "gbp"
	}
	return &service{
		tx:          params.Tx,
		orders:      params.Orders,
		ledger:      params.Ledger,
		gateway:     params.Gateway,
		outbox:      params.Outbox,
		allocator:   allocator,
		bus:         params.Bus,
		metrics:     params.Metrics,
		logg:        params.Logger,
		baseURL:     strings.TrimRight(params.BaseURL, "/"),
		currency:    currency,
		phoneRegion: params.PhoneRegion,
	}, nil
}

// CreateOrderAndCheckout runs the whole checkout in one transaction with one
// provider call. Any failure, the provider call included, rolls back the
// order, its lines and the stock decrement.
func (s *service) CreateOrderAndCheckout(ctx context.Context, req Request) (*Result, error) {
	result, err := s.createOrderAndCheckout(ctx, req)
	if err != nil {
		s.metrics.CheckoutOutcome(strings.ToLower(string(pkgerrors.CodeOf(err))))
		if pkgerrors.MetadataFor(pkgerrors.CodeOf(err)).HTTPStatus >= 500 {
			s.logg.Error(ctx, "checkout.failed", err)
		} else {
			s.logg.Info(s.logg.WithField(ctx, "code", pkgerrors.CodeOf(err)), "checkout.rejected")
		}
		return nil, err
	}
	s.metrics.CheckoutOutcome("success")
	return result, nil
}

func (s *service) createOrderAndCheckout(ctx context.Context, req Request) (*Result, error) {
	if len(req.Items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeEmptyCart, "cart is empty")
	}
	email, err := helpers.NormalizeEmail(req.CustomerEmail)
	if err != nil {
		return nil, err
	}
	phone, err := helpers.NormalizePhone(req.CustomerPhone, s.phoneRegion)
	if err != nil {
		return nil, err
	}
	if err := helpers.ValidateMoney(map[string]decimal.Decimal{
		"shipping_cost": req.ShippingCost,
		"tax_amount":    req.TaxAmount,
	}); err != nil {
		return nil, err
	}
	items, err := inventory.Normalize(req.inventoryItems())
	if err != nil {
		return nil, err
	}

	var (
		order  *models.Order
		result *Result
	)
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)

		ids := make([]uint64, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ProductID)
		}
		products, err := s.ledger.LockProducts(ctx, tx, ids)
		if err != nil {
			return err
		}
		lines, subtotal, err := helpers.PriceLines(items, products)
		if err != nil {
			return err
		}
		total := subtotal.Add(req.ShippingCost).Add(req.TaxAmount)
		if err := helpers.ValidateMoney(map[string]decimal.Decimal{"subtotal": subtotal, "total": total}); err != nil {
			return err
		}

		order = &models.Order{
			UserID:          optional(req.UserID),
			CustomerEmail:   email,
			CustomerName:    strings.TrimSpace(req.CustomerName),
			CustomerPhone:   phone,
			ShippingAddress: req.ShippingAddress,
			BillingAddress:  req.BillingAddress,
			Subtotal:        subtotal,
			ShippingCost:    req.ShippingCost,
			TaxAmount:       req.TaxAmount,
			Total:           total,
			Currency:        s.currency,
			FulfilmentState: enums.FulfilmentPending,
			PaymentState:    enums.PaymentStateUnpaid,
			PaymentMethod:   defaultString(req.PaymentMethod, "card"),
			ShippingMethod:  strings.TrimSpace(req.ShippingMethod),
		}
		if err := s.insertOrder(ctx, tx, repo, order); err != nil {
			return err
		}
		orderKey := strconv.FormatUint(order.ID, 10)
		ctx := s.logg.WithOrderID(ctx, order.ID)

		// the product rows are already locked; a shortfall rolls the order back
		if err := s.ledger.Reserve(ctx, tx, items, orderKey); err != nil {
			return err
		}

		number := identifiers.OrderNumber(order.CreatedAt, order.ID)
		if err := repo.Update(ctx, order.ID, map[string]any{"order_number": number}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "assign order number")
		}
		order.OrderNumber = &number

		for i := range lines {
			lines[i].OrderID = order.ID
		}
		if err := repo.CreateItems(ctx, lines); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert order lines")
		}
		order.Items = lines

		if err := s.emitCreated(ctx, tx, order); err != nil {
			return err
		}

		idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
		if idempotencyKey == "" {
			idempotencyKey = "order-" + orderKey
		}
		session, err := s.gateway.CreateCheckoutSession(ctx, gateway.CheckoutSessionRequest{
			LineItems:         helpers.GatewayLines(lines, req.ShippingCost, req.TaxAmount),
			Currency:          s.currency,
			CustomerEmail:     email,
			SuccessURL:        s.baseURL + "/order-confirmation/" + order.TrackingID,
			CancelURL:         s.baseURL + "/checkout?cancelled=true",
			ClientReferenceID: orderKey,
			Metadata: map[string]string{
				gateway.MetaOrderKey:      orderKey,
				gateway.MetaOrderNumber:   number,
				gateway.MetaCustomerEmail: email,
				gateway.MetaCustomerName:  order.CustomerName,
			},
			IdempotencyKey: idempotencyKey,
		})
		if err != nil {
			return err
		}

		updates := map[string]any{"gateway_session_id": session.ID}
		order.GatewaySessionID = &session.ID
		if session.IntentID != "" {
			updates["gateway_intent_id"] = session.IntentID
			order.GatewayIntentID = &session.IntentID
		}
		if err := repo.Update(ctx, order.ID, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "bind checkout session")
		}
		if err := s.ledger.Commit(ctx, tx, orderKey); err != nil {
			return err
		}

		result = &Result{
			OrderID:          order.ID,
			OrderNumber:      number,
			TrackingID:       order.TrackingID,
			RedirectURL:      session.RedirectURL,
			GatewaySessionID: session.ID,
			Total:            total,
			Currency:         s.currency,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ctx = s.logg.WithOrderID(ctx, order.ID)
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"order_number": result.OrderNumber,
		"total":        result.Total.StringFixed(2),
	}), "checkout.order_created")
	s.notifyCreated(ctx, order)
	return result, nil
}

// insertOrder allocates a tracking id and inserts the order. A unique
// violation on tracking_id (a concurrent writer won the same draw) rolls back
// to a savepoint and retries with a fresh draw.
func (s *service) insertOrder(ctx context.Context, tx *gorm.DB, repo orders.Repository, order *models.Order) error {
	attempts := s.allocator.MaxAttempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		trackingID, err := s.allocator.AllocateTrackingID(ctx, repo.TrackingIDExists)
		if err != nil {
			return err
		}
		order.ID = 0
		order.TrackingID = trackingID

		if err := tx.SavePoint(orderInsertSavepoint).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "order savepoint")
		}
		err = repo.Create(ctx, order)
		if err == nil {
			return nil
		}
		if !isTrackingConflict(err) {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert order")
		}
		if rbErr := tx.RollbackTo(orderInsertSavepoint).Error; rbErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, rbErr, "rollback order savepoint")
		}
		s.logg.Warn(s.logg.WithField(ctx, "attempt", attempt), "checkout.tracking_id_collision")
	}
	return identifiers.Exhausted(identifiers.TrackingPrefix, attempts)
}

func isTrackingConflict(err error) bool {
	return db.IsUniqueViolation(err, "idx_orders_tracking_id") || db.IsUniqueViolation(err, "orders.tracking_id")
}

func (s *service) emitCreated(ctx context.Context, tx *gorm.DB, order *models.Order) error {
	err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderCreated,
		AggregateType: enums.AggregateOrder,
		AggregateID:   strconv.FormatUint(order.ID, 10),
		Actor:         &outbox.ActorRef{UserID: derefString(order.UserID), Role: "customer"},
		Data: payloads.OrderLifecycleEvent{
			OrderID:         order.ID,
			OrderNumber:     derefString(order.OrderNumber),
			TrackingID:      order.TrackingID,
			PaymentState:    order.PaymentState,
			FulfilmentState: order.FulfilmentState,
			Total:           order.Total.StringFixed(2),
			Currency:        order.Currency,
			OccurredAt:      time.Now().UTC(),
		},
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit order created")
	}
	return nil
}

func (s *service) notifyCreated(ctx context.Context, order *models.Order) {
	if s.bus == nil {
		return
	}
	ev := bus.MustEvent(bus.TypeDataUpdate, orders.DataUpdate{
		Entity:          "order",
		Action:          "created",
		ID:              order.ID,
		OrderNumber:     derefString(order.OrderNumber),
		PaymentState:    order.PaymentState,
		FulfilmentState: order.FulfilmentState,
	})
	// the change is committed even if the caller has gone away
	if err := s.bus.Publish(context.WithoutCancel(ctx), bus.GroupAdminBroadcast, ev); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "checkout.notify_failed")
	}
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func defaultString(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
