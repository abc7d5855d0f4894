package orders

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/sppix/storefront-backend/internal/bus"
	"github.com/sppix/storefront-backend/internal/gateway"
	"github.com/sppix/storefront-backend/internal/identifiers"
	"github.com/sppix/storefront-backend/internal/inventory"
	"github.com/sppix/storefront-backend/pkg/db"
	"github.com/sppix/storefront-backend/pkg/db/dbtest"
	"github.com/sppix/storefront-backend/pkg/db/models"
	"github.com/sppix/storefront-backend/pkg/enums"
	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
	"github.com/sppix/storefront-backend/pkg/logger"
	"github.com/sppix/storefront-backend/pkg/outbox"
	"github.com/sppix/storefront-backend/pkg/types"
)

type stubRefunder struct {
	calls []gateway.RefundRequest
	err   error
}

func (s *stubRefunder) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.Refund, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	return &gateway.Refund{ID: "re_" + req.IntentID, Status: "succeeded"}, nil
}

type fixture struct {
	conn     *gorm.DB
	svc      Service
	admin    *bus.Subscriber
	refunder *stubRefunder
	outbox   *outbox.Repository
	product  models.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	logg := logger.Nop()
	hub := bus.NewHub(nil)
	admin := bus.NewSubscriber("admin-test", 16)
	hub.Join(bus.GroupAdminBroadcast, admin)
	outboxRepo := outbox.NewRepository(conn)
	refunder := &stubRefunder{}

	svc, err := NewService(ServiceParams{
		Repo:      NewRepository(conn),
		Tx:        db.FromGorm(conn),
		Outbox:    outbox.NewService(outboxRepo, logg),
		Inventory: inventory.NewLedger(),
		Bus:       hub,
		Allocator: identifiers.NewAllocator(),
		Refunder:  refunder,
		Logger:    logg,
	})
	require.NoError(t, err)

	return &fixture{
		conn:     conn,
		svc:      svc,
		admin:    admin,
		refunder: refunder,
		outbox:   outboxRepo,
		product:  dbtest.SeedProduct(t, conn, "Widget", "10.00", 5),
	}
}

// seedOrder stores an unpaid order for qty units of the fixture product and
// takes the units out of stock the way checkout would.
func (f *fixture) seedOrder(t *testing.T, qty int) *models.Order {
	t.Helper()
	sessionID := "cs_test_" + strings.Repeat("x", qty)
	number := "ORD-20260101-000001"
	total := decimal.RequireFromString("10.00").Mul(decimal.NewFromInt(int64(qty)))
	order := &models.Order{
		OrderNumber:      &number,
		TrackingID:       "sppix_0000000000000001",
		CustomerEmail:    "a@b.com",
		CustomerName:     "Ada",
		ShippingAddress:  types.Address{Line1: "1 High St", City: "London", Country: "GB"},
		Subtotal:         total,
		ShippingCost:     decimal.Zero,
		TaxAmount:        decimal.Zero,
		Total:            total,
		Currency:         "gbp",
		FulfilmentState:  enums.FulfilmentPending,
		PaymentState:     enums.PaymentStateUnpaid,
		PaymentMethod:    "card",
		GatewaySessionID: &sessionID,
		Items: []models.OrderItem{{
			ProductID:   f.product.ID,
			ProductName: f.product.Name,
			Quantity:    qty,
			UnitPrice:   f.product.Price,
		}},
	}
	require.NoError(t, f.conn.Create(order).Error)
	require.NoError(t, f.conn.Model(&models.Product{}).Where("id = ?", f.product.ID).
		UpdateColumn("stock", gorm.Expr("stock - ?", qty)).Error)
	return order
}

func (f *fixture) outboxTypes(t *testing.T, order *models.Order) []enums.OutboxEventType {
	t.Helper()
	rows, err := f.outbox.ListForAggregate(orderAggregateID(order))
	require.NoError(t, err)
	out := make([]enums.OutboxEventType, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.EventType)
	}
	return out
}

func orderAggregateID(order *models.Order) string {
	return strconv.FormatUint(order.ID, 10)
}

func paidOutcome(amountMinor int64) PaymentOutcome {
	return PaymentOutcome{IntentID: "pi_1", SessionID: "cs_1", AmountMinor: amountMinor, Currency: "GBP", Source: SourceCallback}
}

func TestMarkPaidRecordsCompletedPayment(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 2)
	ctx := context.Background()

	res, err := f.svc.MarkPaid(ctx, order.ID, paidOutcome(2000))
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, enums.PaymentStatePaid, res.Order.PaymentState)

	stored, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatePaid, stored.PaymentState)
	assert.Equal(t, enums.FulfilmentPending, stored.FulfilmentState)
	require.NotNil(t, stored.GatewayIntentID)
	assert.Equal(t, "pi_1", *stored.GatewayIntentID)
	require.NotNil(t, stored.PaymentReference)
	assert.True(t, strings.HasPrefix(*stored.PaymentReference, identifiers.PaymentReferencePrefix))

	payments, err := f.svc.Payments(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, enums.PaymentRecordCompleted, payments[0].State)
	assert.Equal(t, "20.00", payments[0].Amount.StringFixed(2))
	assert.Equal(t, "gbp", payments[0].Currency)

	assert.Equal(t, []enums.OutboxEventType{enums.EventOrderPaid}, f.outboxTypes(t, order))

	frames := f.admin.Drain()
	require.Len(t, frames, 1)
	assert.Equal(t, bus.TypeDataUpdate, frames[0].Type)
	assert.Equal(t, "order", frames[0].Field("entity"))
	assert.Equal(t, string(enums.PaymentStatePaid), frames[0].Field("payment_state"))
}

func TestMarkPaidReplayIsNoop(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 1)
	ctx := context.Background()

	_, err := f.svc.MarkPaid(ctx, order.ID, paidOutcome(1000))
	require.NoError(t, err)
	f.admin.Drain()

	res, err := f.svc.MarkPaid(ctx, order.ID, paidOutcome(1000))
	require.NoError(t, err)
	assert.False(t, res.Changed)

	payments, err := f.svc.Payments(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
	assert.Len(t, f.outboxTypes(t, order), 1)
	assert.Empty(t, f.admin.Drain())
}

func TestMarkPaidRejectsAmountMismatch(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 1)
	ctx := context.Background()

	_, err := f.svc.MarkPaid(ctx, order.ID, paidOutcome(999))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeConflict, pkgerrors.CodeOf(err))

	outcome := paidOutcome(1000)
	outcome.Currency = "usd"
	_, err = f.svc.MarkPaid(ctx, order.ID, outcome)
	assert.Equal(t, pkgerrors.CodeConflict, pkgerrors.CodeOf(err))

	stored, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStateUnpaid, stored.PaymentState)
	payments, err := f.svc.Payments(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestMarkPaidFallsBackToSessionKey(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 1)

	_, err := f.svc.MarkPaid(context.Background(), order.ID, PaymentOutcome{SessionID: "cs_only", Source: SourceRefresh})
	require.NoError(t, err)

	payments, err := f.svc.Payments(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "session:cs_only", payments[0].GatewayIntentID)
}

func TestPaymentEventsOnCancelledOrderAreIgnored(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 1)
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, order.ID, Actor{Admin: true}, "test")
	require.NoError(t, err)

	res, err := f.svc.MarkPaid(ctx, order.ID, paidOutcome(1000))
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, enums.PaymentStateUnpaid, res.Order.PaymentState)
}

func TestMarkFailedIsTerminalForPayment(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 1)
	ctx := context.Background()

	res, err := f.svc.MarkFailed(ctx, order.ID, PaymentOutcome{IntentID: "pi_f", Source: SourceCallback})
	require.NoError(t, err)
	assert.True(t, res.Changed)

	again, err := f.svc.MarkFailed(ctx, order.ID, PaymentOutcome{IntentID: "pi_f", Source: SourceCallback})
	require.NoError(t, err)
	assert.False(t, again.Changed)

	_, err = f.svc.MarkPaid(ctx, order.ID, PaymentOutcome{IntentID: "pi_f", Source: SourceCallback})
	assert.Equal(t, pkgerrors.CodeInvalidTransition, pkgerrors.CodeOf(err))

	payments, err := f.svc.Payments(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, enums.PaymentRecordFailed, payments[0].State)
}

func TestCancelReleasesInventory(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 2)
	ctx := context.Background()
	require.Equal(t, 3, dbtest.Stock(t, f.conn, f.product.ID))

	res, err := f.svc.Cancel(ctx, order.ID, Actor{UserID: "u1"}, "changed mind")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 5, dbtest.Stock(t, f.conn, f.product.ID))

	again, err := f.svc.Cancel(ctx, order.ID, Actor{UserID: "u1"}, "changed mind")
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, 5, dbtest.Stock(t, f.conn, f.product.ID))
	assert.Equal(t, []enums.OutboxEventType{enums.EventOrderCancelled}, f.outboxTypes(t, order))
}

func TestGatewayCancellationMarksPaymentCancelled(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 1)
	ctx := context.Background()

	res, err := f.svc.MarkCancelledByGateway(ctx, order.ID, PaymentOutcome{SessionID: "cs_exp", Source: SourceCallback})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, enums.FulfilmentCancelled, res.Order.FulfilmentState)
	assert.Equal(t, 5, dbtest.Stock(t, f.conn, f.product.ID))

	payments, err := f.svc.Payments(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, enums.PaymentRecordCancelled, payments[0].State)
}

func TestCancelRefusesPaidOrder(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 1)
	ctx := context.Background()
	_, err := f.svc.MarkPaid(ctx, order.ID, paidOutcome(1000))
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, order.ID, Actor{Admin: true}, "oops")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeInvalidTransition, pkgerrors.CodeOf(err))
	assert.Equal(t, 4, dbtest.Stock(t, f.conn, f.product.ID))
}

func TestAdvanceFulfilmentIsMonotonic(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 1)
	ctx := context.Background()
	admin := Actor{UserID: "staff", Admin: true}

	_, err := f.svc.AdvanceFulfilment(ctx, order.ID, enums.FulfilmentProcessing, admin)
	assert.Equal(t, pkgerrors.CodeInvalidTransition, pkgerrors.CodeOf(err), "unpaid orders stay pending")

	_, err = f.svc.MarkPaid(ctx, order.ID, paidOutcome(1000))
	require.NoError(t, err)

	res, err := f.svc.AdvanceFulfilment(ctx, order.ID, enums.FulfilmentProcessing, admin)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	same, err := f.svc.AdvanceFulfilment(ctx, order.ID, enums.FulfilmentProcessing, admin)
	require.NoError(t, err)
	assert.False(t, same.Changed)

	_, err = f.svc.AdvanceFulfilment(ctx, order.ID, enums.FulfilmentPending, admin)
	assert.Equal(t, pkgerrors.CodeInvalidTransition, pkgerrors.CodeOf(err))

	_, err = f.svc.AdvanceFulfilment(ctx, order.ID, enums.FulfilmentDelivered, admin)
	require.NoError(t, err)

	_, err = f.svc.AdvanceFulfilment(ctx, order.ID, enums.FulfilmentState("lost"), admin)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))

	stored, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.FulfilmentDelivered, stored.FulfilmentState)
}

func TestRefundMovesPaidToRefunded(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 1)
	ctx := context.Background()
	admin := Actor{UserID: "staff", Admin: true}

	_, err := f.svc.Refund(ctx, order.ID, admin)
	assert.Equal(t, pkgerrors.CodeInvalidTransition, pkgerrors.CodeOf(err))
	assert.Empty(t, f.refunder.calls)

	_, err = f.svc.MarkPaid(ctx, order.ID, paidOutcome(1000))
	require.NoError(t, err)

	res, err := f.svc.Refund(ctx, order.ID, admin)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	require.Len(t, f.refunder.calls, 1)
	assert.Equal(t, "pi_1", f.refunder.calls[0].IntentID)
	assert.Equal(t, int64(1000), f.refunder.calls[0].AmountMinor)
	assert.Equal(t, "refund-"+orderAggregateID(order), f.refunder.calls[0].IdempotencyKey)

	payments, err := f.svc.Payments(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, enums.PaymentRecordRefunded, payments[0].State)

	again, err := f.svc.Refund(ctx, order.ID, admin)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Len(t, f.refunder.calls, 1)
}

func TestRefundProviderFailureLeavesOrderPaid(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 1)
	ctx := context.Background()
	_, err := f.svc.MarkPaid(ctx, order.ID, paidOutcome(1000))
	require.NoError(t, err)

	f.refunder.err = pkgerrors.New(pkgerrors.CodeGatewayUnavailable, "down")
	_, err = f.svc.Refund(ctx, order.ID, Actor{Admin: true})
	assert.Equal(t, pkgerrors.CodeGatewayUnavailable, pkgerrors.CodeOf(err))

	stored, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatePaid, stored.PaymentState)
}

func TestTrackResolvesEveryIdentifier(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 1)
	ctx := context.Background()

	for _, key := range []string{order.TrackingID, *order.OrderNumber, orderAggregateID(order)} {
		found, err := f.svc.Track(ctx, key)
		require.NoError(t, err, key)
		assert.Equal(t, order.ID, found.ID)
	}

	_, err := f.svc.Track(ctx, "sppix_9999999999999999")
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
	_, err = f.svc.Track(ctx, "nonsense")
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
}

func TestLocateFallsBackToIntent(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 1)
	ctx := context.Background()
	_, err := f.svc.MarkPaid(ctx, order.ID, paidOutcome(1000))
	require.NoError(t, err)

	found, err := f.svc.Locate(ctx, 0, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, order.ID, found.ID)

	found, err = f.svc.Locate(ctx, 424242, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, order.ID, found.ID)

	_, err = f.svc.Locate(ctx, 0, "")
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
}

func TestOrderViewRendersFixedPointMoney(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 3)

	stored, err := f.svc.Get(context.Background(), order.ID)
	require.NoError(t, err)
	view := NewOrderView(stored)
	assert.Equal(t, "30.00", view.Total)
	require.Len(t, view.Items, 1)
	assert.Equal(t, "10.00", view.Items[0].UnitPrice)
	assert.Equal(t, "30.00", view.Items[0].LineTotal)

	tracking := NewTrackingView(stored)
	assert.Equal(t, 3, tracking.ItemCount)
	assert.Equal(t, order.TrackingID, tracking.TrackingID)
}

// hangUpTx cancels the request context once the transaction commits, the way
// a client disconnecting mid-response does.
type hangUpTx struct {
	inner  txRunner
	cancel context.CancelFunc
}

func (h hangUpTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := h.inner.WithTx(ctx, fn)
	h.cancel()
	return err
}

func TestNoticeSurvivesCallerHangUp(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := bus.NewHub(nil)
	admin := bus.NewSubscriber("admin-hangup", 4)
	hub.Join(bus.GroupAdminBroadcast, admin)
	svc, err := NewService(ServiceParams{
		Repo:      NewRepository(f.conn),
		Tx:        hangUpTx{inner: db.FromGorm(f.conn), cancel: cancel},
		Outbox:    outbox.NewService(f.outbox, logger.Nop()),
		Inventory: inventory.NewLedger(),
		Bus:       hub,
		Allocator: identifiers.NewAllocator(),
		Logger:    logger.Nop(),
	})
	require.NoError(t, err)

	res, err := svc.MarkPaid(ctx, order.ID, paidOutcome(2000))
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Error(t, ctx.Err())

	frames := admin.Drain()
	require.Len(t, frames, 1)
	assert.Equal(t, string(enums.PaymentStatePaid), frames[0].Field("payment_state"))
}
