package orders

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/sppix/storefront-backend/pkg/db"
	"github.com/sppix/storefront-backend/pkg/db/models"
	"github.com/sppix/storefront-backend/pkg/enums"
)

// Repository persists orders, their line snapshots and payments. Finders
// return gorm.ErrRecordNotFound when nothing matches.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) error
	CreateItems(ctx context.Context, items []models.OrderItem) error
	Update(ctx context.Context, orderID uint64, updates map[string]any) error
	FindByID(ctx context.Context, orderID uint64) (*models.Order, error)
	FindByIDForUpdate(ctx context.Context, orderID uint64) (*models.Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	FindByTrackingID(ctx context.Context, trackingID string) (*models.Order, error)
	FindBySessionID(ctx context.Context, sessionID string) (*models.Order, error)
	FindByIntentID(ctx context.Context, intentID string) (*models.Order, error)
	TrackingIDExists(ctx context.Context, trackingID string) (bool, error)
	PaymentReferenceExists(ctx context.Context, reference string) (bool, error)
	ListAbandoned(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	List(ctx context.Context, limit, offset int) ([]models.Order, error)

	FindPaymentByIntent(ctx context.Context, intentID string) (*models.Payment, error)
	CreatePayment(ctx context.Context, payment *models.Payment) error
	UpdatePayment(ctx context.Context, paymentID string, updates map[string]any) error
	UpdatePaymentsForOrder(ctx context.Context, orderID uint64, fromStates []enums.PaymentRecordState, to enums.PaymentRecordState) error
	ListPayments(ctx context.Context, orderID uint64) ([]models.Payment, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(conn *gorm.DB) Repository {
	return &repository{db: conn}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) CreateItems(ctx context.Context, items []models.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&items).Error
}

func (r *repository) Update(ctx context.Context, orderID uint64, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", orderID).
		UpdateColumns(updates).Error
}

func (r *repository) FindByID(ctx context.Context, orderID uint64) (*models.Order, error) {
	return r.findOne(r.db.WithContext(ctx).Where("id = ?", orderID))
}

// FindByIDForUpdate locks the order row for the rest of the transaction.
func (r *repository) FindByIDForUpdate(ctx context.Context, orderID uint64) (*models.Order, error) {
	var order models.Order
	err := db.ForUpdate(r.db.WithContext(ctx)).Where("id = ?", orderID).Take(&order).Error
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	return r.findOne(r.db.WithContext(ctx).Where("order_number = ?", orderNumber))
}

func (r *repository) FindByTrackingID(ctx context.Context, trackingID string) (*models.Order, error) {
	return r.findOne(r.db.WithContext(ctx).Where("tracking_id = ?", trackingID))
}

func (r *repository) FindBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	return r.findOne(r.db.WithContext(ctx).Where("gateway_session_id = ?", sessionID))
}

func (r *repository) FindByIntentID(ctx context.Context, intentID string) (*models.Order, error) {
	order, err := r.findOne(r.db.WithContext(ctx).Where("gateway_intent_id = ?", intentID))
	if err == nil || !errors.Is(err, gorm.ErrRecordNotFound) {
		return order, err
	}
	payment, perr := r.FindPaymentByIntent(ctx, intentID)
	if perr != nil {
		return nil, perr
	}
	return r.FindByID(ctx, payment.OrderID)
}

func (r *repository) TrackingIDExists(ctx context.Context, trackingID string) (bool, error) {
	return r.exists(ctx, "tracking_id = ?", trackingID)
}

func (r *repository) PaymentReferenceExists(ctx context.Context, reference string) (bool, error) {
	return r.exists(ctx, "payment_reference = ?", reference)
}

// ListAbandoned returns unpaid or failed orders still pending fulfilment that
// were created before cutoff, oldest first.
func (r *repository) ListAbandoned(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("payment_state IN ?", []enums.PaymentState{enums.PaymentStateUnpaid, enums.PaymentStateFailed}).
		Where("fulfilment_state = ?", enums.FulfilmentPending).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *repository) List(ctx context.Context, limit, offset int) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Preload("Items", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&orders).Error
	return orders, err
}

func (r *repository) FindPaymentByIntent(ctx context.Context, intentID string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).Where("gateway_intent_id = ?", intentID).Take(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *repository) UpdatePayment(ctx context.Context, paymentID string, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ?", paymentID).
		UpdateColumns(updates).Error
}

func (r *repository) UpdatePaymentsForOrder(ctx context.Context, orderID uint64, fromStates []enums.PaymentRecordState, to enums.PaymentRecordState) error {
	return r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("order_id = ? AND state IN ?", orderID, fromStates).
		UpdateColumns(map[string]any{"state": to, "updated_at": time.Now().UTC()}).Error
}

func (r *repository) ListPayments(ctx context.Context, orderID uint64) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&payments).Error
	return payments, err
}

func (r *repository) findOne(query *gorm.DB) (*models.Order, error) {
	var order models.Order
	err := query.
		Preload("Items", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Take(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) loadItems(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).
		Where("order_id = ?", order.ID).
		Order("position ASC").
		Find(&order.Items).Error
}

func (r *repository) exists(ctx context.Context, clause string, arg any) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Order{}).Where(clause, arg).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
