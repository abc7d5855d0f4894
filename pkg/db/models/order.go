package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sppix/storefront-backend/pkg/enums"
	"github.com/sppix/storefront-backend/pkg/types"
)

// Order is a customer order with its two state axes.
type Order struct {
	ID               uint64                `gorm:"column:id;primaryKey;autoIncrement"`
	OrderNumber      *string               `gorm:"column:order_number;uniqueIndex:idx_orders_order_number"`
	TrackingID       string                `gorm:"column:tracking_id;not null;uniqueIndex:idx_orders_tracking_id"`
	PaymentReference *string               `gorm:"column:payment_reference;uniqueIndex:idx_orders_payment_reference"`
	UserID           *string               `gorm:"column:user_id;index"`
	CustomerEmail    string                `gorm:"column:customer_email;not null"`
	CustomerName     string                `gorm:"column:customer_name;not null;default:''"`
	CustomerPhone    string                `gorm:"column:customer_phone;not null;default:''"`
	ShippingAddress  types.Address         `gorm:"column:shipping_address;type:jsonb;not null"`
	BillingAddress   *types.Address        `gorm:"column:billing_address;type:jsonb"`
	Subtotal         decimal.Decimal       `gorm:"column:subtotal;type:numeric(12,2);not null"`
	ShippingCost     decimal.Decimal       `gorm:"column:shipping_cost;type:numeric(12,2);not null"`
	TaxAmount        decimal.Decimal       `gorm:"column:tax_amount;type:numeric(12,2);not null"`
	Total            decimal.Decimal       `gorm:"column:total;type:numeric(12,2);not null"`
	Currency         string                `gorm:"column:currency;not null;default:'gbp'"`
	FulfilmentState  enums.FulfilmentState `gorm:"column:fulfilment_state;not null;default:'pending'"`
	PaymentState     enums.PaymentState    `gorm:"column:payment_state;not null;default:'unpaid'"`
	PaymentMethod    string                `gorm:"column:payment_method;not null;default:'card'"`
	ShippingMethod   string                `gorm:"column:shipping_method;not null;default:''"`
	GatewaySessionID *string               `gorm:"column:gateway_session_id;index"`
	GatewayIntentID  *string               `gorm:"column:gateway_intent_id;index"`
	Items            []OrderItem           `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt        time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

// OrderItem is a frozen line snapshot.
type OrderItem struct {
	ID          uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID     uint64          `gorm:"column:order_id;not null;index"`
	ProductID   uint64          `gorm:"column:product_id;not null"`
	ProductName string          `gorm:"column:product_name;not null"`
	Quantity    int             `gorm:"column:quantity;not null"`
	UnitPrice   decimal.Decimal `gorm:"column:unit_price;type:numeric(12,2);not null"`
	Position    int             `gorm:"column:position;not null;default:0"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
}

// LineTotal is unit price times quantity.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
