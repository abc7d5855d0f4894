package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sppix/storefront-backend/pkg/enums"
)

// Payment records one provider-side charge. GatewayIntentID is unique so a
// replayed callback can only ever upsert the same row.
type Payment struct {
	ID               string                   `gorm:"column:id;primaryKey"`
	OrderID          uint64                   `gorm:"column:order_id;not null;index"`
	GatewayIntentID  string                   `gorm:"column:gateway_intent_id;not null;uniqueIndex:idx_payments_gateway_intent_id"`
	GatewaySessionID *string                  `gorm:"column:gateway_session_id"`
	Amount           decimal.Decimal          `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency         string                   `gorm:"column:currency;not null"`
	State            enums.PaymentRecordState `gorm:"column:state;not null;default:'pending'"`
	CreatedAt        time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}
