package checkout

import (
	"github.com/shopspring/decimal"

	"github.com/sppix/storefront-backend/internal/inventory"
	"github.com/sppix/storefront-backend/pkg/types"
)

// Line is one requested cart line. UnitPriceClaimed is what the client
// displayed; it is ignored in favour of the current product price.
type Line struct {
	ProductID        uint64
	Quantity         int
	UnitPriceClaimed *decimal.Decimal
}

// Request is the create-and-checkout input.
type Request struct {
	Items           []Line
	CustomerEmail   string
	CustomerName    string
	CustomerPhone   string
	ShippingAddress types.Address
	BillingAddress  *types.Address
	ShippingCost    decimal.Decimal
	TaxAmount       decimal.Decimal
	ShippingMethod  string
	PaymentMethod   string
	IdempotencyKey  string
	UserID          string
}

func (r Request) inventoryItems() []inventory.Item {
	items := make([]inventory.Item, 0, len(r.Items))
	for _, line := range r.Items {
		items = append(items, inventory.Item{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return items
}

// Result is returned once the order is committed with its session bound.
type Result struct {
	OrderID          uint64
	OrderNumber      string
	TrackingID       string
	RedirectURL      string
	GatewaySessionID string
	Total            decimal.Decimal
	Currency         string
}
