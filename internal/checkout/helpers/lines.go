package helpers

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sppix/storefront-backend/internal/gateway"
	"github.com/sppix/storefront-backend/internal/inventory"
	"github.com/sppix/storefront-backend/pkg/db/models"
	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
)

// Labels of the extra provider lines. Tax gets its own line so the session
// total always equals the order total.
const (
	ShippingLineName = "Shipping"
	TaxLineName      = "Tax"
)

// PriceLines snapshots each normalized line at the current product price and
// returns the lines with their subtotal. Missing or inactive products fail
// with INVALID_LINE.
func PriceLines(items []inventory.Item, products map[uint64]models.Product) ([]models.OrderItem, decimal.Decimal, error) {
	lines := make([]models.OrderItem, 0, len(items))
	subtotal := decimal.Zero
	for i, item := range items {
		product, ok := products[item.ProductID]
		if !ok {
			return nil, decimal.Zero, invalidLine(item.ProductID, "does not exist")
		}
		if !product.Active {
			return nil, decimal.Zero, invalidLine(item.ProductID, "is not available")
		}
		if product.Price.IsNegative() {
			return nil, decimal.Zero, invalidLine(item.ProductID, "has an invalid price")
		}
		line := models.OrderItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    item.Quantity,
			UnitPrice:   product.Price,
			Position:    i,
		}
		subtotal = subtotal.Add(line.LineTotal())
		lines = append(lines, line)
	}
	return lines, subtotal, nil
}

// GatewayLines converts order lines into provider line items, appending
// shipping and tax as their own lines when non-zero.
func GatewayLines(lines []models.OrderItem, shipping, tax decimal.Decimal) []gateway.LineItem {
	out := make([]gateway.LineItem, 0, len(lines)+2)
	for _, line := range lines {
		out = append(out, gateway.LineItem{
			Name:            line.ProductName,
			UnitAmountMinor: gateway.ToMinorUnits(line.UnitPrice),
			Quantity:        int64(line.Quantity),
		})
	}
	if shipping.IsPositive() {
		out = append(out, gateway.LineItem{
			Name:            ShippingLineName,
			UnitAmountMinor: gateway.ToMinorUnits(shipping),
			Quantity:        1,
		})
	}
	if tax.IsPositive() {
		out = append(out, gateway.LineItem{
			Name:            TaxLineName,
			UnitAmountMinor: gateway.ToMinorUnits(tax),
			Quantity:        1,
		})
	}
	return out
}

func invalidLine(productID uint64, reason string) error {
	return pkgerrors.New(pkgerrors.CodeInvalidLine, fmt.Sprintf("product %d %s", productID, reason)).
		WithDetails(map[string]any{"product": productID})
}
