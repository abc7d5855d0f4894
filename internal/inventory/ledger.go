package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"github.com/sppix/storefront-backend/pkg/db"
	"github.com/sppix/storefront-backend/pkg/db/models"
	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
)

// Item is a requested quantity of one product.
type Item struct {
	ProductID uint64
	Quantity  int
}

// Shortfall describes a line that cannot be served from current stock.
type Shortfall struct {
	ProductID uint64 `json:"product"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// Ledger reserves and releases Product.stock. Reservations are stock
// decrements made under row locks inside the caller's transaction, so a
// rollback releases them.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Normalize merges duplicate product lines and sorts by ascending product key,
// the canonical lock order.
func Normalize(items []Item) ([]Item, error) {
	merged := make(map[uint64]int, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeInvalidLine,
				fmt.Sprintf("quantity for product %d must be positive", item.ProductID))
		}
		merged[item.ProductID] += item.Quantity
	}
	out := make([]Item, 0, len(merged))
	for id, qty := range merged {
		out = append(out, Item{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// Check lists shortfalls without taking locks.
func (l *Ledger) Check(ctx context.Context, conn *gorm.DB, items []Item) ([]Shortfall, error) {
	normalized, err := Normalize(items)
	if err != nil {
		return nil, err
	}
	shortfalls := []Shortfall{}
	for _, item := range normalized {
		var product models.Product
		if err := conn.WithContext(ctx).Select("id", "stock").First(&product, item.ProductID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				shortfalls = append(shortfalls, Shortfall{ProductID: item.ProductID, Requested: item.Quantity})
				continue
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load product stock")
		}
		if product.Stock < item.Quantity {
			shortfalls = append(shortfalls, Shortfall{ProductID: item.ProductID, Requested: item.Quantity, Available: product.Stock})
		}
	}
	return shortfalls, nil
}

// LockProducts loads products with exclusive row locks in ascending key
// order. Missing keys are simply absent from the result.
func (l *Ledger) LockProducts(ctx context.Context, tx *gorm.DB, productIDs []uint64) (map[uint64]models.Product, error) {
	ids := append([]uint64(nil), productIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make(map[uint64]models.Product, len(ids))
	for _, id := range ids {
		if _, done := out[id]; done {
			continue
		}
		var product models.Product
		err := db.ForUpdate(tx.WithContext(ctx)).Where("id = ?", id).Take(&product).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock product row")
		}
		out[id] = product
	}
	return out, nil
}

// Reserve decrements stock for every line or for none. It locks rows itself,
// so callers that already hold the locks (the checkout orchestrator) pay only
// a re-read.
func (l *Ledger) Reserve(ctx context.Context, tx *gorm.DB, items []Item, orderKey string) error {
	normalized, err := Normalize(items)
	if err != nil {
		return err
	}

	ids := make([]uint64, 0, len(normalized))
	for _, item := range normalized {
		ids = append(ids, item.ProductID)
	}
	locked, err := l.LockProducts(ctx, tx, ids)
	if err != nil {
		return err
	}

	shortfalls := []Shortfall{}
	for _, item := range normalized {
		product, ok := locked[item.ProductID]
		if !ok {
			return pkgerrors.New(pkgerrors.CodeInvalidLine, fmt.Sprintf("product %d does not exist", item.ProductID))
		}
		if product.Stock < item.Quantity {
			shortfalls = append(shortfalls, Shortfall{
				ProductID: item.ProductID,
				Requested: item.Quantity,
				Available: product.Stock,
			})
		}
	}
	if len(shortfalls) > 0 {
		return InsufficientStock(shortfalls)
	}

	for _, item := range normalized {
		res := tx.WithContext(ctx).
			Model(&models.Product{}).
			Where("id = ? AND stock >= ?", item.ProductID, item.Quantity).
			UpdateColumn("stock", gorm.Expr("stock - ?", item.Quantity))
		if res.Error != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "decrement stock for order "+orderKey)
		}
		if res.RowsAffected != 1 {
			// Only reachable without row locks (SQLite); treat as a lost race.
			return InsufficientStock([]Shortfall{{ProductID: item.ProductID, Requested: item.Quantity}})
		}
	}
	return nil
}

// Release returns units to stock, in the same lock order as Reserve.
func (l *Ledger) Release(ctx context.Context, tx *gorm.DB, items []Item) error {
	normalized, err := Normalize(items)
	if err != nil {
		return err
	}
	for _, item := range normalized {
		res := tx.WithContext(ctx).
			Model(&models.Product{}).
			Where("id = ?", item.ProductID).
			UpdateColumn("stock", gorm.Expr("stock + ?", item.Quantity))
		if res.Error != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "release stock")
		}
	}
	return nil
}

// Commit finalises a reservation. Stock was already decremented by Reserve,
// so there is nothing to write.
func (l *Ledger) Commit(ctx context.Context, tx *gorm.DB, orderKey string) error {
	return nil
}

// InsufficientStock builds the business-rule error carrying the shortfalls.
func InsufficientStock(shortfalls []Shortfall) error {
	return pkgerrors.New(pkgerrors.CodeInsufficientStock, "insufficient stock for one or more lines").
		WithDetails(map[string]any{"shortfalls": shortfalls})
}
