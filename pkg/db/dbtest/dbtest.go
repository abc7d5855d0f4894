// Package dbtest opens throwaway SQLite databases carrying the storefront
// schema for repository and service tests.
package dbtest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/sppix/storefront-backend/pkg/db/models"
)

// Open returns a fresh in-memory database with every model migrated.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:storefront_%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	// A single connection serializes writers; shared-cache SQLite reports
	// table locks instead of waiting.
	sqlDB.SetMaxOpenConns(1)
	if err := conn.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return conn
}

// SeedProduct inserts an active product.
func SeedProduct(t testing.TB, conn *gorm.DB, name string, price string, stock int) models.Product {
	t.Helper()
	product := models.Product{
		Name:   name,
		Price:  decimal.RequireFromString(price),
		Stock:  stock,
		Active: true,
	}
	if err := conn.Create(&product).Error; err != nil {
		t.Fatalf("seed product %s: %v", name, err)
	}
	return product
}

// Stock reloads the current stock of a product.
func Stock(t testing.TB, conn *gorm.DB, productID uint64) int {
	t.Helper()
	var product models.Product
	if err := conn.First(&product, productID).Error; err != nil {
		t.Fatalf("load product %d: %v", productID, err)
	}
	return product.Stock
}
