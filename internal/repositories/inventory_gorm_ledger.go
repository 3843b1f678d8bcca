package repositories

import (
	"errors"
	"fmt"

	"wolfshop/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GORMInventoryLedger is a GORM implementation of InventoryLedger backed
// by the products and reservations tables.
type GORMInventoryLedger struct {
	db *gorm.DB
}

// NewGORMInventoryLedger creates a new instance of GORMInventoryLedger.
func NewGORMInventoryLedger(db *gorm.DB) *GORMInventoryLedger {
	return &GORMInventoryLedger{
		db: db,
	}
}

// Reserve conditionally decrements the product's stock and records the
// reservation. The decrement happens in a single UPDATE guarded by
// `stock >= qty`, so the database serializes concurrent reservations and
// the sum of successful ones never exceeds the stock that was available.
func (l *GORMInventoryLedger) Reserve(orderID, productID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("reserve quantity must be positive, got %d", qty)
	}

	var newAvailable int
	err := l.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Product{}).
			Where("id = ? AND stock >= ?", productID, qty).
			UpdateColumn("stock", gorm.Expr("stock - ?", qty))
		if res.Error != nil {
			return fmt.Errorf("failed to decrement stock of product %s: %w", productID, res.Error)
		}
		if res.RowsAffected == 0 {
			// Either the product does not exist or stock is short.
			var product models.Product
			if err := tx.First(&product, "id = ?", productID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("product %s: %w", productID, ErrProductNotFound)
				}
				return fmt.Errorf("failed to look up product %s: %w", productID, err)
			}
			return fmt.Errorf("product %s (requested %d, available %d): %w",
				productID, qty, product.Stock, ErrInsufficientStock)
		}

		reservation := models.Reservation{
			OrderID:   orderID,
			ProductID: productID,
			Quantity:  qty,
			Status:    models.ReservationReserved,
		}
		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&reservation)
		if ins.Error != nil {
			return fmt.Errorf("failed to record reservation for order %s: %w", orderID, ins.Error)
		}
		if ins.RowsAffected == 0 {
			// A reservation row for this pair already exists. Refuse the
			// duplicate so a later release credits exactly what this row
			// holds; rolling back the transaction undoes the decrement.
			return fmt.Errorf("order %s already holds a reservation for product %s", orderID, productID)
		}

		var product models.Product
		if err := tx.First(&product, "id = ?", productID).Error; err != nil {
			return fmt.Errorf("failed to read back stock of product %s: %w", productID, err)
		}
		newAvailable = product.Stock
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newAvailable, nil
}

// Release credits stock back for every reservation of the order that is
// still held. Each row is flipped to released by a guarded update before
// its stock is credited: the flip is the claim, and only the claimer
// credits, so concurrent releases of the same order never double-credit.
func (l *GORMInventoryLedger) Release(orderID string) error {
	return l.db.Transaction(func(tx *gorm.DB) error {
		var reservations []models.Reservation
		if err := tx.Where("order_id = ? AND status = ?", orderID, models.ReservationReserved).
			Find(&reservations).Error; err != nil {
			return fmt.Errorf("failed to load reservations of order %s: %w", orderID, err)
		}

		for _, res := range reservations {
			flip := tx.Model(&models.Reservation{}).
				Where("id = ? AND status = ?", res.ID, models.ReservationReserved).
				Update("status", models.ReservationReleased)
			if flip.Error != nil {
				return fmt.Errorf("failed to mark reservation %d of order %s released: %w",
					res.ID, orderID, flip.Error)
			}
			if flip.RowsAffected == 0 {
				// A concurrent release claimed this row first.
				continue
			}
			if err := tx.Model(&models.Product{}).
				Where("id = ?", res.ProductID).
				UpdateColumn("stock", gorm.Expr("stock + ?", res.Quantity)).Error; err != nil {
				return fmt.Errorf("failed to credit stock of product %s: %w", res.ProductID, err)
			}
		}
		return nil
	})
}

// Available returns the product's current available quantity.
func (l *GORMInventoryLedger) Available(productID string) (int, error) {
	var product models.Product
	if err := l.db.First(&product, "id = ?", productID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("product %s: %w", productID, ErrProductNotFound)
		}
		return 0, fmt.Errorf("failed to read stock of product %s: %w", productID, err)
	}
	return product.Stock, nil
}
