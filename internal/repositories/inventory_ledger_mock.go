package repositories

import (
	"fmt"
	"sync"

	"wolfshop/internal/models"
)

type reservationKey struct {
	orderID   string
	productID string
}

// MockInventoryLedger is an in-memory implementation of InventoryLedger.
// The mutex gives it the same atomicity guarantees as the database-backed
// ledger, so the concurrency tests exercise real contention.
type MockInventoryLedger struct {
	stock        map[string]int
	reservations map[reservationKey]models.Reservation
	mu           sync.Mutex
}

// NewMockInventoryLedger creates a new instance of MockInventoryLedger.
func NewMockInventoryLedger() *MockInventoryLedger {
	return &MockInventoryLedger{
		stock:        make(map[string]int),
		reservations: make(map[reservationKey]models.Reservation),
	}
}

// SetStock seeds the available quantity for a product.
func (l *MockInventoryLedger) SetStock(productID string, qty int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stock[productID] = qty
}

// Reserve conditionally decrements the product's stock and records the
// reservation.
func (l *MockInventoryLedger) Reserve(orderID, productID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("reserve quantity must be positive, got %d", qty)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	available, ok := l.stock[productID]
	if !ok {
		return 0, fmt.Errorf("product %s: %w", productID, ErrProductNotFound)
	}
	if available < qty {
		return 0, fmt.Errorf("product %s (requested %d, available %d): %w",
			productID, qty, available, ErrInsufficientStock)
	}

	key := reservationKey{orderID: orderID, productID: productID}
	if _, exists := l.reservations[key]; exists {
		// A second reservation for the same pair would decrement stock
		// without growing the recorded quantity, so a later release would
		// under-credit. Refuse it.
		return 0, fmt.Errorf("order %s already holds a reservation for product %s", orderID, productID)
	}

	l.stock[productID] = available - qty
	l.reservations[key] = models.Reservation{
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  qty,
		Status:    models.ReservationReserved,
	}
	return l.stock[productID], nil
}

// Release credits back the order's held reservations exactly once.
func (l *MockInventoryLedger) Release(orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, res := range l.reservations {
		if key.orderID != orderID || res.Status != models.ReservationReserved {
			continue
		}
		l.stock[res.ProductID] += res.Quantity
		res.Status = models.ReservationReleased
		l.reservations[key] = res
	}
	return nil
}

// Available returns the product's current available quantity.
func (l *MockInventoryLedger) Available(productID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	available, ok := l.stock[productID]
	if !ok {
		return 0, fmt.Errorf("product %s: %w", productID, ErrProductNotFound)
	}
	return available, nil
}
