package repositories

// InventoryLedger holds the authoritative available quantity per product.
//
// Reserve is an atomic conditional decrement: two concurrent reservations
// whose sum exceeds the available stock must not both succeed. Every
// reservation is recorded against its order, so Release can credit stock
// back exactly once per logical reservation no matter how many times it
// is invoked.
type InventoryLedger interface {
	// Reserve decrements the product's stock by qty on behalf of the
	// order. Returns the new available quantity, or ErrInsufficientStock
	// when the decrement would go negative.
	Reserve(orderID, productID string, qty int) (int, error)
	// Release credits back every reservation of the order that is still
	// held. Calling it again for the same order is a no-op.
	Release(orderID string) error
	// Available returns the product's current available quantity.
	Available(productID string) (int, error)
}
