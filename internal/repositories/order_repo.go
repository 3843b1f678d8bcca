package repositories

import (
	"time"

	"wolfshop/internal/models"
)

// OrderRepository defines the interface for order data access.
//
// UpdatePaymentStatus and SetSessionRef are conditional writes: they apply
// only when the stored row still matches the expected prior state, and
// report whether they won. The order service relies on this to serialize
// duplicate webhook deliveries and duplicate session creation.
type OrderRepository interface {
	Create(order *models.Order) error
	GetByID(id string) (*models.Order, error)
	GetByUser(userID string) ([]models.Order, error)
	GetAll() ([]models.Order, error)
	GetBySessionRef(sessionRef string) (*models.Order, error)
	// SetSessionRef stores the payment session reference if none is set
	// yet. Returns false when a reference is already present.
	SetSessionRef(id string, sessionRef string) (bool, error)
	// UpdatePaymentStatus moves paymentStatus from `from` to `to`,
	// optionally advancing the fulfillment status and stamping paidAt.
	// Returns false when the order's paymentStatus no longer equals
	// `from`, i.e. another delivery already applied the transition.
	UpdatePaymentStatus(id string, from, to models.PaymentStatus, newStatus models.OrderStatus, paidAt *time.Time) (bool, error)
	Update(order *models.Order) error
	Delete(id string) error
}
