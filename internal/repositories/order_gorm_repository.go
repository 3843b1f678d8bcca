package repositories

import (
	"errors"
	"fmt"
	"time"

	"wolfshop/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GORMOrderRepository is a GORM implementation of OrderRepository.
type GORMOrderRepository struct {
	db *gorm.DB
}

// NewGORMOrderRepository creates a new instance of GORMOrderRepository.
func NewGORMOrderRepository(db *gorm.DB) *GORMOrderRepository {
	return &GORMOrderRepository{
		db: db,
	}
}

// Create persists a new order together with its line items.
func (r *GORMOrderRepository) Create(order *models.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}
	if err := r.db.Create(order).Error; err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetByID retrieves a single order with its items.
func (r *GORMOrderRepository) GetByID(id string) (*models.Order, error) {
	var order models.Order
	if err := r.db.Preload("Items").First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order %s: %w", id, ErrOrderNotFound)
		}
		return nil, fmt.Errorf("failed to get order by ID %s: %w", id, err)
	}
	return &order, nil
}

// GetByUser retrieves a user's orders, newest first.
func (r *GORMOrderRepository) GetByUser(userID string) ([]models.Order, error) {
	var orders []models.Order
	if err := r.db.Preload("Items").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to get orders for user %s: %w", userID, err)
	}
	return orders, nil
}

// GetAll retrieves all orders, newest first.
func (r *GORMOrderRepository) GetAll() ([]models.Order, error) {
	var orders []models.Order
	if err := r.db.Preload("Items").
		Order("created_at DESC").
		Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to get all orders: %w", err)
	}
	return orders, nil
}

// GetBySessionRef retrieves the order holding the given payment session
// reference.
func (r *GORMOrderRepository) GetBySessionRef(sessionRef string) (*models.Order, error) {
	var order models.Order
	if err := r.db.Preload("Items").First(&order, "session_id = ?", sessionRef).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order for session %s: %w", sessionRef, ErrOrderNotFound)
		}
		return nil, fmt.Errorf("failed to get order by session ref %s: %w", sessionRef, err)
	}
	return &order, nil
}

// SetSessionRef stores the session reference only if the order has none.
func (r *GORMOrderRepository) SetSessionRef(id string, sessionRef string) (bool, error) {
	res := r.db.Model(&models.Order{}).
		Where("id = ? AND session_id IS NULL", id).
		Update("session_id", sessionRef)
	if res.Error != nil {
		return false, fmt.Errorf("failed to set session ref on order %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// UpdatePaymentStatus applies the payment transition guarded by the
// current paymentStatus. The WHERE clause is the compare half of the
// compare-and-set: concurrent duplicate deliveries race on it and exactly
// one wins.
func (r *GORMOrderRepository) UpdatePaymentStatus(id string, from, to models.PaymentStatus, newStatus models.OrderStatus, paidAt *time.Time) (bool, error) {
	updates := map[string]interface{}{"payment_status": to}
	if newStatus != "" {
		updates["status"] = newStatus
	}
	if paidAt != nil {
		updates["paid_at"] = paidAt
	}
	res := r.db.Model(&models.Order{}).
		Where("id = ? AND payment_status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update payment status of order %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Update saves administrative changes to an order's status fields.
func (r *GORMOrderRepository) Update(order *models.Order) error {
	updates := map[string]interface{}{
		"status":         order.Status,
		"payment_status": order.PaymentStatus,
	}
	if order.PaidAt != nil {
		updates["paid_at"] = order.PaidAt
	}
	res := r.db.Model(&models.Order{}).
		Where("id = ?", order.ID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update order %s: %w", order.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order %s: %w", order.ID, ErrOrderNotFound)
	}
	return nil
}

// Delete removes an order and its items.
func (r *GORMOrderRepository) Delete(id string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Order{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete order %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("order %s: %w", id, ErrOrderNotFound)
		}
		if err := tx.Delete(&models.OrderItem{}, "order_id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete items of order %s: %w", id, err)
		}
		return nil
	})
}
