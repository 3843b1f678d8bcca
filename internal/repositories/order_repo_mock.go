package repositories

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"wolfshop/internal/models"

	"github.com/google/uuid"
)

// MockOrderRepository is an in-memory implementation of OrderRepository.
// The conditional writes hold the same guarantees as the GORM version,
// serialized by the mutex.
type MockOrderRepository struct {
	orders map[string]models.Order
	mu     sync.RWMutex
}

// NewMockOrderRepository creates a new instance of MockOrderRepository.
func NewMockOrderRepository() *MockOrderRepository {
	return &MockOrderRepository{
		orders: make(map[string]models.Order),
	}
}

// Create adds a new order.
func (r *MockOrderRepository) Create(order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}
	order.CreatedAt = time.Now()
	order.UpdatedAt = time.Now()
	r.orders[order.ID] = *order
	return nil
}

// GetByID returns an order by its ID.
func (r *MockOrderRepository) GetByID(id string) (*models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrOrderNotFound)
	}
	return &order, nil
}

// GetByUser returns a user's orders, newest first.
func (r *MockOrderRepository) GetByUser(userID string) ([]models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var orders []models.Order
	for _, order := range r.orders {
		if order.UserID == userID {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// GetAll returns all orders, newest first.
func (r *MockOrderRepository) GetAll() ([]models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	orders := make([]models.Order, 0, len(r.orders))
	for _, order := range r.orders {
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// GetBySessionRef returns the order holding the given session reference.
func (r *MockOrderRepository) GetBySessionRef(sessionRef string) (*models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, order := range r.orders {
		if order.SessionID != nil && *order.SessionID == sessionRef {
			found := order
			return &found, nil
		}
	}
	return nil, fmt.Errorf("order for session %s: %w", sessionRef, ErrOrderNotFound)
}

// SetSessionRef stores the session reference only if the order has none.
func (r *MockOrderRepository) SetSessionRef(id string, sessionRef string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok || order.SessionID != nil {
		return false, nil
	}
	order.SessionID = &sessionRef
	order.UpdatedAt = time.Now()
	r.orders[id] = order
	return true, nil
}

// UpdatePaymentStatus applies the guarded payment transition.
func (r *MockOrderRepository) UpdatePaymentStatus(id string, from, to models.PaymentStatus, newStatus models.OrderStatus, paidAt *time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok || order.PaymentStatus != from {
		return false, nil
	}
	order.PaymentStatus = to
	if newStatus != "" {
		order.Status = newStatus
	}
	if paidAt != nil {
		order.PaidAt = paidAt
	}
	order.UpdatedAt = time.Now()
	r.orders[id] = order
	return true, nil
}

// Update saves administrative changes to an order's status fields.
func (r *MockOrderRepository) Update(order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.orders[order.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", order.ID, ErrOrderNotFound)
	}
	existing.Status = order.Status
	existing.PaymentStatus = order.PaymentStatus
	if order.PaidAt != nil {
		existing.PaidAt = order.PaidAt
	}
	existing.UpdatedAt = time.Now()
	r.orders[order.ID] = existing
	return nil
}

// Delete removes an order.
func (r *MockOrderRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[id]; !ok {
		return fmt.Errorf("order %s: %w", id, ErrOrderNotFound)
	}
	delete(r.orders, id)
	return nil
}
