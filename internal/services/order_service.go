package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"wolfshop/internal/models"
	"wolfshop/internal/repositories"
	"wolfshop/pkg/payment"
	"wolfshop/pkg/rabbitmq"

	"github.com/google/uuid"
)

// PaymentGateway creates checkout sessions at the external payment
// provider.
type PaymentGateway interface {
	CreateSession(ctx context.Context, params payment.SessionParams) (sessionID, redirectURL string, err error)
}

// EventPublisher publishes order lifecycle events. The RabbitMQ client
// satisfies it.
type EventPublisher interface {
	Publish(routingKey string, body []byte) error
}

// OrderItemRequest is one requested line of a new order.
type OrderItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

// CreateOrderRequest is the input to CreateOrder. Prices are never part
// of it: the catalog price at creation time is the only price used.
type CreateOrderRequest struct {
	Items         []OrderItemRequest   `json:"items" validate:"required,min=1,dive"`
	Address       string               `json:"address" validate:"required"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
}

// OrderService coordinates the order lifecycle: cart validation,
// inventory reservation, order creation, payment session handling and
// webhook-driven finalization.
type OrderService struct {
	orderRepo   repositories.OrderRepository
	productRepo repositories.ProductRepository
	ledger      repositories.InventoryLedger
	gateway     PaymentGateway
	publisher   EventPublisher
	successURL  string
	cancelURL   string
}

// NewOrderService creates a new OrderService. publisher and gateway may
// be nil: events are then skipped and checkout sessions unavailable.
func NewOrderService(
	orderRepo repositories.OrderRepository,
	productRepo repositories.ProductRepository,
	ledger repositories.InventoryLedger,
	gateway PaymentGateway,
	publisher EventPublisher,
	successURL, cancelURL string,
) *OrderService {
	return &OrderService{
		orderRepo:   orderRepo,
		productRepo: productRepo,
		ledger:      ledger,
		gateway:     gateway,
		publisher:   publisher,
		successURL:  successURL,
		cancelURL:   cancelURL,
	}
}

// CreateOrder validates the cart, reserves inventory for every line and
// persists the order. Reservation is all-or-nothing: if any line cannot
// be reserved, every reservation made in this call is rolled back and the
// whole call fails.
//
// PaymentStatus is decided here, never taken from the client: cash on
// delivery orders are recorded Paid (payment confirmed out of band at
// handover), everything else starts Pending.
func (s *OrderService) CreateOrder(identity Identity, req CreateOrderRequest) (*models.Order, error) {
	items, err := normalizeItems(req.Items)
	if err != nil {
		return nil, err
	}
	if req.Address == "" {
		return nil, fmt.Errorf("delivery address is required: %w", ErrValidation)
	}
	method := req.PaymentMethod
	if method == "" {
		method = models.PaymentMethodStripe
	}
	if !method.Valid() {
		return nil, fmt.Errorf("unknown payment method %q: %w", req.PaymentMethod, ErrValidation)
	}

	// The order ID is allocated up front so reservations can be keyed by
	// it before the order row exists.
	orderID := uuid.New().String()

	var orderItems []models.OrderItem
	var total float64
	for _, item := range items {
		product, err := s.productRepo.GetByID(item.ProductID)
		if err != nil {
			s.rollbackReservations(orderID)
			return nil, fmt.Errorf("product %s: %w", item.ProductID, err)
		}

		if _, err := s.ledger.Reserve(orderID, item.ProductID, item.Quantity); err != nil {
			s.rollbackReservations(orderID)
			return nil, fmt.Errorf("failed to reserve %d of %s: %w", item.Quantity, product.Name, err)
		}

		orderItems = append(orderItems, models.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     product.Price, // snapshot, not a live reference
		})
		total += product.Price * float64(item.Quantity)
	}

	newOrder := &models.Order{
		ID:            orderID,
		UserID:        identity.UserID,
		Items:         orderItems,
		Total:         total,
		Address:       req.Address,
		PaymentMethod: method,
		PaymentStatus: models.PaymentStatusPending,
		Status:        models.OrderStatusPending,
	}
	if method == models.PaymentMethodCashOnDelivery {
		now := time.Now()
		newOrder.PaymentStatus = models.PaymentStatusPaid
		newOrder.PaidAt = &now
	}

	if err := s.orderRepo.Create(newOrder); err != nil {
		s.rollbackReservations(orderID)
		return nil, fmt.Errorf("failed to create order in repository: %w", err)
	}

	s.publishEvent(rabbitmq.KeyOrderCreated, newOrder)
	return newOrder, nil
}

// CheckoutResult is what a successful checkout-session call returns.
type CheckoutResult struct {
	Order       *models.Order `json:"order"`
	SessionRef  string        `json:"session_ref"`
	RedirectURL string        `json:"redirect_url"`
}

// CreateCheckoutSession creates a pending order and a payment session for
// it. If the gateway is unavailable the order and its reservation are
// kept: the reservation stays valid pending a retried StartPayment, so
// the caller gets the order back alongside the error.
func (s *OrderService) CreateCheckoutSession(ctx context.Context, identity Identity, req CreateOrderRequest) (*CheckoutResult, error) {
	req.PaymentMethod = models.PaymentMethodStripe
	order, err := s.CreateOrder(identity, req)
	if err != nil {
		return nil, err
	}

	sessionRef, redirectURL, err := s.startSession(ctx, identity, order)
	if err != nil {
		return &CheckoutResult{Order: order}, err
	}
	return &CheckoutResult{
		Order:       order,
		SessionRef:  sessionRef,
		RedirectURL: redirectURL,
	}, nil
}

// StartPayment creates a payment session for an existing pending order
// that has none yet. It is the retry path after a transient gateway
// failure during checkout.
func (s *OrderService) StartPayment(ctx context.Context, identity Identity, orderID string) (*CheckoutResult, error) {
	order, err := s.GetOrder(identity, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus != models.PaymentStatusPending || order.Status != models.OrderStatusPending {
		return nil, fmt.Errorf("order %s is %s/%s: %w", orderID, order.Status, order.PaymentStatus, ErrNotPayable)
	}
	if order.SessionID != nil {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrSessionExists)
	}

	sessionRef, redirectURL, err := s.startSession(ctx, identity, order)
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{
		Order:       order,
		SessionRef:  sessionRef,
		RedirectURL: redirectURL,
	}, nil
}

// startSession requests a gateway session for the order and stores the
// reference. The conditional SetSessionRef keeps the reference
// set-at-most-once under concurrent retries.
func (s *OrderService) startSession(ctx context.Context, identity Identity, order *models.Order) (string, string, error) {
	if s.gateway == nil {
		return "", "", fmt.Errorf("no payment gateway configured: %w", payment.ErrGatewayUnavailable)
	}

	lineItems := make([]payment.LineItem, 0, len(order.Items))
	for _, item := range order.Items {
		name := item.ProductID
		if product, err := s.productRepo.GetByID(item.ProductID); err == nil {
			name = product.Name
		}
		lineItems = append(lineItems, payment.LineItem{
			Name:      name,
			Quantity:  item.Quantity,
			UnitPrice: item.Price,
		})
	}

	sessionRef, redirectURL, err := s.gateway.CreateSession(ctx, payment.SessionParams{
		OrderID:       order.ID,
		Amount:        order.Total,
		Items:         lineItems,
		SuccessURL:    s.successURL,
		CancelURL:     s.cancelURL,
		CustomerEmail: identity.Username,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to create payment session for order %s: %w", order.ID, err)
	}

	ok, err := s.orderRepo.SetSessionRef(order.ID, sessionRef)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("order %s: %w", order.ID, ErrSessionExists)
	}
	order.SessionID = &sessionRef
	return sessionRef, redirectURL, nil
}

// ApplyPaymentEvent applies a verified webhook event to the order holding
// the event's session reference. Application is idempotent: the guarded
// payment-status update admits exactly one transition per target state,
// so replays and concurrent duplicate deliveries fall through as no-ops.
// An event for an unknown session is also a no-op, never an error, so the
// provider stops redelivering.
func (s *OrderService) ApplyPaymentEvent(event *payment.Event) error {
	sessionRef := event.SessionRef()
	if sessionRef == "" {
		log.Printf("Ignoring payment event %s without session reference", event.ID)
		return nil
	}

	order, err := s.orderRepo.GetBySessionRef(sessionRef)
	if err != nil {
		if repositories.IsNotFound(err) {
			log.Printf("Ignoring payment event %s for unknown session %s", event.ID, sessionRef)
			return nil
		}
		return err
	}

	switch {
	case event.Succeeded():
		now := time.Now()
		applied, err := s.orderRepo.UpdatePaymentStatus(order.ID,
			models.PaymentStatusPending, models.PaymentStatusPaid,
			models.OrderStatusProcessing, &now)
		if err != nil {
			return err
		}
		if !applied {
			log.Printf("Duplicate payment success for order %s (session %s), ignoring", order.ID, sessionRef)
			return nil
		}
		order.PaymentStatus = models.PaymentStatusPaid
		order.Status = models.OrderStatusProcessing
		order.PaidAt = &now
		s.publishEvent(rabbitmq.KeyOrderPaid, order)

	case event.Failed():
		applied, err := s.orderRepo.UpdatePaymentStatus(order.ID,
			models.PaymentStatusPending, models.PaymentStatusFailed, "", nil)
		if err != nil {
			return err
		}
		if !applied {
			log.Printf("Duplicate payment failure for order %s (session %s), ignoring", order.ID, sessionRef)
			return nil
		}
		// The sale did not complete, so the held stock goes back.
		if err := s.ledger.Release(order.ID); err != nil {
			return fmt.Errorf("failed to release inventory of order %s: %w", order.ID, err)
		}
		order.PaymentStatus = models.PaymentStatusFailed
		s.publishEvent(rabbitmq.KeyOrderPaymentFailed, order)

	default:
		log.Printf("Ignoring payment event %s of type %s", event.ID, event.Type)
	}
	return nil
}

// GetOrder fetches an order, permitting only its owner or an admin.
func (s *OrderService) GetOrder(identity Identity, id string) (*models.Order, error) {
	order, err := s.orderRepo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if order.UserID != identity.UserID && !identity.IsAdmin() {
		return nil, fmt.Errorf("order %s does not belong to caller: %w", id, ErrForbidden)
	}
	return order, nil
}

// GetMyOrders returns the caller's orders, newest first.
func (s *OrderService) GetMyOrders(identity Identity) ([]models.Order, error) {
	return s.orderRepo.GetByUser(identity.UserID)
}

// GetAllOrders returns every order, newest first. Admin only.
func (s *OrderService) GetAllOrders(identity Identity) ([]models.Order, error) {
	if !identity.IsAdmin() {
		return nil, fmt.Errorf("listing all orders: %w", ErrForbidden)
	}
	return s.orderRepo.GetAll()
}

// UpdateOrderRequest carries an administrative status override. Empty
// fields are left unchanged.
type UpdateOrderRequest struct {
	Status        models.OrderStatus   `json:"status"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
}

// UpdateOrder applies an administrative status override. Cancelling an
// unpaid order or manually failing/refunding its payment releases the
// held inventory once; a Paid order's inventory is never re-credited by
// an override.
func (s *OrderService) UpdateOrder(identity Identity, id string, req UpdateOrderRequest) (*models.Order, error) {
	if !identity.IsAdmin() {
		return nil, fmt.Errorf("updating order %s: %w", id, ErrForbidden)
	}
	if req.Status == "" && req.PaymentStatus == "" {
		return nil, fmt.Errorf("nothing to update: %w", ErrValidation)
	}
	if req.Status != "" && !req.Status.Valid() {
		return nil, fmt.Errorf("invalid order status %q: %w", req.Status, ErrValidation)
	}
	if req.PaymentStatus != "" && !req.PaymentStatus.Valid() {
		return nil, fmt.Errorf("invalid payment status %q: %w", req.PaymentStatus, ErrValidation)
	}

	order, err := s.orderRepo.GetByID(id)
	if err != nil {
		return nil, err
	}

	wasPaid := order.PaymentStatus == models.PaymentStatusPaid
	if req.Status != "" {
		order.Status = req.Status
	}
	if req.PaymentStatus != "" {
		order.PaymentStatus = req.PaymentStatus
	}
	if order.PaymentStatus == models.PaymentStatusPaid && order.PaidAt == nil {
		// paidAt is stamped on the transition into Paid, whichever path
		// makes it, and never overwritten afterwards.
		now := time.Now()
		order.PaidAt = &now
	}

	if err := s.orderRepo.Update(order); err != nil {
		return nil, err
	}

	cancelled := order.Status == models.OrderStatusCancelled
	failed := order.PaymentStatus == models.PaymentStatusFailed ||
		order.PaymentStatus == models.PaymentStatusRefunded
	if (cancelled || failed) && !wasPaid {
		if err := s.ledger.Release(order.ID); err != nil {
			return nil, fmt.Errorf("failed to release inventory of order %s: %w", order.ID, err)
		}
	}
	return order, nil
}

// DeleteOrder removes an order. Admin only, and refused outright once the
// order is paid. Deleting an unpaid order releases whatever it still
// holds.
func (s *OrderService) DeleteOrder(identity Identity, id string) error {
	if !identity.IsAdmin() {
		return fmt.Errorf("deleting order %s: %w", id, ErrForbidden)
	}
	order, err := s.orderRepo.GetByID(id)
	if err != nil {
		return err
	}
	if order.PaymentStatus == models.PaymentStatusPaid {
		return fmt.Errorf("order %s: %w", id, ErrOrderPaid)
	}
	if err := s.ledger.Release(order.ID); err != nil {
		return fmt.Errorf("failed to release inventory of order %s: %w", order.ID, err)
	}
	return s.orderRepo.Delete(id)
}

// normalizeItems validates the requested lines and merges duplicates of
// the same product, so each product carries at most one reservation per
// order.
func normalizeItems(items []OrderItemRequest) ([]OrderItemRequest, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("at least one item is required: %w", ErrValidation)
	}
	index := make(map[string]int, len(items))
	var merged []OrderItemRequest
	for _, item := range items {
		if item.ProductID == "" {
			return nil, fmt.Errorf("item product_id is required: %w", ErrValidation)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("item quantity must be positive, got %d: %w", item.Quantity, ErrValidation)
		}
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}

// rollbackReservations undoes this call's reservations after a failure.
func (s *OrderService) rollbackReservations(orderID string) {
	if err := s.ledger.Release(orderID); err != nil {
		log.Printf("Failed to roll back reservations of order %s: %v", orderID, err)
	}
}

// publishEvent publishes an order lifecycle event, tolerating a missing
// publisher the way the rest of the wiring tolerates missing RabbitMQ.
func (s *OrderService) publishEvent(routingKey string, order *models.Order) {
	if s.publisher == nil {
		log.Println("Event publisher is not initialized. Skipping message publication.")
		return
	}
	body, err := json.Marshal(map[string]interface{}{
		"order_id":       order.ID,
		"user_id":        order.UserID,
		"status":         order.Status,
		"payment_status": order.PaymentStatus,
		"total":          order.Total,
	})
	if err != nil {
		log.Printf("Failed to marshal order event: %v", err)
		return
	}
	if err := s.publisher.Publish(routingKey, body); err != nil {
		log.Printf("Warning: Failed to publish %s event for order %s: %v", routingKey, order.ID, err)
		return
	}
	log.Printf("Published %s event for order %s", routingKey, order.ID)
}
