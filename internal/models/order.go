package models

import "time"

// OrderStatus is the fulfillment state of an order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "Pending"
	OrderStatusProcessing OrderStatus = "Processing"
	OrderStatusShipped    OrderStatus = "Shipped"
	OrderStatusDelivered  OrderStatus = "Delivered"
	OrderStatusCancelled  OrderStatus = "Cancelled"
)

// Valid reports whether s is one of the known order statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// PaymentStatus is the payment state of an order.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "Pending"
	PaymentStatusPaid     PaymentStatus = "Paid"
	PaymentStatusFailed   PaymentStatus = "Failed"
	PaymentStatusRefunded PaymentStatus = "Refunded"
)

// Valid reports whether p is one of the known payment statuses.
func (p PaymentStatus) Valid() bool {
	switch p {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// PaymentMethod is how the customer pays for an order.
type PaymentMethod string

const (
	PaymentMethodStripe         PaymentMethod = "stripe"
	PaymentMethodCashOnDelivery PaymentMethod = "cod"
)

// Valid reports whether m is one of the known payment methods.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodStripe || m == PaymentMethodCashOnDelivery
}

// OrderItem is a single line of an order. Price is a snapshot of the
// catalog price at the time the order was created; later catalog changes
// never affect it.
type OrderItem struct {
	ID        uint    `json:"-" gorm:"primaryKey"`
	OrderID   string  `json:"-" gorm:"index;type:varchar(36)"`
	ProductID string  `json:"product_id" gorm:"type:varchar(36)"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// Order is a customer order. Items and Total are immutable once the order
// is created; Status and PaymentStatus are mutated only by the order
// service.
type Order struct {
	ID            string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID        string        `json:"user_id" gorm:"index;type:varchar(36)"`
	Items         []OrderItem   `json:"items" gorm:"foreignKey:OrderID"`
	Total         float64       `json:"total"`
	Address       string        `json:"address"`
	PaymentMethod PaymentMethod `json:"payment_method" gorm:"type:varchar(20)"`
	PaymentStatus PaymentStatus `json:"payment_status" gorm:"type:varchar(20);index"`
	Status        OrderStatus   `json:"status" gorm:"type:varchar(20)"`
	// SessionID references the payment provider's checkout session. A
	// pointer keeps the unique index sparse: unset refs are NULL, not "".
	SessionID *string    `json:"session_id,omitempty" gorm:"uniqueIndex;type:varchar(255)"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ComputedTotal returns the sum of quantity*price across the order's items.
func (o *Order) ComputedTotal() float64 {
	var total float64
	for _, item := range o.Items {
		total += float64(item.Quantity) * item.Price
	}
	return total
}
