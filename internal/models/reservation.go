package models

import "time"

// ReservationStatus tracks whether a reservation's stock is still held.
type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "reserved"
	ReservationReleased ReservationStatus = "released"
)

// Reservation records a stock decrement made for one line of one order.
// The (OrderID, ProductID) pair is unique, which makes release idempotent:
// a row already flipped to released is never credited back a second time.
type Reservation struct {
	ID        uint              `gorm:"primaryKey"`
	OrderID   string            `gorm:"uniqueIndex:idx_reservation_order_product;type:varchar(36)"`
	ProductID string            `gorm:"uniqueIndex:idx_reservation_order_product;type:varchar(36)"`
	Quantity  int               `gorm:"not null"`
	Status    ReservationStatus `gorm:"type:varchar(20);index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
