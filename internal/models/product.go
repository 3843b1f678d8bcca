package models

import "gorm.io/gorm"

// Product represents a product in the store. Stock is the authoritative
// available quantity; it is mutated only through the inventory ledger.
type Product struct {
	ID          string  `json:"id" gorm:"primaryKey;type:varchar(36)" validate:"omitempty,uuid"`
	Name        string  `json:"name" validate:"required,min=3,max=100"`
	Slug        string  `json:"slug" gorm:"uniqueIndex;type:varchar(120)"`
	Description string  `json:"description" validate:"omitempty,max=500"`
	Price       float64 `json:"price" validate:"required,gt=0"`
	Stock       int     `json:"stock" validate:"gte=0"`
	Category    string  `json:"category" validate:"omitempty,max=100"`
	gorm.Model          // Embed gorm.Model for CreatedAt, UpdatedAt, DeletedAt
}
