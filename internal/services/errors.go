package services

import (
	"errors"

	"wolfshop/internal/models"
)

// Sentinel errors for business rule failures. Handlers map them to HTTP
// status codes with errors.Is; repository errors (not found, insufficient
// stock) pass through wrapped.
var (
	ErrValidation    = errors.New("validation failed")
	ErrForbidden     = errors.New("forbidden")
	ErrOrderPaid     = errors.New("order already paid")
	ErrSessionExists = errors.New("payment session already created")
	ErrNotPayable    = errors.New("order is not awaiting payment")
)

// Identity is the authenticated caller, threaded explicitly through
// service calls instead of being smuggled through request state.
type Identity struct {
	UserID   string
	Username string
	Role     models.Role
}

// IsAdmin reports whether the identity carries the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == models.RoleAdmin
}
