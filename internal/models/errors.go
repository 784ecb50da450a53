package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrTicketNotFound       = errors.New("ticket not found")
	ErrNoInventory          = errors.New("no ticket type available for sale")
	ErrDiscountInvalid      = errors.New("discount code is not valid")
	ErrDiscountLimitReached = errors.New("discount code usage limit reached")
	ErrReferralInvalid      = errors.New("referral code is not valid")
	ErrSyncLocked           = errors.New("order is locked against automatic sync")
	ErrOrderNotLocked       = errors.New("order must be sync-locked first")
	ErrConfirmationMismatch = errors.New("confirmation does not match")
	ErrForbidden            = errors.New("operator is not allowed to perform this action")
	ErrTicketPending        = errors.New("pending tickets cannot be reset")
	ErrInvalidStatus        = errors.New("unknown order status")
	ErrUnauthorized         = errors.New("authentication required")
	ErrReconcileInProgress  = errors.New("a reconcile for this order is already running")
)

// ValidationError carries per-field problems from request validation.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, problem string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: problem}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// DuplicateContactError means another live order already uses the contact field.
type DuplicateContactError struct {
	Field string
}

func (e *DuplicateContactError) Error() string {
	return fmt.Sprintf("an active order already exists for this %s", e.Field)
}
