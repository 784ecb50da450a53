package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	CategoryInternal = "internal"
	CategoryExternal = "external"
)

type Order struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID          int64  `bun:"id,pk,autoincrement" json:"id"`
	OrderNumber string `bun:"order_number,notnull,unique" json:"order_number"`

	BuyerName  string `bun:"buyer_name,notnull" json:"buyer_name"`
	BuyerEmail string `bun:"buyer_email,notnull" json:"buyer_email"`
	BuyerPhone string `bun:"buyer_phone,notnull" json:"buyer_phone"`

	TicketTypeID         int64  `bun:"ticket_type_id,notnull" json:"ticket_type_id"`
	Category             string `bun:"category,notnull" json:"category"`
	TicketQuantity       int    `bun:"ticket_quantity,notnull" json:"ticket_quantity"`
	UnitPrice            int64  `bun:"unit_price,notnull" json:"unit_price"`
	Amount               int64  `bun:"amount,notnull" json:"amount"`
	DiscountAmount       int64  `bun:"discount_amount,notnull" json:"discount_amount"`
	BundleDiscountAmount int64  `bun:"bundle_discount_amount,notnull" json:"bundle_discount_amount"`
	FinalAmount          int64  `bun:"final_amount,notnull" json:"final_amount"`
	DiscountCodeID       *int64 `bun:"discount_code_id" json:"discount_code_id,omitempty"`
	ReferralCodeID       *int64 `bun:"referral_code_id" json:"referral_code_id,omitempty"`

	Status           string     `bun:"status,notnull" json:"status"`
	PaidAt           *time.Time `bun:"paid_at" json:"paid_at,omitempty"`
	SyncLocked       bool       `bun:"sync_locked,notnull" json:"sync_locked"`
	SyncLockedReason string     `bun:"sync_locked_reason" json:"sync_locked_reason,omitempty"`
	SyncLockedBy     string     `bun:"sync_locked_by" json:"sync_locked_by,omitempty"`
	SyncLockedAt     *time.Time `bun:"sync_locked_at" json:"sync_locked_at,omitempty"`

	GatewayTxnID   string     `bun:"gateway_txn_id" json:"gateway_txn_id,omitempty"`
	PaymentType    string     `bun:"payment_type" json:"payment_type,omitempty"`
	GatewayPayload string     `bun:"gateway_payload" json:"-"`
	LastSyncedAt   *time.Time `bun:"last_synced_at" json:"last_synced_at,omitempty"`

	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`

	Tickets []*Ticket `bun:"rel:has-many,join:id=order_id" json:"tickets,omitempty"`
}

// CheckoutRequest is the public purchase form.
type CheckoutRequest struct {
	BuyerName    string `json:"buyer_name" validate:"required,max=120"`
	BuyerEmail   string `json:"buyer_email" validate:"required,email,max=160"`
	BuyerPhone   string `json:"buyer_phone" validate:"required,min=6,max=20"`
	Quantity     int    `json:"quantity" validate:"required,min=1,max=10"`
	TicketTypeID int64  `json:"ticket_type_id,omitempty" validate:"omitempty,gt=0"`
	Category     string `json:"category,omitempty" validate:"omitempty,oneof=internal external"`
	ReferralCode string `json:"referral_code,omitempty" validate:"omitempty,max=64"`
	DiscountCode string `json:"discount_code,omitempty" validate:"omitempty,max=64"`
}

// ManualOrderRequest is an offline sale entered by an admin.
type ManualOrderRequest struct {
	BuyerName    string `json:"buyer_name" validate:"required,max=120"`
	BuyerEmail   string `json:"buyer_email" validate:"required,email,max=160"`
	BuyerPhone   string `json:"buyer_phone" validate:"required,min=6,max=20"`
	Quantity     int    `json:"quantity" validate:"required,min=1,max=20"`
	TicketTypeID int64  `json:"ticket_type_id,omitempty" validate:"omitempty,gt=0"`
	Category     string `json:"category,omitempty" validate:"omitempty,oneof=internal external"`
	Reason       string `json:"reason,omitempty" validate:"omitempty,max=255"`
}

// GatewayMetadata is the opaque transaction detail carried alongside a status change.
type GatewayMetadata struct {
	TransactionID string
	PaymentType   string
	Payload       string
}

type OrderFilter struct {
	Status     string
	Search     string
	SyncLocked *bool
	From       *time.Time
	To         *time.Time
}

type Pagination struct {
	Page    int
	PerPage int
}

func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 || p.PerPage > 100 {
		p.PerPage = 25
	}
	return p
}

func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PerPage
}

type OrderPage struct {
	Orders  []Order `json:"orders"`
	Total   int     `json:"total"`
	Page    int     `json:"page"`
	PerPage int     `json:"per_page"`
}

type CleanupResult struct {
	ExpiredOrders  int64    `json:"expired_orders"`
	ExpiredTickets int64    `json:"expired_tickets"`
	StaleOrders    int64    `json:"stale_orders"`
	StaleTickets   int64    `json:"stale_tickets"`
	Errors         []string `json:"errors,omitempty"`
}
