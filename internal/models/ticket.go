package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	TicketPending = "pending"
	TicketValid   = "valid"
	TicketUsed    = "used"
)

type Ticket struct {
	bun.BaseModel `bun:"table:tickets,alias:t"`

	ID          int64      `bun:"id,pk,autoincrement" json:"id"`
	OrderID     int64      `bun:"order_id,notnull" json:"order_id"`
	TicketCode  string     `bun:"ticket_code,notnull,unique" json:"ticket_code"`
	Seq         int        `bun:"seq,notnull" json:"seq"`
	Status      string     `bun:"status,notnull" json:"status"`
	CheckedInAt *time.Time `bun:"checked_in_at" json:"checked_in_at,omitempty"`
	ScannedBy   string     `bun:"scanned_by" json:"scanned_by,omitempty"`
	CreatedAt   time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}

// TicketType is a sellable ticket tier. Available means enabled with a positive price.
type TicketType struct {
	bun.BaseModel `bun:"table:ticket_types,alias:tt"`

	ID       int64  `bun:"id,pk,autoincrement" json:"id"`
	Name     string `bun:"name,notnull" json:"name"`
	Price    int64  `bun:"price,notnull" json:"price"`
	Enabled  bool   `bun:"enabled,notnull" json:"enabled"`
	Category string `bun:"category,notnull" json:"category"`
}

func (tt *TicketType) Available() bool {
	return tt != nil && tt.Enabled && tt.Price > 0
}

// TicketStats is the gate dashboard summary.
type TicketStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Valid   int `json:"valid"`
	Used    int `json:"used"`
}
