package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	ActionLockSync    = "lock_sync"
	ActionUnlockSync  = "unlock_sync"
	ActionForceStatus = "force_status"
	ActionForceDelete = "force_delete"
	ActionManualOrder = "manual_order"
	ActionTicketReset = "ticket_reset"
	ActionBuyerEmail  = "buyer_email"
)

type OverrideAudit struct {
	bun.BaseModel `bun:"table:override_audits,alias:oa"`

	ID          int64     `bun:"id,pk,autoincrement" json:"id"`
	AuditID     string    `bun:"audit_id,notnull,unique" json:"audit_id"`
	Action      string    `bun:"action,notnull" json:"action"`
	OrderNumber string    `bun:"order_number" json:"order_number,omitempty"`
	TicketCode  string    `bun:"ticket_code" json:"ticket_code,omitempty"`
	OperatorID  string    `bun:"operator_id,notnull" json:"operator_id"`
	Reason      string    `bun:"reason" json:"reason,omitempty"`
	BeforeState string    `bun:"before_state" json:"before_state,omitempty"`
	AfterState  string    `bun:"after_state" json:"after_state,omitempty"`
	CreatedAt   time.Time `bun:"created_at,notnull" json:"created_at"`
}
