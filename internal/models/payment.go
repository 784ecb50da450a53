package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Outcome of applying one push notification.
const (
	OutcomeApplied          = "applied"
	OutcomeNoopSame         = "noop_same"
	OutcomeIgnoredLocked    = "ignored_locked"
	OutcomeIgnoredAbsorbing = "ignored_absorbing"
	OutcomeRejected         = "rejected"
)

// Where a status update came from.
const (
	SourceWebhook   = "webhook"
	SourceStripe    = "stripe"
	SourceBulk      = "bulk"
	SourceReconcile = "reconcile"
	SourceAdmin     = "admin"
)

// PaymentNotification records every delivery the sync engine handled.
type PaymentNotification struct {
	bun.BaseModel `bun:"table:payment_notifications,alias:pn"`

	ID           int64     `bun:"id,pk,autoincrement" json:"id"`
	OrderNumber  string    `bun:"order_number,notnull" json:"order_number"`
	RawStatus    string    `bun:"raw_status,notnull" json:"raw_status"`
	GatewayTxnID string    `bun:"gateway_txn_id" json:"gateway_txn_id,omitempty"`
	Outcome      string    `bun:"outcome,notnull" json:"outcome"`
	Source       string    `bun:"source,notnull" json:"source"`
	Payload      string    `bun:"payload" json:"-"`
	ReceivedAt   time.Time `bun:"received_at,notnull" json:"received_at"`
}
