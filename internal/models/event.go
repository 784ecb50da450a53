package models

import "time"

// Kafka payloads published by the service.

type OrderStatusChangedEvent struct {
	OrderNumber string    `json:"order_number"`
	FromStatus  string    `json:"from_status"`
	ToStatus    string    `json:"to_status"`
	Source      string    `json:"source"`
	Outcome     string    `json:"outcome"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type TicketCheckedInEvent struct {
	TicketCode  string    `json:"ticket_code"`
	OrderNumber string    `json:"order_number"`
	ScannedBy   string    `json:"scanned_by"`
	ManualEntry bool      `json:"manual_entry"`
	CheckedInAt time.Time `json:"checked_in_at"`
}

type AdminOverrideEvent struct {
	AuditID     string    `json:"audit_id"`
	Action      string    `json:"action"`
	OrderNumber string    `json:"order_number,omitempty"`
	TicketCode  string    `json:"ticket_code,omitempty"`
	OperatorID  string    `json:"operator_id"`
	OccurredAt  time.Time `json:"occurred_at"`
}
