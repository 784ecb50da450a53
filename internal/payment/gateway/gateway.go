// Package gateway talks to the payment provider: it verifies pushed
// notifications and answers "what does the gateway think this order is".
package gateway

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"ms-admission/internal/payment/status"
)

var (
	ErrTransactionNotFound = errors.New("gateway has no transaction for this order")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
)

// TransactionStatus is the gateway's view of one order.
type TransactionStatus struct {
	OrderNumber       string     `json:"order_id"`
	TransactionStatus string     `json:"transaction_status"`
	FraudStatus       string     `json:"fraud_status,omitempty"`
	TransactionID     string     `json:"transaction_id,omitempty"`
	PaymentType       string     `json:"payment_type,omitempty"`
	GrossAmount       string     `json:"gross_amount,omitempty"`
	StatusCode        string     `json:"status_code,omitempty"`
	StatusMessage     string     `json:"status_message,omitempty"`
	TransactionTime   *time.Time `json:"transaction_time,omitempty"`
	Raw               string     `json:"-"`
}

// EffectiveStatus folds the fraud verdict into the transaction status.
func (t *TransactionStatus) EffectiveStatus() string {
	return EffectiveStatus(t.TransactionStatus, t.FraudStatus)
}

// EffectiveStatus treats a capture held for fraud review as pending and a
// capture rejected by fraud screening as denied.
func EffectiveStatus(transactionStatus, fraudStatus string) string {
	ts := status.Normalize(transactionStatus)
	if ts != status.Capture {
		return ts
	}
	switch status.Normalize(fraudStatus) {
	case "challenge":
		return status.Pending
	case "deny":
		return status.Deny
	}
	return ts
}

// StatusOracle answers status queries for a single order. Implementations
// return ErrTransactionNotFound or wrap ErrGatewayUnavailable.
type StatusOracle interface {
	Name() string
	QueryStatus(ctx context.Context, orderNumber string) (*TransactionStatus, error)
}

// Update is a status change pushed by the gateway.
type Update struct {
	OrderNumber   string
	RawStatus     string
	TransactionID string
	PaymentType   string
	Payload       string
}

// Notification is the webhook body of the HTTP gateway.
type Notification struct {
	OrderID           string `json:"order_id" validate:"required,max=64"`
	TransactionStatus string `json:"transaction_status" validate:"required,max=32"`
	FraudStatus       string `json:"fraud_status,omitempty"`
	TransactionID     string `json:"transaction_id,omitempty"`
	PaymentType       string `json:"payment_type,omitempty"`
	StatusCode        string `json:"status_code" validate:"required"`
	GrossAmount       string `json:"gross_amount" validate:"required"`
	SignatureKey      string `json:"signature_key" validate:"required"`
}

func (n *Notification) Update(payload string) *Update {
	return &Update{
		OrderNumber:   strings.TrimSpace(n.OrderID),
		RawStatus:     EffectiveStatus(n.TransactionStatus, n.FraudStatus),
		TransactionID: n.TransactionID,
		PaymentType:   n.PaymentType,
		Payload:       payload,
	}
}

// Signature is hex(SHA-512(order_id + status_code + gross_amount + server_key)).
func Signature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

// VerifySignature checks a notification against the server key in constant time.
func VerifySignature(n *Notification, serverKey string) bool {
	if serverKey == "" || n.SignatureKey == "" {
		return false
	}
	expected := Signature(n.OrderID, n.StatusCode, n.GrossAmount, serverKey)
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(n.SignatureKey)), []byte(expected)) == 1
}
