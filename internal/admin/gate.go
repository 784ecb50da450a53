// Package admin holds the privileged operations that override automatic
// payment sync. Each one needs an admin operator plus literal confirmation
// tokens, and leaves an audit row written in the same transaction.
package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"ms-admission/internal/config"
	"ms-admission/internal/kafka"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/payment/status"
	"ms-admission/internal/utils"
)

// Confirmation tokens callers must echo back verbatim.
const (
	ConfirmLock          = "LOCK"
	ConfirmUnlock        = "UNLOCK"
	ConfirmUnderstand    = "I_UNDERSTAND"
	ConfirmLockAndUpdate = "LOCK_AND_UPDATE"
	ConfirmDelete        = "I_UNDERSTAND_DELETE"
	ConfirmEmailChange   = "CHANGE_EMAIL"
)

type OrderStore interface {
	WithLockedOrder(ctx context.Context, number string, fn func(ctx context.Context, tx bun.Tx, o *models.Order) error) error
	ApplyStatusTx(ctx context.Context, tx bun.Tx, o *models.Order, newStatus string, meta *models.GatewayMetadata) error
	SetSyncLockTx(ctx context.Context, tx bun.Tx, o *models.Order, locked bool, reason, operatorID string) (bool, error)
	DeleteOrderTx(ctx context.Context, tx bun.Tx, o *models.Order) (int64, error)
	ChangeBuyerEmailTx(ctx context.Context, tx bun.Tx, o *models.Order, email string) (bool, error)
	CreateManualOrder(ctx context.Context, req models.ManualOrderRequest, operator models.Operator, inTx func(ctx context.Context, tx bun.Tx, o *models.Order) error) (*models.Order, error)
	PublishStatusChange(ctx context.Context, o *models.Order, from, source, outcome string)
}

type AuditLog interface {
	InsertAudit(ctx context.Context, idb bun.IDB, a *models.OverrideAudit) error
	ListAudits(ctx context.Context, number string) ([]models.OverrideAudit, error)
}

type LockRequest struct {
	Confirm string `json:"confirm" validate:"required"`
	Reason  string `json:"reason,omitempty" validate:"omitempty,max=255"`
}

type UnlockRequest struct {
	Confirm string `json:"confirm" validate:"required"`
}

type ForceStatusRequest struct {
	Status   string `json:"status" validate:"required,max=32"`
	Confirm1 string `json:"confirm1" validate:"required"`
	Confirm2 string `json:"confirm2" validate:"required"`
	Reason   string `json:"reason,omitempty" validate:"omitempty,max=255"`
}

type ForceDeleteRequest struct {
	Confirm1 string `json:"confirm1" validate:"required"`
	Confirm2 string `json:"confirm2" validate:"required"`
}

type BuyerEmailRequest struct {
	BuyerEmail string `json:"buyer_email" validate:"required,email,max=160"`
	Confirm    string `json:"confirm" validate:"required"`
	Reason     string `json:"reason,omitempty" validate:"omitempty,max=255"`
}

// Result describes what an override did.
type Result struct {
	AuditID        string        `json:"audit_id,omitempty"`
	Action         string        `json:"action"`
	OrderNumber    string        `json:"order_number"`
	Changed        bool          `json:"changed"`
	PreviousStatus string        `json:"previous_status,omitempty"`
	Order          *models.Order `json:"order,omitempty"`
	TicketsDeleted int64         `json:"tickets_deleted,omitempty"`
}

type Gate struct {
	Orders OrderStore
	Audits AuditLog
	Kafka  kafka.Publisher
	Logger *logger.Logger

	topic string
	Now   func() time.Time
}

func NewGate(orders OrderStore, audits AuditLog, publisher kafka.Publisher, cfg *config.Config, log *logger.Logger) *Gate {
	if publisher == nil {
		publisher = kafka.NopPublisher{}
	}
	return &Gate{
		Orders: orders,
		Audits: audits,
		Kafka:  publisher,
		Logger: log,
		topic:  cfg.Kafka.Topics.AdminOverride,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func authorize(op models.Operator) error {
	if op.ID == "" {
		return models.ErrUnauthorized
	}
	if !op.IsAdmin() {
		return models.ErrForbidden
	}
	return nil
}

func confirm(got, want string) error {
	if got != want {
		return fmt.Errorf("%w: expected %q", models.ErrConfirmationMismatch, want)
	}
	return nil
}

// LockSync stops automatic sync for the order. Locking a locked order is a
// no-op and writes no audit row.
func (g *Gate) LockSync(ctx context.Context, op models.Operator, number string, req LockRequest) (*Result, error) {
	if err := authorize(op); err != nil {
		return nil, err
	}
	if err := confirm(req.Confirm, ConfirmLock); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual"
	}

	return g.override(ctx, op, number, models.ActionLockSync, reason, func(ctx context.Context, tx bun.Tx, o *models.Order, res *Result) error {
		changed, err := g.Orders.SetSyncLockTx(ctx, tx, o, true, reason, op.ID)
		res.Changed = changed
		return err
	})
}

// UnlockSync hands the order back to automatic sync.
func (g *Gate) UnlockSync(ctx context.Context, op models.Operator, number string, req UnlockRequest) (*Result, error) {
	if err := authorize(op); err != nil {
		return nil, err
	}
	if err := confirm(req.Confirm, ConfirmUnlock); err != nil {
		return nil, err
	}

	return g.override(ctx, op, number, models.ActionUnlockSync, "", func(ctx context.Context, tx bun.Tx, o *models.Order, res *Result) error {
		changed, err := g.Orders.SetSyncLockTx(ctx, tx, o, false, "", "")
		res.Changed = changed
		return err
	})
}

// ForceStatus locks the order and sets its status in one transaction. A
// successful status stamps paid_at and validates pending tickets.
func (g *Gate) ForceStatus(ctx context.Context, op models.Operator, number string, req ForceStatusRequest) (*Result, error) {
	if err := authorize(op); err != nil {
		return nil, err
	}
	if err := confirm(req.Confirm1, ConfirmUnderstand); err != nil {
		return nil, err
	}
	if err := confirm(req.Confirm2, ConfirmLockAndUpdate); err != nil {
		return nil, err
	}
	newStatus := status.Normalize(req.Status)
	if !status.Known(newStatus) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidStatus, req.Status)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "force status " + newStatus
	}

	var statusChanged bool
	res, err := g.override(ctx, op, number, models.ActionForceStatus, reason, func(ctx context.Context, tx bun.Tx, o *models.Order, res *Result) error {
		locked, err := g.Orders.SetSyncLockTx(ctx, tx, o, true, reason, op.ID)
		if err != nil {
			return err
		}
		statusChanged = o.Status != newStatus
		res.Changed = locked || statusChanged
		return g.Orders.ApplyStatusTx(ctx, tx, o, newStatus, nil)
	})
	if err != nil {
		return nil, err
	}
	if statusChanged {
		g.Orders.PublishStatusChange(ctx, res.Order, res.PreviousStatus, models.SourceAdmin, models.OutcomeApplied)
	}
	return res, nil
}

// ForceDelete removes a sync-locked order and its tickets. The second
// confirmation must be the exact order number.
func (g *Gate) ForceDelete(ctx context.Context, op models.Operator, number string, req ForceDeleteRequest) (*Result, error) {
	if err := authorize(op); err != nil {
		return nil, err
	}
	if err := confirm(req.Confirm1, ConfirmDelete); err != nil {
		return nil, err
	}
	if err := confirm(req.Confirm2, number); err != nil {
		return nil, err
	}

	res, err := g.override(ctx, op, number, models.ActionForceDelete, "", func(ctx context.Context, tx bun.Tx, o *models.Order, res *Result) error {
		n, err := g.Orders.DeleteOrderTx(ctx, tx, o)
		if err != nil {
			return err
		}
		res.Changed = true
		res.TicketsDeleted = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Order = nil
	return res, nil
}

// UpdateBuyerEmail corrects the contact email of an order. The new address
// must not belong to another live order.
func (g *Gate) UpdateBuyerEmail(ctx context.Context, op models.Operator, number string, req BuyerEmailRequest) (*Result, error) {
	if err := authorize(op); err != nil {
		return nil, err
	}
	if err := confirm(req.Confirm, ConfirmEmailChange); err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "buyer email correction"
	}

	return g.override(ctx, op, number, models.ActionBuyerEmail, reason, func(ctx context.Context, tx bun.Tx, o *models.Order, res *Result) error {
		changed, err := g.Orders.ChangeBuyerEmailTx(ctx, tx, o, req.BuyerEmail)
		res.Changed = changed
		return err
	})
}

// CreateManualOrder records an offline sale. The audit row commits with the order.
func (g *Gate) CreateManualOrder(ctx context.Context, op models.Operator, req models.ManualOrderRequest) (*models.Order, error) {
	if err := authorize(op); err != nil {
		return nil, err
	}

	audit := &models.OverrideAudit{
		AuditID:    utils.GenerateAuditID(),
		Action:     models.ActionManualOrder,
		OperatorID: op.ID,
		Reason:     req.Reason,
	}
	o, err := g.Orders.CreateManualOrder(ctx, req, op, func(ctx context.Context, tx bun.Tx, o *models.Order) error {
		audit.OrderNumber = o.OrderNumber
		audit.AfterState = utils.Snapshot(o)
		audit.CreatedAt = g.Now()
		return g.Audits.InsertAudit(ctx, tx, audit)
	})
	if err != nil {
		return nil, err
	}
	g.announce(ctx, audit, fmt.Sprintf("%d ticket(s), final amount %d", o.TicketQuantity, o.FinalAmount))
	return o, nil
}

// History lists the audit trail of one order.
func (g *Gate) History(ctx context.Context, number string) ([]models.OverrideAudit, error) {
	return g.Audits.ListAudits(ctx, number)
}

type mutation func(ctx context.Context, tx bun.Tx, o *models.Order, res *Result) error

// override runs fn under the order's row lock and writes the audit row in the
// same transaction when fn changed something.
func (g *Gate) override(ctx context.Context, op models.Operator, number, action, reason string, fn mutation) (*Result, error) {
	res := &Result{Action: action, OrderNumber: number}
	audit := &models.OverrideAudit{
		AuditID:     utils.GenerateAuditID(),
		Action:      action,
		OrderNumber: number,
		OperatorID:  op.ID,
		Reason:      reason,
	}

	err := g.Orders.WithLockedOrder(ctx, number, func(ctx context.Context, tx bun.Tx, o *models.Order) error {
		audit.BeforeState = utils.Snapshot(o)
		res.PreviousStatus = o.Status

		if err := fn(ctx, tx, o, res); err != nil {
			return err
		}
		res.Order = o
		if !res.Changed {
			return nil
		}
		if action == models.ActionForceDelete {
			audit.AfterState = utils.Snapshot(map[string]interface{}{"deleted": true, "tickets_deleted": res.TicketsDeleted})
		} else {
			audit.AfterState = utils.Snapshot(o)
		}
		audit.CreatedAt = g.Now()
		return g.Audits.InsertAudit(ctx, tx, audit)
	})
	if err != nil {
		g.Logger.LogOverride(strings.ToUpper(action)+"_REJECTED", number, op.ID, err.Error())
		return nil, err
	}

	if !res.Changed {
		g.Logger.LogOverride(strings.ToUpper(action), number, op.ID, "no change")
		return res, nil
	}
	res.AuditID = audit.AuditID
	g.announce(ctx, audit, reason)
	return res, nil
}

func (g *Gate) announce(ctx context.Context, audit *models.OverrideAudit, detail string) {
	g.Logger.LogOverride(strings.ToUpper(audit.Action), audit.OrderNumber, audit.OperatorID, detail)
	evt := models.AdminOverrideEvent{
		AuditID:     audit.AuditID,
		Action:      audit.Action,
		OrderNumber: audit.OrderNumber,
		OperatorID:  audit.OperatorID,
		OccurredAt:  audit.CreatedAt,
	}
	if err := g.Kafka.PublishJSON(ctx, g.topic, audit.OrderNumber, evt); err != nil {
		g.Logger.LogKafka("PUBLISH_FAILED", g.topic, fmt.Sprintf("%s on %s: %v", audit.Action, audit.OrderNumber, err))
	}
}
