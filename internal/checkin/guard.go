// Package checkin decides whether a scanned ticket may enter and admits it
// at most once.
package checkin

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"ms-admission/internal/checkin/evidence"
	"ms-admission/internal/config"
	"ms-admission/internal/kafka"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/payment/status"
	"ms-admission/internal/tickets/qr"
	"ms-admission/internal/utils"
)

// Decision types. A scan always ends in exactly one of these.
const (
	DecisionValid   = "valid"
	DecisionUsed    = "used"
	DecisionInvalid = "invalid"
	DecisionError   = "error"
)

// Decision reasons.
const (
	ReasonEligible         = "eligible"
	ReasonCheckedIn        = "checked_in"
	ReasonAlreadyUsed      = "already_used"
	ReasonMalformedScan    = "malformed_scan"
	ReasonTicketNotFound   = "ticket_not_found"
	ReasonInvalidSignature = "invalid_signature"
	ReasonManualNotAllowed = "manual_entry_not_allowed"
	ReasonOrderNotPaid     = "order_not_paid"
	ReasonTicketNotValid   = "ticket_not_valid"
	ReasonInternal         = "internal_error"
)

type TicketStore interface {
	GetTicketWithOrder(ctx context.Context, code string) (*models.Ticket, *models.Order, error)
	GetTicketByCode(ctx context.Context, idb bun.IDB, code string) (*models.Ticket, error)
	MarkUsedIfValid(ctx context.Context, code, scannedBy string, at time.Time, paidStatuses []string) (bool, error)
	SaveTicketState(ctx context.Context, idb bun.IDB, ticket *models.Ticket) error
	CountByStatus(ctx context.Context) (*models.TicketStats, error)
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error
}

type AuditLog interface {
	InsertAudit(ctx context.Context, idb bun.IDB, a *models.OverrideAudit) error
}

// ScanRequest is one read from a scanner. Raw, when set, is the QR content
// and takes precedence over TicketCode/Verify.
type ScanRequest struct {
	Raw         string           `json:"raw,omitempty"`
	TicketCode  string           `json:"ticket_code,omitempty"`
	Verify      string           `json:"verify,omitempty"`
	ManualEntry bool             `json:"manual_entry,omitempty"`
	Evidence    []evidence.Image `json:"evidence,omitempty"`

	Operator models.Operator `json:"-"`
}

type Decision struct {
	Type           string     `json:"type"`
	Reason         string     `json:"reason"`
	TicketCode     string     `json:"ticket_code,omitempty"`
	TicketStatus   string     `json:"ticket_status,omitempty"`
	OrderNumber    string     `json:"order_number,omitempty"`
	OrderStatus    string     `json:"order_status,omitempty"`
	BuyerName      string     `json:"buyer_name,omitempty"`
	Category       string     `json:"category,omitempty"`
	CheckedInAt    *time.Time `json:"checked_in_at,omitempty"`
	ScannedBy      string     `json:"scanned_by,omitempty"`
	ManualEntry    bool       `json:"manual_entry,omitempty"`
	EvidenceQueued int        `json:"evidence_queued,omitempty"`
}

type Guard struct {
	Tickets  TicketStore
	Audits   AuditLog
	Signer   *qr.Signer
	Evidence *evidence.Recorder
	Kafka    kafka.Publisher
	Logger   *logger.Logger

	allowManual bool
	resetToken  string
	topics      config.TopicConfig

	Now func() time.Time
}

func NewGuard(tickets TicketStore, audits AuditLog, signer *qr.Signer, rec *evidence.Recorder, publisher kafka.Publisher, cfg *config.Config, log *logger.Logger) *Guard {
	if publisher == nil {
		publisher = kafka.NopPublisher{}
	}
	return &Guard{
		Tickets:     tickets,
		Audits:      audits,
		Signer:      signer,
		Evidence:    rec,
		Kafka:       publisher,
		Logger:      log,
		allowManual: cfg.Security.AllowManualEntry,
		resetToken:  cfg.Security.AdminResetToken,
		topics:      cfg.Kafka.Topics,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// Validate reports what a check-in would do without changing anything.
func (g *Guard) Validate(ctx context.Context, req ScanRequest) (*Decision, error) {
	d, t, _, err := g.precheck(ctx, req)
	if err != nil || d.Type != "" {
		return d, err
	}
	switch t.Status {
	case models.TicketUsed:
		return used(d, t), nil
	case models.TicketValid:
		d.Type, d.Reason = DecisionValid, ReasonEligible
	default:
		d.Type, d.Reason = DecisionInvalid, ReasonTicketNotValid
	}
	return d, nil
}

// CheckIn re-runs every validation step and then admits the ticket with a
// single compare-and-set. Concurrent scans of one ticket produce exactly one
// valid decision; the rest see used with the winner's details.
func (g *Guard) CheckIn(ctx context.Context, req ScanRequest) (*Decision, error) {
	if req.Operator.ID == "" {
		return &Decision{Type: DecisionError, Reason: ReasonInternal}, models.ErrUnauthorized
	}

	d, err := g.checkIn(ctx, req)
	d.EvidenceQueued = g.Evidence.Capture(d.TicketCode, d.Type, req.Evidence)
	g.Logger.LogCheckIn(strings.ToUpper(d.Type), d.TicketCode, req.Operator.ID, d.Reason)
	return d, err
}

func (g *Guard) checkIn(ctx context.Context, req ScanRequest) (*Decision, error) {
	d, t, o, err := g.precheck(ctx, req)
	if err != nil || d.Type != "" {
		return d, err
	}
	switch t.Status {
	case models.TicketUsed:
		return used(d, t), nil
	case models.TicketValid:
	default:
		d.Type, d.Reason = DecisionInvalid, ReasonTicketNotValid
		return d, nil
	}

	now := g.Now()
	won, err := g.Tickets.MarkUsedIfValid(ctx, t.TicketCode, req.Operator.ID, now, status.SuccessfulStatuses())
	if err != nil {
		d.Type, d.Reason = DecisionError, ReasonInternal
		return d, fmt.Errorf("check in %s: %w", t.TicketCode, err)
	}
	if won {
		d.Type, d.Reason = DecisionValid, ReasonCheckedIn
		d.TicketStatus = models.TicketUsed
		d.CheckedInAt = &now
		d.ScannedBy = req.Operator.ID
		g.publishCheckedIn(ctx, d, o)
		return d, nil
	}

	// Lost the race, or the order stopped being paid since the read.
	t, o, err = g.Tickets.GetTicketWithOrder(ctx, t.TicketCode)
	if err != nil {
		d.Type, d.Reason = DecisionError, ReasonInternal
		return d, fmt.Errorf("re-read %s: %w", d.TicketCode, err)
	}
	d.TicketStatus, d.OrderStatus = t.Status, o.Status
	switch {
	case t.Status == models.TicketUsed:
		return used(d, t), nil
	case !status.IsSuccessful(o.Status):
		d.Type, d.Reason = DecisionInvalid, ReasonOrderNotPaid
	default:
		d.Type, d.Reason = DecisionInvalid, ReasonTicketNotValid
	}
	return d, nil
}

// precheck runs lookup, authenticity and payment checks. A returned decision
// with a non-empty Type is final.
func (g *Guard) precheck(ctx context.Context, req ScanRequest) (*Decision, *models.Ticket, *models.Order, error) {
	code, verify := strings.TrimSpace(req.TicketCode), strings.TrimSpace(req.Verify)
	if req.Raw != "" {
		scan, err := qr.ParseScan(req.Raw)
		if err != nil {
			return &Decision{Type: DecisionInvalid, Reason: ReasonMalformedScan}, nil, nil, nil
		}
		code, verify = scan.TicketCode, scan.Verify
	}
	if code == "" {
		return &Decision{Type: DecisionInvalid, Reason: ReasonMalformedScan}, nil, nil, nil
	}

	d := &Decision{TicketCode: code}
	t, o, err := g.Tickets.GetTicketWithOrder(ctx, code)
	if errors.Is(err, models.ErrTicketNotFound) {
		d.Type, d.Reason = DecisionInvalid, ReasonTicketNotFound
		return d, nil, nil, nil
	}
	if err != nil {
		d.Type, d.Reason = DecisionError, ReasonInternal
		return d, nil, nil, fmt.Errorf("load ticket %s: %w", code, err)
	}
	d.TicketStatus = t.Status
	d.OrderNumber = o.OrderNumber
	d.OrderStatus = o.Status
	d.BuyerName = o.BuyerName
	d.Category = o.Category

	if verify != "" {
		if !g.Signer.Verify(t.TicketCode, o.OrderNumber, verify) {
			g.Logger.LogSecurity("BAD_TICKET_HASH", fmt.Sprintf("ticket %s scanned by %q", code, req.Operator.ID))
			d.Type, d.Reason = DecisionInvalid, ReasonInvalidSignature
			return d, nil, nil, nil
		}
	} else {
		if !req.ManualEntry {
			d.Type, d.Reason = DecisionInvalid, ReasonInvalidSignature
			return d, nil, nil, nil
		}
		if !g.allowManual || !req.Operator.CanManualEntry() {
			g.Logger.LogSecurity("MANUAL_ENTRY_DENIED", fmt.Sprintf("ticket %s by %q (%s)", code, req.Operator.ID, req.Operator.Role))
			d.Type, d.Reason = DecisionInvalid, ReasonManualNotAllowed
			return d, nil, nil, nil
		}
		g.Logger.LogSecurity("MANUAL_ENTRY", fmt.Sprintf("ticket %s accepted without hash by %s", code, req.Operator.ID))
		d.ManualEntry = true
	}

	if !status.IsSuccessful(o.Status) {
		d.Type, d.Reason = DecisionInvalid, ReasonOrderNotPaid
		return d, nil, nil, nil
	}
	return d, t, o, nil
}

func used(d *Decision, t *models.Ticket) *Decision {
	d.Type, d.Reason = DecisionUsed, ReasonAlreadyUsed
	d.TicketStatus = models.TicketUsed
	d.CheckedInAt = t.CheckedInAt
	d.ScannedBy = t.ScannedBy
	return d
}

func (g *Guard) publishCheckedIn(ctx context.Context, d *Decision, o *models.Order) {
	evt := models.TicketCheckedInEvent{
		TicketCode:  d.TicketCode,
		OrderNumber: o.OrderNumber,
		ScannedBy:   d.ScannedBy,
		ManualEntry: d.ManualEntry,
		CheckedInAt: *d.CheckedInAt,
	}
	if err := g.Kafka.PublishJSON(ctx, g.topics.TicketCheckedIn, d.TicketCode, evt); err != nil {
		g.Logger.LogKafka("PUBLISH_FAILED", g.topics.TicketCheckedIn, fmt.Sprintf("ticket %s: %v", d.TicketCode, err))
	}
}

// AdminResetSingle puts a used ticket back to valid. It needs an admin, the
// configured reset token and the exact ticket code typed as confirmation.
func (g *Guard) AdminResetSingle(ctx context.Context, operator models.Operator, code, secretToken, confirmCode string) (*models.Ticket, error) {
	if !operator.IsAdmin() {
		return nil, models.ErrForbidden
	}
	if g.resetToken == "" || subtle.ConstantTimeCompare([]byte(secretToken), []byte(g.resetToken)) != 1 {
		g.Logger.LogSecurity("RESET_TOKEN_REJECTED", fmt.Sprintf("ticket %s by %s", code, operator.ID))
		return nil, models.ErrForbidden
	}
	if confirmCode != code {
		return nil, models.ErrConfirmationMismatch
	}

	_, o, err := g.Tickets.GetTicketWithOrder(ctx, code)
	if err != nil {
		return nil, err
	}

	var ticket *models.Ticket
	audit := &models.OverrideAudit{
		AuditID:     utils.GenerateAuditID(),
		Action:      models.ActionTicketReset,
		OrderNumber: o.OrderNumber,
		TicketCode:  code,
		OperatorID:  operator.ID,
		Reason:      "single ticket reset",
	}
	err = g.Tickets.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		t, err := g.Tickets.GetTicketByCode(ctx, tx, code)
		if err != nil {
			return err
		}
		if t.Status == models.TicketPending {
			return models.ErrTicketPending
		}
		audit.BeforeState = utils.Snapshot(t)

		now := g.Now()
		t.Status = models.TicketValid
		t.CheckedInAt = nil
		t.ScannedBy = ""
		t.UpdatedAt = now
		if err := g.Tickets.SaveTicketState(ctx, tx, t); err != nil {
			return err
		}

		audit.AfterState = utils.Snapshot(t)
		audit.CreatedAt = now
		ticket = t
		return g.Audits.InsertAudit(ctx, tx, audit)
	})
	if err != nil {
		return nil, err
	}

	g.Logger.LogOverride("TICKET_RESET", code, operator.ID, fmt.Sprintf("before=%s after=%s", audit.BeforeState, audit.AfterState))
	evt := models.AdminOverrideEvent{
		AuditID:     audit.AuditID,
		Action:      audit.Action,
		OrderNumber: audit.OrderNumber,
		TicketCode:  code,
		OperatorID:  operator.ID,
		OccurredAt:  audit.CreatedAt,
	}
	if err := g.Kafka.PublishJSON(ctx, g.topics.AdminOverride, code, evt); err != nil {
		g.Logger.LogKafka("PUBLISH_FAILED", g.topics.AdminOverride, fmt.Sprintf("reset %s: %v", code, err))
	}
	return ticket, nil
}

// GateStats counts tickets by status.
func (g *Guard) GateStats(ctx context.Context) (*models.TicketStats, error) {
	return g.Tickets.CountByStatus(ctx)
}
