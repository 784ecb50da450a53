// Package syncengine keeps local order status in step with the payment
// gateway. Pushed notifications and pulled gateway state go through the same
// transition rules.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ms-admission/internal/config"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/payment/gateway"
	"ms-admission/internal/payment/status"
)

const bulkLockName = "bulk_reconcile"

// OrderStore is the slice of the order service the engine writes through.
type OrderStore interface {
	FindByOrderNumber(ctx context.Context, number string) (*models.Order, error)
	WithLockedOrder(ctx context.Context, number string, fn func(ctx context.Context, tx bun.Tx, o *models.Order) error) error
	ApplyStatusTx(ctx context.Context, tx bun.Tx, o *models.Order, newStatus string, meta *models.GatewayMetadata) error
	RepairPaidTx(ctx context.Context, tx bun.Tx, o *models.Order) error
	PublishStatusChange(ctx context.Context, o *models.Order, from, source, outcome string)
}

type NotificationStore interface {
	IDB() bun.IDB
	InsertNotification(ctx context.Context, idb bun.IDB, n *models.PaymentNotification) error
	ListReconcileCandidates(ctx context.Context, statuses []string, since time.Time, afterID int64, limit int) ([]models.Order, error)
}

// Locker is a lock shared across service instances.
type Locker interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) error
}

// ExternalUpdate is one status report from outside: a webhook, a Stripe event
// or a pulled gateway state.
type ExternalUpdate struct {
	OrderNumber   string
	RawStatus     string
	TransactionID string
	PaymentType   string
	Payload       string
	Source        string
}

func FromGateway(u *gateway.Update, source string) ExternalUpdate {
	return ExternalUpdate{
		OrderNumber:   u.OrderNumber,
		RawStatus:     u.RawStatus,
		TransactionID: u.TransactionID,
		PaymentType:   u.PaymentType,
		Payload:       u.Payload,
		Source:        source,
	}
}

type ApplyResult struct {
	OrderNumber    string `json:"order_number"`
	PreviousStatus string `json:"previous_status"`
	Status         string `json:"status"`
	Outcome        string `json:"outcome"`
}

const (
	GatewayFound       = "found"
	GatewayNotFound    = "not_found"
	GatewayUnreachable = "unreachable"
)

type ReconcileResult struct {
	OrderNumber   string       `json:"order_number"`
	LocalStatus   string       `json:"local_status"`
	GatewayStatus string       `json:"gateway_status,omitempty"`
	GatewayState  string       `json:"gateway_state"`
	Match         bool         `json:"match"`
	SyncLocked    bool         `json:"sync_locked"`
	TransactionID string       `json:"transaction_id,omitempty"`
	PaymentType   string       `json:"payment_type,omitempty"`
	Error         string       `json:"error,omitempty"`
	Raw           string       `json:"raw,omitempty"`
	Applied       *ApplyResult `json:"applied,omitempty"`
}

type BulkChange struct {
	OrderNumber string `json:"order_number"`
	From        string `json:"from"`
	To          string `json:"to"`
}

type BulkResult struct {
	Skipped     bool         `json:"skipped"`
	Checked     int          `json:"checked"`
	Matched     int          `json:"matched"`
	Updated     int          `json:"updated"`
	Ignored     int          `json:"ignored"`
	NotFound    int          `json:"not_found"`
	Unreachable int          `json:"unreachable"`
	Failed      int          `json:"failed"`
	Changes     []BulkChange `json:"changes,omitempty"`
	Duration    string       `json:"duration"`
}

type Engine struct {
	Orders OrderStore
	Store  NotificationStore
	Oracle gateway.StatusOracle
	Locker Locker
	Logger *logger.Logger

	cfg            config.SyncConfig
	gatewayTimeout time.Duration
	limiter        *rate.Limiter
	owner          string

	Now func() time.Time
}

// NewEngine wires the engine. locker may be nil on a single instance.
func NewEngine(orders OrderStore, store NotificationStore, oracle gateway.StatusOracle, locker Locker, cfg *config.Config, log *logger.Logger) *Engine {
	limit := rate.Inf
	if cfg.Sync.GatewayRPS > 0 {
		limit = rate.Limit(cfg.Sync.GatewayRPS)
	}
	timeout := cfg.Gateway.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	host, _ := os.Hostname()
	return &Engine{
		Orders:         orders,
		Store:          store,
		Oracle:         oracle,
		Locker:         locker,
		Logger:         log,
		cfg:            cfg.Sync,
		gatewayTimeout: timeout,
		limiter:        rate.NewLimiter(limit, 1),
		owner:          host + "-" + uuid.NewString(),
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// Decide applies the order state machine to one incoming status.
//
// A sync lock wins over everything. Pending-class orders accept any known
// status. Paid orders only accept a refinement of their paid status, and
// failed orders accept nothing.
func Decide(current, incoming string, locked bool) string {
	if locked {
		return models.OutcomeIgnoredLocked
	}
	cur, in := status.Normalize(current), status.Normalize(incoming)
	if cur == in {
		return models.OutcomeNoopSame
	}
	switch c := status.Canonicalize(cur); {
	case c.IsPending:
		return models.OutcomeApplied
	case c.IsSuccessful && status.IsRefinement(cur, in):
		return models.OutcomeApplied
	default:
		return models.OutcomeIgnoredAbsorbing
	}
}

// ApplyExternalUpdate records the update and applies it if the state machine
// allows. The order row stays locked for the whole write, so an admin lock
// taken before commit always wins. Locked, absorbing or repeated updates are
// results, not errors.
func (e *Engine) ApplyExternalUpdate(ctx context.Context, u ExternalUpdate) (*ApplyResult, error) {
	u.OrderNumber = strings.TrimSpace(u.OrderNumber)
	incoming := status.Normalize(u.RawStatus)
	if u.OrderNumber == "" {
		return nil, models.NewValidationError("order_id", "is required")
	}
	if !status.Known(incoming) {
		e.Logger.LogSync(u.OrderNumber, u.Source, fmt.Sprintf("Rejected unknown status %q", u.RawStatus))
		if err := e.record(ctx, e.Store.IDB(), u, models.OutcomeRejected); err != nil {
			return nil, err
		}
		return &ApplyResult{OrderNumber: u.OrderNumber, Outcome: models.OutcomeRejected}, nil
	}

	res := &ApplyResult{OrderNumber: u.OrderNumber}
	var changed *models.Order
	err := e.Orders.WithLockedOrder(ctx, u.OrderNumber, func(ctx context.Context, tx bun.Tx, o *models.Order) error {
		res.PreviousStatus = o.Status
		res.Outcome = Decide(o.Status, incoming, o.SyncLocked)

		switch res.Outcome {
		case models.OutcomeNoopSame:
			if err := e.Orders.RepairPaidTx(ctx, tx, o); err != nil {
				return fmt.Errorf("repair %s: %w", o.OrderNumber, err)
			}
		case models.OutcomeApplied:
			now := e.Now()
			o.LastSyncedAt = &now
			meta := &models.GatewayMetadata{TransactionID: u.TransactionID, PaymentType: u.PaymentType, Payload: u.Payload}
			if err := e.Orders.ApplyStatusTx(ctx, tx, o, incoming, meta); err != nil {
				return fmt.Errorf("apply %s to %s: %w", incoming, o.OrderNumber, err)
			}
			changed = o
		}
		res.Status = o.Status
		return e.record(ctx, tx, u, res.Outcome)
	})
	if errors.Is(err, models.ErrOrderNotFound) {
		e.Logger.LogSync(u.OrderNumber, u.Source, "Notification for unknown order")
		if rerr := e.record(ctx, e.Store.IDB(), u, models.OutcomeRejected); rerr != nil {
			e.Logger.Error("SYNC", fmt.Sprintf("Failed to record rejected notification: %v", rerr))
		}
		return nil, err
	}
	if err != nil {
		e.Logger.Error("SYNC", fmt.Sprintf("Applying %s to %s failed: %v", incoming, u.OrderNumber, err))
		return nil, err
	}

	e.Logger.LogSync(u.OrderNumber, u.Source, fmt.Sprintf("%s -> %s (%s)", res.PreviousStatus, incoming, res.Outcome))
	if res.Outcome == models.OutcomeApplied && changed != nil {
		e.Orders.PublishStatusChange(ctx, changed, res.PreviousStatus, u.Source, res.Outcome)
	}
	return res, nil
}

func (e *Engine) record(ctx context.Context, idb bun.IDB, u ExternalUpdate, outcome string) error {
	n := &models.PaymentNotification{
		OrderNumber:  u.OrderNumber,
		RawStatus:    u.RawStatus,
		GatewayTxnID: u.TransactionID,
		Outcome:      outcome,
		Source:       u.Source,
		Payload:      u.Payload,
		ReceivedAt:   e.Now(),
	}
	if err := e.Store.InsertNotification(ctx, idb, n); err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}

// Reconcile asks the gateway about one order and compares. It never writes
// and holds no database lock while the gateway call is in flight. A gateway
// that does not know the order or cannot be reached is reported in the
// result, not as an error.
func (e *Engine) Reconcile(ctx context.Context, number string) (*ReconcileResult, error) {
	o, err := e.Orders.FindByOrderNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	res := &ReconcileResult{
		OrderNumber: o.OrderNumber,
		LocalStatus: o.Status,
		SyncLocked:  o.SyncLocked,
	}

	qctx, cancel := context.WithTimeout(ctx, e.gatewayTimeout)
	defer cancel()
	ts, err := e.Oracle.QueryStatus(qctx, o.OrderNumber)
	switch {
	case errors.Is(err, gateway.ErrTransactionNotFound):
		res.GatewayState = GatewayNotFound
	case err != nil:
		res.GatewayState = GatewayUnreachable
		res.Error = err.Error()
	default:
		res.GatewayState = GatewayFound
		res.GatewayStatus = ts.EffectiveStatus()
		res.TransactionID = ts.TransactionID
		res.PaymentType = ts.PaymentType
		res.Raw = ts.Raw
		res.Match = status.Equivalent(o.Status, res.GatewayStatus)
	}
	return res, nil
}

// ReconcileAndApply reconciles one order and, when the gateway disagrees,
// feeds the gateway status through ApplyExternalUpdate.
func (e *Engine) ReconcileAndApply(ctx context.Context, number, source string) (*ReconcileResult, error) {
	if e.Locker != nil {
		name := "reconcile:" + number
		ok, err := e.Locker.Acquire(ctx, name, e.owner, e.gatewayTimeout+5*time.Second)
		if err != nil {
			e.Logger.Warn("SYNC", fmt.Sprintf("Reconcile lock unavailable for %s: %v", number, err))
		} else if !ok {
			return nil, models.ErrReconcileInProgress
		} else {
			defer e.Locker.Release(context.Background(), name, e.owner)
		}
	}
	return e.reconcileOne(ctx, number, source)
}

func (e *Engine) reconcileOne(ctx context.Context, number, source string) (*ReconcileResult, error) {
	res, err := e.Reconcile(ctx, number)
	if err != nil {
		return nil, err
	}
	if res.GatewayState != GatewayFound || res.Match {
		return res, nil
	}
	applied, err := e.ApplyExternalUpdate(ctx, ExternalUpdate{
		OrderNumber:   res.OrderNumber,
		RawStatus:     res.GatewayStatus,
		TransactionID: res.TransactionID,
		PaymentType:   res.PaymentType,
		Payload:       res.Raw,
		Source:        source,
	})
	if err != nil {
		return res, err
	}
	res.Applied = applied
	return res, nil
}

// BulkReconcile sweeps unsettled orders from the last window in keyset pages.
// Gateway calls are rate limited and run with bounded concurrency; a failing
// order is counted and the sweep moves on. Only one instance sweeps at a time.
func (e *Engine) BulkReconcile(ctx context.Context) (*BulkResult, error) {
	started := time.Now()
	result := &BulkResult{}

	if e.Locker != nil {
		ok, err := e.Locker.Acquire(ctx, bulkLockName, e.owner, e.cfg.SweepLockTTL)
		if err != nil {
			return nil, fmt.Errorf("bulk reconcile lock: %w", err)
		}
		if !ok {
			e.Logger.LogSync("*", models.SourceBulk, "Another instance is sweeping; skipped")
			result.Skipped = true
			return result, nil
		}
		defer e.Locker.Release(context.Background(), bulkLockName, e.owner)
	}

	chunk := e.cfg.BulkChunk
	if chunk <= 0 {
		chunk = 50
	}
	workers := e.cfg.BulkConcurrency
	if workers <= 0 {
		workers = 1
	}
	since := e.Now().Add(-e.cfg.BulkWindow)
	statuses := []string{status.Pending, status.Authorize, status.Capture}

	var mu sync.Mutex
	var afterID int64
	for {
		batch, err := e.Store.ListReconcileCandidates(ctx, statuses, since, afterID, chunk)
		if err != nil {
			return result, fmt.Errorf("list reconcile candidates: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		afterID = batch[len(batch)-1].ID

		var g errgroup.Group
		g.SetLimit(workers)
		for _, o := range batch {
			number := o.OrderNumber
			g.Go(func() error {
				if err := e.limiter.Wait(ctx); err != nil {
					mu.Lock()
					result.Failed++
					mu.Unlock()
					return nil
				}
				res, err := e.reconcileOne(ctx, number, models.SourceBulk)

				mu.Lock()
				defer mu.Unlock()
				result.Checked++
				switch {
				case err != nil:
					result.Failed++
					e.Logger.Error("SYNC", fmt.Sprintf("Bulk reconcile of %s failed: %v", number, err))
				case res.GatewayState == GatewayNotFound:
					result.NotFound++
				case res.GatewayState == GatewayUnreachable:
					result.Unreachable++
				case res.Match:
					result.Matched++
				case res.Applied != nil && res.Applied.Outcome == models.OutcomeApplied:
					result.Updated++
					result.Changes = append(result.Changes, BulkChange{OrderNumber: number, From: res.LocalStatus, To: res.Applied.Status})
				default:
					result.Ignored++
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(started).String()
			return result, err
		}
		if len(batch) < chunk {
			break
		}
	}

	result.Duration = time.Since(started).String()
	e.Logger.LogSync("*", models.SourceBulk, fmt.Sprintf("Checked %d, updated %d, not found %d, unreachable %d, failed %d",
		result.Checked, result.Updated, result.NotFound, result.Unreachable, result.Failed))
	return result, nil
}
