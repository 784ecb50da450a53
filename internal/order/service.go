package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"ms-admission/internal/config"
	"ms-admission/internal/kafka"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/order/discount"
	"ms-admission/internal/payment/status"
	"ms-admission/internal/utils"
)

type DBLayer interface {
	IDB() bun.IDB
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error

	GetTicketType(ctx context.Context, idb bun.IDB, id int64) (*models.TicketType, error)
	FirstAvailableTicketType(ctx context.Context, idb bun.IDB, category string) (*models.TicketType, error)
	GetReferralCode(ctx context.Context, idb bun.IDB, code string) (*models.ReferralCode, error)
	GetDiscountCode(ctx context.Context, idb bun.IDB, code string) (*models.DiscountCode, error)
	ConsumeDiscountCode(ctx context.Context, idb bun.IDB, id int64) error

	FindActiveContactConflict(ctx context.Context, idb bun.IDB, email, phone, name string, checkName bool) (string, error)
	ContactInUse(ctx context.Context, idb bun.IDB, column, value string, excludeID int64) (bool, error)
	InsertOrder(ctx context.Context, idb bun.IDB, o *models.Order) error
	GetOrderByNumber(ctx context.Context, idb bun.IDB, number string) (*models.Order, error)
	LockOrder(ctx context.Context, tx bun.Tx, number string) (*models.Order, error)
	SaveOrderState(ctx context.Context, idb bun.IDB, o *models.Order) error
	DeleteOrderWithTickets(ctx context.Context, idb bun.IDB, orderID int64) (int64, error)
	DeleteOrdersMatching(ctx context.Context, tx bun.Tx, statuses []string, createdBefore *time.Time) (int64, int64, error)
	GetOrderWithTickets(ctx context.Context, number string) (*models.Order, error)
	ListOrders(ctx context.Context, filter models.OrderFilter, page models.Pagination) ([]models.Order, int, error)
}

type TicketIssuer interface {
	IssueForOrder(ctx context.Context, idb bun.IDB, order *models.Order, initialStatus string) ([]models.Ticket, error)
	NormalizeToValid(ctx context.Context, idb bun.IDB, order *models.Order) (int64, error)
}

// Caller says who is asking for a status change. Only the override gate may
// write through a sync lock.
type Caller int

const (
	CallerSync Caller = iota
	CallerOverride
)

// sourceCheckout marks status events for newly placed orders.
const sourceCheckout = "checkout"

type OrderService struct {
	DB      DBLayer
	Tickets TicketIssuer
	Kafka   kafka.Publisher
	Logger  *logger.Logger

	checkout config.CheckoutConfig
	topics   config.TopicConfig
	discount *discount.DiscountFetcher

	NewOrderNumber func() string
	Now            func() time.Time
}

func NewOrderService(db DBLayer, tickets TicketIssuer, publisher kafka.Publisher, cfg *config.Config, log *logger.Logger) *OrderService {
	if publisher == nil {
		publisher = kafka.NopPublisher{}
	}
	return &OrderService{
		DB:             db,
		Tickets:        tickets,
		Kafka:          publisher,
		Logger:         log,
		checkout:       cfg.Checkout,
		topics:         cfg.Kafka.Topics,
		discount:       discount.NewDiscountFetcher(db, discount.NewDiscountService(log), log),
		NewOrderNumber: utils.GenerateOrderNumber,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// ---------------- CHECKOUT ----------------

type orderDraft struct {
	name, email, phone string
	quantity           int
	ticketTypeID       int64
	category           string
	referralCode       string
	discountCode       string

	manual   bool
	reason   string
	operator string
}

// CreateOrder places a public checkout order. Everything from the uniqueness
// check to ticket issuance commits together or not at all; the order number
// is only returned after commit.
func (s *OrderService) CreateOrder(ctx context.Context, req models.CheckoutRequest) (*models.Order, error) {
	req.BuyerName = strings.TrimSpace(req.BuyerName)
	req.BuyerEmail = strings.ToLower(strings.TrimSpace(req.BuyerEmail))
	req.BuyerPhone = strings.TrimSpace(req.BuyerPhone)
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}
	if s.checkout.MaxQuantity > 0 && req.Quantity > s.checkout.MaxQuantity {
		return nil, models.NewValidationError("quantity", fmt.Sprintf("must be at most %d", s.checkout.MaxQuantity))
	}

	return s.placeOrder(ctx, orderDraft{
		name:         req.BuyerName,
		email:        req.BuyerEmail,
		phone:        req.BuyerPhone,
		quantity:     req.Quantity,
		ticketTypeID: req.TicketTypeID,
		category:     req.Category,
		referralCode: req.ReferralCode,
		discountCode: req.DiscountCode,
	}, nil)
}

// CreateManualOrder records an offline sale: already settled, sync-locked and
// with valid tickets. inTx, when set, runs in the same transaction after the
// tickets are issued.
func (s *OrderService) CreateManualOrder(ctx context.Context, req models.ManualOrderRequest, operator models.Operator, inTx func(ctx context.Context, tx bun.Tx, o *models.Order) error) (*models.Order, error) {
	req.BuyerName = strings.TrimSpace(req.BuyerName)
	req.BuyerEmail = strings.ToLower(strings.TrimSpace(req.BuyerEmail))
	req.BuyerPhone = strings.TrimSpace(req.BuyerPhone)
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}
	if s.checkout.MaxManualQuantity > 0 && req.Quantity > s.checkout.MaxManualQuantity {
		return nil, models.NewValidationError("quantity", fmt.Sprintf("must be at most %d", s.checkout.MaxManualQuantity))
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual order"
	}
	return s.placeOrder(ctx, orderDraft{
		name:         req.BuyerName,
		email:        req.BuyerEmail,
		phone:        req.BuyerPhone,
		quantity:     req.Quantity,
		ticketTypeID: req.TicketTypeID,
		category:     req.Category,
		manual:       true,
		reason:       reason,
		operator:     operator.ID,
	}, inTx)
}

func (s *OrderService) placeOrder(ctx context.Context, d orderDraft, inTx func(ctx context.Context, tx bun.Tx, o *models.Order) error) (*models.Order, error) {
	var order *models.Order

	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		field, err := s.DB.FindActiveContactConflict(ctx, tx, d.email, d.phone, d.name, s.checkout.UniqueBuyerName)
		if err != nil {
			return fmt.Errorf("check contact uniqueness: %w", err)
		}
		if field != "" {
			return &models.DuplicateContactError{Field: field}
		}

		tt, err := s.pickTicketType(ctx, tx, d.ticketTypeID, d.category)
		if err != nil {
			return err
		}
		amount := tt.Price * int64(d.quantity)

		var referralID, discountID *int64
		var discountAmount, bundleAmount int64
		if !d.manual {
			rc, err := s.discount.ResolveReferral(ctx, tx, d.referralCode)
			if err != nil {
				return err
			}
			if rc != nil {
				referralID = &rc.ID
			}

			dc, result, err := s.discount.Resolve(ctx, tx, d.discountCode, amount)
			if err != nil {
				return err
			}
			if dc != nil {
				if err := s.DB.ConsumeDiscountCode(ctx, tx, dc.ID); err != nil {
					return err
				}
				discountID = &dc.ID
				discountAmount = result.DiscountAmount
			}
			bundleAmount = discount.BundleDiscount(d.quantity, s.checkout.BundleDiscountEnabled)
		}

		now := s.Now()
		order = &models.Order{
			OrderNumber:          s.NewOrderNumber(),
			BuyerName:            d.name,
			BuyerEmail:           d.email,
			BuyerPhone:           d.phone,
			TicketTypeID:         tt.ID,
			Category:             tt.Category,
			TicketQuantity:       d.quantity,
			UnitPrice:            tt.Price,
			Amount:               amount,
			DiscountAmount:       discountAmount,
			BundleDiscountAmount: bundleAmount,
			FinalAmount:          discount.FinalAmount(amount, discountAmount, bundleAmount),
			DiscountCodeID:       discountID,
			ReferralCodeID:       referralID,
			Status:               status.Pending,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		ticketStatus := models.TicketPending
		if d.manual {
			order.Status = status.Settlement
			order.PaidAt = &now
			order.SyncLocked = true
			order.SyncLockedReason = d.reason
			order.SyncLockedBy = d.operator
			order.SyncLockedAt = &now
			order.PaymentType = "offline"
			ticketStatus = models.TicketValid
		}

		if err := s.DB.InsertOrder(ctx, tx, order); err != nil {
			return err
		}
		issued, err := s.Tickets.IssueForOrder(ctx, tx, order, ticketStatus)
		if err != nil {
			return err
		}
		order.Tickets = make([]*models.Ticket, len(issued))
		for i := range issued {
			order.Tickets[i] = &issued[i]
		}

		if inTx != nil {
			return inTx(ctx, tx, order)
		}
		return nil
	})
	if err != nil {
		s.Logger.LogOrder("CREATE_FAILED", d.email, err.Error())
		return nil, err
	}

	s.Logger.LogOrder("CREATED", order.OrderNumber,
		fmt.Sprintf("%d ticket(s), final amount %d, status %s", order.TicketQuantity, order.FinalAmount, order.Status))
	s.PublishStatusChange(ctx, order, "", sourceCheckout, models.OutcomeApplied)
	return order, nil
}

// pickTicketType returns the requested type if it can be sold, otherwise the
// first available one.
func (s *OrderService) pickTicketType(ctx context.Context, idb bun.IDB, id int64, category string) (*models.TicketType, error) {
	if id > 0 {
		tt, err := s.DB.GetTicketType(ctx, idb, id)
		if err != nil {
			return nil, err
		}
		if !tt.Available() {
			return nil, models.ErrNoInventory
		}
		return tt, nil
	}
	return s.DB.FirstAvailableTicketType(ctx, idb, category)
}

// DiscountQuote is the advisory answer to an early discount check.
type DiscountQuote struct {
	Code                 string `json:"code"`
	Valid                bool   `json:"valid"`
	Reason               string `json:"reason,omitempty"`
	Subtotal             int64  `json:"subtotal"`
	DiscountAmount       int64  `json:"discount_amount"`
	BundleDiscountAmount int64  `json:"bundle_discount_amount"`
	FinalAmount          int64  `json:"final_amount"`
}

// ValidateDiscount previews a discount code without consuming it. Checkout
// validates the code again when it commits.
func (s *OrderService) ValidateDiscount(ctx context.Context, code string, ticketTypeID int64, category string, quantity int) (*DiscountQuote, error) {
	if quantity < 1 {
		quantity = 1
	}
	tt, err := s.pickTicketType(ctx, s.DB.IDB(), ticketTypeID, category)
	if err != nil {
		return nil, err
	}
	quote := &DiscountQuote{
		Code:                 discount.NormalizeCode(code),
		Subtotal:             tt.Price * int64(quantity),
		BundleDiscountAmount: discount.BundleDiscount(quantity, s.checkout.BundleDiscountEnabled),
	}

	_, result, err := s.discount.Resolve(ctx, s.DB.IDB(), code, quote.Subtotal)
	switch {
	case errors.Is(err, models.ErrDiscountInvalid), errors.Is(err, models.ErrDiscountLimitReached):
		quote.Reason = err.Error()
		if result != nil && result.Reason != "" {
			quote.Reason = result.Reason
		}
	case err != nil:
		return nil, err
	default:
		quote.Valid = quote.Code != ""
		quote.DiscountAmount = result.DiscountAmount
	}
	quote.FinalAmount = discount.FinalAmount(quote.Subtotal, quote.DiscountAmount, quote.BundleDiscountAmount)
	return quote, nil
}

// ---------------- QUERIES ----------------

func (s *OrderService) FindByOrderNumber(ctx context.Context, number string) (*models.Order, error) {
	return s.DB.GetOrderByNumber(ctx, s.DB.IDB(), strings.TrimSpace(number))
}

func (s *OrderService) GetOrderWithTickets(ctx context.Context, number string) (*models.Order, error) {
	return s.DB.GetOrderWithTickets(ctx, strings.TrimSpace(number))
}

func (s *OrderService) ListOrders(ctx context.Context, filter models.OrderFilter, page models.Pagination) (*models.OrderPage, error) {
	page = page.Normalize()
	orders, total, err := s.DB.ListOrders(ctx, filter, page)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return &models.OrderPage{Orders: orders, Total: total, Page: page.Page, PerPage: page.PerPage}, nil
}

// ---------------- STATUS ----------------

// WithLockedOrder runs fn in a transaction holding the order's row lock. The
// order handed to fn, including its sync_locked flag, was read under that lock.
func (s *OrderService) WithLockedOrder(ctx context.Context, number string, fn func(ctx context.Context, tx bun.Tx, o *models.Order) error) error {
	return s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		o, err := s.DB.LockOrder(ctx, tx, number)
		if err != nil {
			return err
		}
		return fn(ctx, tx, o)
	})
}

// ApplyStatusTx writes newStatus on a locked order. The first successful status
// stamps paid_at; any successful status moves pending tickets to valid in the
// same transaction.
func (s *OrderService) ApplyStatusTx(ctx context.Context, tx bun.Tx, o *models.Order, newStatus string, meta *models.GatewayMetadata) error {
	now := s.Now()
	o.Status = status.Normalize(newStatus)
	if status.IsSuccessful(o.Status) {
		if o.PaidAt == nil {
			o.PaidAt = &now
		}
		if _, err := s.Tickets.NormalizeToValid(ctx, tx, o); err != nil {
			return err
		}
	}
	if meta != nil {
		if meta.TransactionID != "" {
			o.GatewayTxnID = meta.TransactionID
		}
		if meta.PaymentType != "" {
			o.PaymentType = meta.PaymentType
		}
		if meta.Payload != "" {
			o.GatewayPayload = meta.Payload
		}
	}
	o.UpdatedAt = now
	return s.DB.SaveOrderState(ctx, tx, o)
}

// RepairPaidTx fills in what a paid order should already have: paid_at and
// valid tickets. The order row is only written when paid_at was missing, so a
// repeated status leaves it untouched.
func (s *OrderService) RepairPaidTx(ctx context.Context, tx bun.Tx, o *models.Order) error {
	if !status.IsSuccessful(o.Status) {
		return nil
	}
	if _, err := s.Tickets.NormalizeToValid(ctx, tx, o); err != nil {
		return err
	}
	if o.PaidAt != nil {
		return nil
	}
	now := s.Now()
	o.PaidAt = &now
	o.UpdatedAt = now
	return s.DB.SaveOrderState(ctx, tx, o)
}

// ChangeBuyerEmailTx sets a new contact email on a locked order. An address
// held by another live order is a DuplicateContactError. It reports whether
// the email changed.
func (s *OrderService) ChangeBuyerEmailTx(ctx context.Context, tx bun.Tx, o *models.Order, email string) (bool, error) {
	email = strings.TrimSpace(email)
	if email == o.BuyerEmail {
		return false, nil
	}
	taken, err := s.DB.ContactInUse(ctx, tx, "buyer_email", email, o.ID)
	if err != nil {
		return false, err
	}
	if taken {
		return false, &models.DuplicateContactError{Field: "buyer_email"}
	}
	o.BuyerEmail = email
	o.UpdatedAt = s.Now()
	return true, s.DB.SaveOrderState(ctx, tx, o)
}

// UpdateStatus sets an order's status. A sync-locked order only accepts the
// change from CallerOverride.
func (s *OrderService) UpdateStatus(ctx context.Context, number, newStatus string, meta *models.GatewayMetadata, caller Caller) (*models.Order, error) {
	if !status.Known(newStatus) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidStatus, newStatus)
	}
	var updated *models.Order
	var from string
	err := s.WithLockedOrder(ctx, number, func(ctx context.Context, tx bun.Tx, o *models.Order) error {
		if o.SyncLocked && caller != CallerOverride {
			return models.ErrSyncLocked
		}
		from = o.Status
		updated = o
		return s.ApplyStatusTx(ctx, tx, o, newStatus, meta)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.LogOrder("STATUS", number, fmt.Sprintf("%s -> %s", from, updated.Status))
	if from != updated.Status {
		source := models.SourceWebhook
		if caller == CallerOverride {
			source = models.SourceAdmin
		}
		s.PublishStatusChange(ctx, updated, from, source, models.OutcomeApplied)
	}
	return updated, nil
}

// SetSyncLockTx locks or unlocks automatic sync on a locked order row. It
// reports whether anything changed.
func (s *OrderService) SetSyncLockTx(ctx context.Context, tx bun.Tx, o *models.Order, locked bool, reason, operatorID string) (bool, error) {
	if o.SyncLocked == locked {
		return false, nil
	}
	now := s.Now()
	o.SyncLocked = locked
	if locked {
		o.SyncLockedReason = reason
		o.SyncLockedBy = operatorID
		o.SyncLockedAt = &now
	} else {
		o.SyncLockedReason = ""
		o.SyncLockedBy = ""
		o.SyncLockedAt = nil
	}
	o.UpdatedAt = now
	return true, s.DB.SaveOrderState(ctx, tx, o)
}

// LockSync stops automatic updates for the order. Locking twice is a no-op.
func (s *OrderService) LockSync(ctx context.Context, number, reason string, operator models.Operator) (*models.Order, error) {
	var out *models.Order
	err := s.WithLockedOrder(ctx, number, func(ctx context.Context, tx bun.Tx, o *models.Order) error {
		out = o
		_, err := s.SetSyncLockTx(ctx, tx, o, true, reason, operator.ID)
		return err
	})
	return out, err
}

// UnlockSync re-enables automatic updates. Unlocking an unlocked order is a no-op.
func (s *OrderService) UnlockSync(ctx context.Context, number string) (*models.Order, error) {
	var out *models.Order
	err := s.WithLockedOrder(ctx, number, func(ctx context.Context, tx bun.Tx, o *models.Order) error {
		out = o
		_, err := s.SetSyncLockTx(ctx, tx, o, false, "", "")
		return err
	})
	return out, err
}

// DeleteOrderTx removes a sync-locked order and its tickets.
func (s *OrderService) DeleteOrderTx(ctx context.Context, tx bun.Tx, o *models.Order) (int64, error) {
	if !o.SyncLocked {
		return 0, models.ErrOrderNotLocked
	}
	return s.DB.DeleteOrderWithTickets(ctx, tx, o.ID)
}

// DeleteOrder hard-deletes an order. The order must be sync-locked first.
func (s *OrderService) DeleteOrder(ctx context.Context, number string) (int64, error) {
	var tickets int64
	err := s.WithLockedOrder(ctx, number, func(ctx context.Context, tx bun.Tx, o *models.Order) error {
		var err error
		tickets, err = s.DeleteOrderTx(ctx, tx, o)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.Logger.LogOrder("DELETED", number, fmt.Sprintf("removed with %d ticket(s)", tickets))
	return tickets, nil
}

// ---------------- CLEANUP ----------------

// CleanupStale deletes expired orders, then pending orders older than the
// configured TTL. Each group runs in its own transaction so one failing does
// not stop the other; failures are reported in the result.
func (s *OrderService) CleanupStale(ctx context.Context) (*models.CleanupResult, error) {
	res := &models.CleanupResult{}

	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		res.ExpiredOrders, res.ExpiredTickets, err = s.DB.DeleteOrdersMatching(ctx, tx, []string{status.Expire}, nil)
		return err
	})
	if err != nil {
		res.ExpiredOrders, res.ExpiredTickets = 0, 0
		res.Errors = append(res.Errors, "expired orders: "+err.Error())
		s.Logger.Error("CLEANUP", fmt.Sprintf("Expired order cleanup failed: %v", err))
	}

	cutoff := s.Now().Add(-s.checkout.StalePendingTTL)
	err = s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		res.StaleOrders, res.StaleTickets, err = s.DB.DeleteOrdersMatching(ctx, tx, []string{status.Pending}, &cutoff)
		return err
	})
	if err != nil {
		res.StaleOrders, res.StaleTickets = 0, 0
		res.Errors = append(res.Errors, "stale pending orders: "+err.Error())
		s.Logger.Error("CLEANUP", fmt.Sprintf("Stale pending cleanup failed: %v", err))
	}

	s.Logger.Info("CLEANUP", fmt.Sprintf("Removed %d expired and %d stale pending order(s)", res.ExpiredOrders, res.StaleOrders))
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

// ---------------- EVENTS ----------------

// PublishStatusChange emits an order status event. Publish failures are
// logged and never fail the caller; the database is the source of truth.
func (s *OrderService) PublishStatusChange(ctx context.Context, o *models.Order, from, source, outcome string) {
	evt := models.OrderStatusChangedEvent{
		OrderNumber: o.OrderNumber,
		FromStatus:  from,
		ToStatus:    o.Status,
		Source:      source,
		Outcome:     outcome,
		OccurredAt:  s.Now(),
	}
	if err := s.Kafka.PublishJSON(ctx, s.topics.OrderStatus, o.OrderNumber, evt); err != nil {
		s.Logger.LogKafka("PUBLISH_FAILED", s.topics.OrderStatus, fmt.Sprintf("order %s: %v", o.OrderNumber, err))
	}
}
