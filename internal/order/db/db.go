package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-admission/internal/models"
	"ms-admission/internal/payment/status"
)

// Names of the partial unique indexes created by the schema migration.
const (
	EmailActiveConstraint = "orders_buyer_email_active_uniq"
	PhoneActiveConstraint = "orders_buyer_phone_active_uniq"
)

type DB struct {
	Bun *bun.DB
}

func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return d.Bun.RunInTx(ctx, &sql.TxOptions{}, fn)
}

// IDB is the non-transactional handle for reads outside a transaction.
func (d *DB) IDB() bun.IDB {
	return d.Bun
}

// SupportsRowLocks is false on SQLite, where a write transaction already serializes.
func (d *DB) SupportsRowLocks() bool {
	return d.Bun.Dialect().Name() == dialect.PG
}

// ---------------- CATALOG ----------------

func (d *DB) GetTicketType(ctx context.Context, idb bun.IDB, id int64) (*models.TicketType, error) {
	var tt models.TicketType
	err := idb.NewSelect().Model(&tt).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNoInventory
	}
	if err != nil {
		return nil, err
	}
	return &tt, nil
}

// FirstAvailableTicketType returns the lowest-id enabled, priced ticket type,
// preferring the requested category when one is given.
func (d *DB) FirstAvailableTicketType(ctx context.Context, idb bun.IDB, category string) (*models.TicketType, error) {
	var types []models.TicketType
	err := idb.NewSelect().
		Model(&types).
		Where("enabled = ?", true).
		Where("price > 0").
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return nil, models.ErrNoInventory
	}
	for i := range types {
		if category != "" && types[i].Category == category {
			return &types[i], nil
		}
	}
	return &types[0], nil
}

func (d *DB) GetReferralCode(ctx context.Context, idb bun.IDB, code string) (*models.ReferralCode, error) {
	var rc models.ReferralCode
	err := idb.NewSelect().Model(&rc).Where("code = ?", code).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrReferralInvalid
	}
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

func (d *DB) GetDiscountCode(ctx context.Context, idb bun.IDB, code string) (*models.DiscountCode, error) {
	var dc models.DiscountCode
	err := idb.NewSelect().Model(&dc).Where("code = ?", code).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrDiscountInvalid
	}
	if err != nil {
		return nil, err
	}
	return &dc, nil
}

// ConsumeDiscountCode increments used_count only while the limit allows it.
// Zero affected rows means another order took the last use.
func (d *DB) ConsumeDiscountCode(ctx context.Context, idb bun.IDB, id int64) error {
	res, err := idb.NewUpdate().
		Model((*models.DiscountCode)(nil)).
		Set("used_count = used_count + 1").
		Where("id = ?", id).
		Where("active = ?", true).
		Where("(usage_limit = 0 OR used_count < usage_limit)").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("consume discount code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrDiscountLimitReached
	}
	return nil
}

// ---------------- ORDERS ----------------

// FindActiveContactConflict returns the first contact field already used by
// an order that is not terminally failed, or "" when the contact is free.
// Fields are checked in the order email, phone, name.
func (d *DB) FindActiveContactConflict(ctx context.Context, idb bun.IDB, email, phone, name string, checkName bool) (string, error) {
	fields := []struct{ column, value string }{
		{"buyer_email", email},
		{"buyer_phone", phone},
	}
	if checkName {
		fields = append(fields, struct{ column, value string }{"buyer_name", name})
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		taken, err := d.ContactInUse(ctx, idb, f.column, f.value, 0)
		if err != nil {
			return "", err
		}
		if taken {
			return f.column, nil
		}
	}
	return "", nil
}

// ContactInUse reports whether a live order other than excludeID has value in
// the contact column.
func (d *DB) ContactInUse(ctx context.Context, idb bun.IDB, column, value string, excludeID int64) (bool, error) {
	switch column {
	case "buyer_email", "buyer_phone", "buyer_name":
	default:
		return false, fmt.Errorf("unknown contact column %q", column)
	}
	q := idb.NewSelect().
		Model((*models.Order)(nil)).
		Where("status NOT IN (?)", bun.In(status.FailedStatuses())).
		Where("? = ?", bun.Ident(column), value)
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	return q.Exists(ctx)
}

func (d *DB) InsertOrder(ctx context.Context, idb bun.IDB, o *models.Order) error {
	if _, err := idb.NewInsert().Model(o).Exec(ctx); err != nil {
		return MapConstraintError(err)
	}
	return nil
}

// MapConstraintError turns unique violations on the contact indexes into
// DuplicateContactError, keyed on the constraint name.
func MapConstraintError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		switch pqErr.Constraint {
		case EmailActiveConstraint:
			return &models.DuplicateContactError{Field: "buyer_email"}
		case PhoneActiveConstraint:
			return &models.DuplicateContactError{Field: "buyer_phone"}
		}
	}
	return err
}

func (d *DB) GetOrderByNumber(ctx context.Context, idb bun.IDB, number string) (*models.Order, error) {
	var order models.Order
	err := idb.NewSelect().
		Model(&order).
		Where("order_number = ?", number).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// LockOrder reads the order inside tx, holding its row lock on Postgres until commit.
func (d *DB) LockOrder(ctx context.Context, tx bun.Tx, number string) (*models.Order, error) {
	var order models.Order
	q := tx.NewSelect().
		Model(&order).
		Where("order_number = ?", number).
		Limit(1)
	if d.SupportsRowLocks() {
		q = q.For("UPDATE")
	}
	err := q.Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// SaveOrderState persists the mutable lifecycle columns of an order.
func (d *DB) SaveOrderState(ctx context.Context, idb bun.IDB, o *models.Order) error {
	_, err := idb.NewUpdate().
		Model(o).
		Column("buyer_email", "status", "paid_at", "sync_locked", "sync_locked_reason", "sync_locked_by", "sync_locked_at",
			"gateway_txn_id", "payment_type", "gateway_payload", "last_synced_at", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return MapConstraintError(err)
	}
	return nil
}

// DeleteOrderWithTickets removes the tickets and then the order row.
func (d *DB) DeleteOrderWithTickets(ctx context.Context, idb bun.IDB, orderID int64) (int64, error) {
	res, err := idb.NewDelete().
		Model((*models.Ticket)(nil)).
		Where("order_id = ?", orderID).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete tickets: %w", err)
	}
	tickets, _ := res.RowsAffected()

	if _, err := idb.NewDelete().
		Model((*models.Order)(nil)).
		Where("id = ?", orderID).
		Exec(ctx); err != nil {
		return tickets, fmt.Errorf("delete order: %w", err)
	}
	return tickets, nil
}

// DeleteOrdersMatching deletes unlocked orders in the given statuses, optionally
// only those created before a cutoff, together with their tickets.
func (d *DB) DeleteOrdersMatching(ctx context.Context, tx bun.Tx, statuses []string, createdBefore *time.Time) (int64, int64, error) {
	var ids []int64
	q := tx.NewSelect().
		Model((*models.Order)(nil)).
		Column("id").
		Where("status IN (?)", bun.In(statuses)).
		Where("sync_locked = ?", false)
	if createdBefore != nil {
		q = q.Where("created_at < ?", *createdBefore)
	}
	if d.SupportsRowLocks() {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx, &ids); err != nil {
		return 0, 0, err
	}
	if len(ids) == 0 {
		return 0, 0, nil
	}

	res, err := tx.NewDelete().
		Model((*models.Ticket)(nil)).
		Where("order_id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("delete tickets: %w", err)
	}
	tickets, _ := res.RowsAffected()

	res, err = tx.NewDelete().
		Model((*models.Order)(nil)).
		Where("id IN (?)", bun.In(ids)).
		Where("status IN (?)", bun.In(statuses)).
		Where("sync_locked = ?", false).
		Exec(ctx)
	if err != nil {
		return 0, tickets, fmt.Errorf("delete orders: %w", err)
	}
	orders, _ := res.RowsAffected()
	return orders, tickets, nil
}

// ---------------- QUERIES ----------------

// GetOrderWithTickets loads an order and its tickets ordered by sequence.
func (d *DB) GetOrderWithTickets(ctx context.Context, number string) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Relation("Tickets", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("seq ASC")
		}).
		Where("order_number = ?", number).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *DB) ListOrders(ctx context.Context, filter models.OrderFilter, page models.Pagination) ([]models.Order, int, error) {
	page = page.Normalize()
	var orders []models.Order
	q := d.Bun.NewSelect().Model(&orders)

	if filter.Status != "" {
		q = q.Where("status = ?", status.Normalize(filter.Status))
	}
	if filter.SyncLocked != nil {
		q = q.Where("sync_locked = ?", *filter.SyncLocked)
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("created_at < ?", filter.To.UTC())
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("LOWER(order_number) LIKE ?", like).
				WhereOr("LOWER(buyer_email) LIKE ?", like).
				WhereOr("LOWER(buyer_name) LIKE ?", like)
		})
	}

	total, err := q.
		Order("created_at DESC", "id DESC").
		Limit(page.PerPage).
		Offset(page.Offset()).
		ScanAndCount(ctx)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// ListReconcileCandidates pages through orders eligible for a bulk reconcile
// using keyset pagination on id.
func (d *DB) ListReconcileCandidates(ctx context.Context, statuses []string, since time.Time, afterID int64, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := d.Bun.NewSelect().
		Model(&orders).
		Where("status IN (?)", bun.In(statuses)).
		Where("created_at >= ?", since.UTC()).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Scan(ctx)
	return orders, err
}

// ---------------- AUDIT ----------------

func (d *DB) InsertNotification(ctx context.Context, idb bun.IDB, n *models.PaymentNotification) error {
	_, err := idb.NewInsert().Model(n).Exec(ctx)
	return err
}

func (d *DB) ListNotifications(ctx context.Context, number string) ([]models.PaymentNotification, error) {
	var out []models.PaymentNotification
	err := d.Bun.NewSelect().
		Model(&out).
		Where("order_number = ?", number).
		Order("received_at ASC", "id ASC").
		Scan(ctx)
	return out, err
}

func (d *DB) InsertAudit(ctx context.Context, idb bun.IDB, a *models.OverrideAudit) error {
	_, err := idb.NewInsert().Model(a).Exec(ctx)
	return err
}

func (d *DB) ListAudits(ctx context.Context, number string) ([]models.OverrideAudit, error) {
	var out []models.OverrideAudit
	err := d.Bun.NewSelect().
		Model(&out).
		Where("order_number = ?", number).
		Order("id ASC").
		Scan(ctx)
	return out, err
}
