package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"ms-admission/internal/models"
)

type DB struct {
	Bun *bun.DB
}

func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return d.Bun.RunInTx(ctx, &sql.TxOptions{}, fn)
}

func (d *DB) CreateTicket(ctx context.Context, idb bun.IDB, ticket *models.Ticket) error {
	_, err := idb.NewInsert().Model(ticket).Exec(ctx)
	return err
}

func (d *DB) GetTicketByCode(ctx context.Context, idb bun.IDB, code string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := idb.NewSelect().
		Model(&ticket).
		Where("ticket_code = ?", code).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// GetTicketWithOrder loads a ticket together with its owning order.
func (d *DB) GetTicketWithOrder(ctx context.Context, code string) (*models.Ticket, *models.Order, error) {
	ticket, err := d.GetTicketByCode(ctx, d.Bun, code)
	if err != nil {
		return nil, nil, err
	}
	var order models.Order
	err = d.Bun.NewSelect().
		Model(&order).
		Where("id = ?", ticket.OrderID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return ticket, nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return ticket, &order, nil
}

func (d *DB) GetTicketsByOrder(ctx context.Context, idb bun.IDB, orderID int64) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := idb.NewSelect().
		Model(&tickets).
		Where("order_id = ?", orderID).
		Order("seq ASC").
		Scan(ctx)
	return tickets, err
}

// NormalizeToValid flips every pending ticket of the order to valid. Used tickets are untouched.
func (d *DB) NormalizeToValid(ctx context.Context, idb bun.IDB, orderID int64, now time.Time) (int64, error) {
	res, err := idb.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketValid).
		Set("updated_at = ?", now).
		Where("order_id = ?", orderID).
		Where("status = ?", models.TicketPending).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const markUsedSQL = `UPDATE tickets
SET status = ?, checked_in_at = ?, scanned_by = ?, updated_at = ?
WHERE ticket_code = ?
  AND status = ?
  AND EXISTS (
    SELECT 1 FROM orders
    WHERE orders.id = tickets.order_id
      AND orders.status IN (?)
  )`

// MarkUsedIfValid is the single compare-and-set that admits a ticket. It only
// succeeds while the ticket is valid and its order is in a paid status, so
// exactly one of any number of concurrent callers gets true.
func (d *DB) MarkUsedIfValid(ctx context.Context, code, scannedBy string, at time.Time, paidStatuses []string) (bool, error) {
	res, err := d.Bun.ExecContext(ctx, markUsedSQL,
		models.TicketUsed, at, scannedBy, at,
		code, models.TicketValid, bun.In(paidStatuses))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SaveTicketState persists status and check-in columns.
func (d *DB) SaveTicketState(ctx context.Context, idb bun.IDB, ticket *models.Ticket) error {
	_, err := idb.NewUpdate().
		Model(ticket).
		Column("status", "checked_in_at", "scanned_by", "updated_at").
		WherePK().
		Exec(ctx)
	return err
}
