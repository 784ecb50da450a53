package db

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"ms-admission/internal/models"
)

// Tables lists every bun model the service persists, parents first.
var Tables = []interface{}{
	(*models.TicketType)(nil),
	(*models.ReferralCode)(nil),
	(*models.DiscountCode)(nil),
	(*models.Order)(nil),
	(*models.Ticket)(nil),
	(*models.PaymentNotification)(nil),
	(*models.OverrideAudit)(nil),
}

// CreateSchema builds the tables straight from the bun models. Postgres
// deployments use the SQL migrations instead; this serves SQLite test databases.
func CreateSchema(ctx context.Context, idb bun.IDB) error {
	for _, model := range Tables {
		if _, err := idb.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	return nil
}
