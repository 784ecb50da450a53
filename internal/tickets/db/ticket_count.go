package db

import (
	"context"

	"ms-admission/internal/models"
)

// CountByStatus groups tickets by status for the gate dashboard.
func (d *DB) CountByStatus(ctx context.Context) (*models.TicketStats, error) {
	var rows []struct {
		Status string `bun:"status"`
		Count  int    `bun:"count"`
	}
	err := d.Bun.NewSelect().
		Model((*models.Ticket)(nil)).
		Column("status").
		ColumnExpr("COUNT(*) AS count").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}

	stats := &models.TicketStats{}
	for _, r := range rows {
		stats.Total += r.Count
		switch r.Status {
		case models.TicketPending:
			stats.Pending = r.Count
		case models.TicketValid:
			stats.Valid = r.Count
		case models.TicketUsed:
			stats.Used = r.Count
		}
	}
	return stats, nil
}
