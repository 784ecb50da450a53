package tickets

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/utils"
)

type TicketDBLayer interface {
	CreateTicket(ctx context.Context, idb bun.IDB, ticket *models.Ticket) error
	GetTicketsByOrder(ctx context.Context, idb bun.IDB, orderID int64) ([]models.Ticket, error)
	NormalizeToValid(ctx context.Context, idb bun.IDB, orderID int64, now time.Time) (int64, error)
	CountByStatus(ctx context.Context) (*models.TicketStats, error)
}

// Issuer creates the tickets of an order and keeps their status in step with it.
// Every write runs on the caller's transaction.
type Issuer struct {
	DB      TicketDBLayer
	Logger  *logger.Logger
	CodeGen func(orderNumber string, seq int) string
	Now     func() time.Time
}

func NewIssuer(db TicketDBLayer, log *logger.Logger) *Issuer {
	return &Issuer{
		DB:      db,
		Logger:  log,
		CodeGen: utils.GenerateTicketCode,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// IssueForOrder inserts exactly order.TicketQuantity tickets numbered from 1.
// initialStatus is pending for online checkout and valid for offline sales.
// Any failure is returned as is; the caller rolls back its transaction.
func (s *Issuer) IssueForOrder(ctx context.Context, idb bun.IDB, order *models.Order, initialStatus string) ([]models.Ticket, error) {
	if initialStatus != models.TicketPending && initialStatus != models.TicketValid {
		return nil, fmt.Errorf("%w: tickets cannot be issued as %q", models.ErrInvalidStatus, initialStatus)
	}
	if order.ID == 0 {
		return nil, fmt.Errorf("issue tickets: order %s has not been inserted", order.OrderNumber)
	}

	now := s.Now()
	issued := make([]models.Ticket, 0, order.TicketQuantity)
	for seq := 1; seq <= order.TicketQuantity; seq++ {
		ticket := models.Ticket{
			OrderID:    order.ID,
			TicketCode: s.CodeGen(order.OrderNumber, seq),
			Seq:        seq,
			Status:     initialStatus,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.DB.CreateTicket(ctx, idb, &ticket); err != nil {
			return nil, fmt.Errorf("issue ticket %d of %d for %s: %w", seq, order.TicketQuantity, order.OrderNumber, err)
		}
		issued = append(issued, ticket)
	}

	s.Logger.LogOrder("TICKETS_ISSUED", order.OrderNumber,
		fmt.Sprintf("%d %s ticket(s) issued", len(issued), initialStatus))
	return issued, nil
}

// NormalizeToValid moves pending tickets of a paid order to valid. Running it
// again changes nothing and used tickets keep their check-in.
func (s *Issuer) NormalizeToValid(ctx context.Context, idb bun.IDB, order *models.Order) (int64, error) {
	n, err := s.DB.NormalizeToValid(ctx, idb, order.ID, s.Now())
	if err != nil {
		return 0, fmt.Errorf("normalize tickets for %s: %w", order.OrderNumber, err)
	}
	if n > 0 {
		s.Logger.LogOrder("TICKETS_VALID", order.OrderNumber, fmt.Sprintf("%d ticket(s) moved to valid", n))
	}
	return n, nil
}

func (s *Issuer) TicketsForOrder(ctx context.Context, idb bun.IDB, order *models.Order) ([]models.Ticket, error) {
	return s.DB.GetTicketsByOrder(ctx, idb, order.ID)
}
