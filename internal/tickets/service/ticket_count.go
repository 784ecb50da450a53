package tickets

import (
	"context"
	"fmt"

	"ms-admission/internal/models"
)

// Stats returns ticket counts by status for the gate dashboard.
func (s *Issuer) Stats(ctx context.Context) (*models.TicketStats, error) {
	stats, err := s.DB.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count tickets: %w", err)
	}
	return stats, nil
}
