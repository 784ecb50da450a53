package tickets_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"ms-admission/internal/models"
	tickets "ms-admission/internal/tickets/service"
)

func TestStats(t *testing.T) {
	mockDB := new(MockTicketDBLayer)
	issuer := tickets.NewIssuer(mockDB, nil)

	mockDB.On("CountByStatus").Return(&models.TicketStats{Total: 5, Pending: 1, Valid: 3, Used: 1}, nil).Once()
	stats, err := issuer.Stats(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 3, stats.Valid)

	mockDB.On("CountByStatus").Return(nil, errors.New("db down")).Once()
	_, err = issuer.Stats(context.Background())
	assert.Error(t, err)
	mockDB.AssertExpectations(t)
}
