package ticket_api

import (
	"fmt"
	"net/http"

	"ms-admission/internal/utils"
)

// TicketCountResponse is the response format for the GetTotalTicketsCount endpoint
type TicketCountResponse struct {
	TotalCount int `json:"total_count"`
	Sold       int `json:"sold"`
}

// GetTotalTicketsCount reports how many tickets exist and how many are paid for.
func (h *Handler) GetTotalTicketsCount(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Stats.Stats(r.Context())
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetTotalTicketsCount: %v", err))
		utils.WriteError(w, "Error retrieving ticket count", err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Ticket count", TicketCountResponse{
		TotalCount: stats.Total,
		Sold:       stats.Valid + stats.Used,
	}))
}
