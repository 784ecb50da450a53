package ticket_api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/tickets/qr"
	"ms-admission/internal/utils"
)

type TicketLookup interface {
	GetTicketWithOrder(ctx context.Context, code string) (*models.Ticket, *models.Order, error)
}

type StatsSource interface {
	Stats(ctx context.Context) (*models.TicketStats, error)
}

type Handler struct {
	Tickets TicketLookup
	Stats   StatsSource
	Signer  *qr.Signer
	Logger  *logger.Logger
}

func NewHandler(tickets TicketLookup, stats StatsSource, signer *qr.Signer, log *logger.Logger) *Handler {
	return &Handler{
		Tickets: tickets,
		Stats:   stats,
		Signer:  signer,
		Logger:  log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/checkout/tickets/count", h.GetTotalTicketsCount)
	r.Get("/checkout/tickets/{ticketCode}/qr", h.QRCode)
}

// QRCode renders the signed QR image of a valid ticket for the holder of the
// order's access token. Without the token the ticket is reported as unknown.
// Pending tickets have no QR yet and used tickets no longer need one.
func (h *Handler) QRCode(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "ticketCode")

	ticket, order, err := h.Tickets.GetTicketWithOrder(r.Context(), code)
	if err != nil {
		if !errors.Is(err, models.ErrTicketNotFound) {
			h.Logger.Error("API", fmt.Sprintf("QRCode: lookup %s failed: %v", code, err))
		}
		utils.WriteError(w, "Ticket not found", err)
		return
	}
	if !h.Signer.VerifyAccess(order.OrderNumber, utils.OrderToken(r)) {
		h.Logger.LogSecurity("QR_ACCESS_DENIED", fmt.Sprintf("ticket %s from %s", code, r.RemoteAddr))
		utils.WriteError(w, "Ticket not found", models.ErrTicketNotFound)
		return
	}
	if ticket.Status != models.TicketValid {
		utils.WriteJSON(w, http.StatusConflict, utils.ErrorResponse("Ticket has no QR code", "ticket is "+ticket.Status))
		return
	}

	png, err := h.Signer.PNG(ticket.TicketCode, order.OrderNumber)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("QRCode: render %s failed: %v", code, err))
		utils.WriteError(w, "Failed to render QR code", err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}
