package order_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/order"
	"ms-admission/internal/payment/status"
	"ms-admission/internal/utils"
)

const maxCheckoutBody = 16 << 10

type OrderService interface {
	CreateOrder(ctx context.Context, req models.CheckoutRequest) (*models.Order, error)
	ValidateDiscount(ctx context.Context, code string, ticketTypeID int64, category string, quantity int) (*order.DiscountQuote, error)
	GetOrderWithTickets(ctx context.Context, number string) (*models.Order, error)
}

// AccessGuard issues and checks the per-order buyer token.
type AccessGuard interface {
	AccessToken(orderNumber string) string
	VerifyAccess(orderNumber, token string) bool
}

type Handler struct {
	OrderService OrderService
	Access       AccessGuard
	Logger       *logger.Logger
}

func NewHandler(orderService OrderService, access AccessGuard, log *logger.Logger) *Handler {
	return &Handler{
		OrderService: orderService,
		Access:       access,
		Logger:       log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/checkout/orders", h.PlaceOrder)
	r.Post("/checkout/discounts/validate", h.ValidateDiscount)
	r.Get("/checkout/orders/{orderNumber}", h.GetOrder)
}

// TicketView is a ticket as shown to its buyer.
type TicketView struct {
	TicketCode  string     `json:"ticket_code"`
	Seq         int        `json:"seq"`
	Status      string     `json:"status"`
	CheckedInAt *time.Time `json:"checked_in_at,omitempty"`
	QRURL       string     `json:"qr_url,omitempty"`
}

// CreatedOrder is the checkout response. AccessToken is shown only here.
type CreatedOrder struct {
	OrderView
	AccessToken string `json:"access_token"`
}

// OrderView is what the buyer sees of an order. It leaves out sync-lock and
// gateway detail.
type OrderView struct {
	OrderNumber    string       `json:"order_number"`
	Status         string       `json:"status"`
	Paid           bool         `json:"paid"`
	BuyerName      string       `json:"buyer_name"`
	Category       string       `json:"category"`
	TicketQuantity int          `json:"ticket_quantity"`
	Amount         int64        `json:"amount"`
	DiscountAmount int64        `json:"discount_amount"`
	BundleDiscount int64        `json:"bundle_discount_amount"`
	FinalAmount    int64        `json:"final_amount"`
	Tickets        []TicketView `json:"tickets"`
}

func newOrderView(o *models.Order, token string) OrderView {
	v := OrderView{
		OrderNumber:    o.OrderNumber,
		Status:         o.Status,
		Paid:           status.IsSuccessful(o.Status),
		BuyerName:      o.BuyerName,
		Category:       o.Category,
		TicketQuantity: o.TicketQuantity,
		Amount:         o.Amount,
		DiscountAmount: o.DiscountAmount,
		BundleDiscount: o.BundleDiscountAmount,
		FinalAmount:    o.FinalAmount,
		Tickets:        make([]TicketView, 0, len(o.Tickets)),
	}
	for _, t := range o.Tickets {
		tv := TicketView{TicketCode: t.TicketCode, Seq: t.Seq, Status: t.Status, CheckedInAt: t.CheckedInAt}
		if t.Status == models.TicketValid {
			tv.QRURL = "/api/checkout/tickets/" + url.PathEscape(t.TicketCode) + "/qr?" + url.Values{"token": {token}}.Encode()
		}
		v.Tickets = append(v.Tickets, tv)
	}
	return v
}

func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req models.CheckoutRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckoutBody)).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	o, err := h.OrderService.CreateOrder(r.Context(), req)
	if err != nil {
		if utils.StatusForError(err) == http.StatusInternalServerError {
			h.Logger.Error("API", fmt.Sprintf("PlaceOrder: %v", err))
		}
		utils.WriteError(w, "Order could not be placed", err)
		return
	}
	token := h.Access.AccessToken(o.OrderNumber)
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Order created", CreatedOrder{
		OrderView:   newOrderView(o, token),
		AccessToken: token,
	}))
}

type discountRequest struct {
	Code         string `json:"code" validate:"required,max=64"`
	TicketTypeID int64  `json:"ticket_type_id,omitempty" validate:"omitempty,gt=0"`
	Category     string `json:"category,omitempty" validate:"omitempty,oneof=internal external"`
	Quantity     int    `json:"quantity" validate:"omitempty,min=1,max=10"`
}

// ValidateDiscount is advisory: a valid answer here does not reserve a use.
func (h *Handler) ValidateDiscount(w http.ResponseWriter, r *http.Request) {
	var req discountRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckoutBody)).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		utils.WriteError(w, "Invalid request", err)
		return
	}

	quote, err := h.OrderService.ValidateDiscount(r.Context(), req.Code, req.TicketTypeID, req.Category, req.Quantity)
	if err != nil {
		if !errors.Is(err, models.ErrNoInventory) {
			h.Logger.Error("API", fmt.Sprintf("ValidateDiscount: %v", err))
		}
		utils.WriteError(w, "Discount could not be checked", err)
		return
	}
	msg := "Discount code is valid"
	if !quote.Valid {
		msg = "Discount code is not valid"
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(msg, quote))
}

// GetOrder needs the order's access token. A missing or wrong token looks the
// same as an unknown order.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "orderNumber")
	token := utils.OrderToken(r)
	if !h.Access.VerifyAccess(number, token) {
		utils.WriteError(w, "Order not found", models.ErrOrderNotFound)
		return
	}

	o, err := h.OrderService.GetOrderWithTickets(r.Context(), number)
	if err != nil {
		if !errors.Is(err, models.ErrOrderNotFound) {
			h.Logger.Error("API", fmt.Sprintf("GetOrder: %s: %v", number, err))
		}
		utils.WriteError(w, "Order not found", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order", newOrderView(o, token)))
}
