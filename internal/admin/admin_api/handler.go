package admin_api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-admission/internal/admin"
	"ms-admission/internal/auth"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/utils"
)

const maxAdminBody = 16 << 10

type Gate interface {
	LockSync(ctx context.Context, op models.Operator, number string, req admin.LockRequest) (*admin.Result, error)
	UnlockSync(ctx context.Context, op models.Operator, number string, req admin.UnlockRequest) (*admin.Result, error)
	ForceStatus(ctx context.Context, op models.Operator, number string, req admin.ForceStatusRequest) (*admin.Result, error)
	ForceDelete(ctx context.Context, op models.Operator, number string, req admin.ForceDeleteRequest) (*admin.Result, error)
	UpdateBuyerEmail(ctx context.Context, op models.Operator, number string, req admin.BuyerEmailRequest) (*admin.Result, error)
	CreateManualOrder(ctx context.Context, op models.Operator, req models.ManualOrderRequest) (*models.Order, error)
	History(ctx context.Context, number string) ([]models.OverrideAudit, error)
}

type OrderReader interface {
	ListOrders(ctx context.Context, filter models.OrderFilter, page models.Pagination) (*models.OrderPage, error)
	GetOrderWithTickets(ctx context.Context, number string) (*models.Order, error)
	CleanupStale(ctx context.Context) (*models.CleanupResult, error)
}

type NotificationLog interface {
	ListNotifications(ctx context.Context, number string) ([]models.PaymentNotification, error)
}

type Handler struct {
	Gate          Gate
	Orders        OrderReader
	Notifications NotificationLog
	Logger        *logger.Logger
}

func NewHandler(gate Gate, orders OrderReader, notifications NotificationLog, log *logger.Logger) *Handler {
	return &Handler{
		Gate:          gate,
		Orders:        orders,
		Notifications: notifications,
		Logger:        log,
	}
}

// RegisterRoutes mounts the back-office endpoints. Callers must wrap r with
// admin authentication.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/orders", h.ListOrders)
	r.Post("/orders/manual", h.CreateManualOrder)
	r.Post("/orders/cleanup", h.Cleanup)
	r.Get("/orders/{orderNumber}", h.GetOrder)
	r.Delete("/orders/{orderNumber}", h.ForceDelete)
	r.Post("/orders/{orderNumber}/lock", h.LockSync)
	r.Post("/orders/{orderNumber}/unlock", h.UnlockSync)
	r.Post("/orders/{orderNumber}/force-status", h.ForceStatus)
	r.Post("/orders/{orderNumber}/buyer-email", h.UpdateBuyerEmail)
}

// OrderDetail is everything the back office shows for one order.
type OrderDetail struct {
	Order         *models.Order                `json:"order"`
	Notifications []models.PaymentNotification `json:"notifications"`
	Audits        []models.OverrideAudit       `json:"audits"`
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(dst); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		utils.WriteError(w, "Invalid request", err)
		return false
	}
	return true
}

func operator(r *http.Request) models.Operator {
	op, _ := auth.OperatorFromContext(r.Context())
	return op
}

func (h *Handler) fail(w http.ResponseWriter, action string, err error) {
	if utils.StatusForError(err) == http.StatusInternalServerError {
		h.Logger.Error("ADMIN", fmt.Sprintf("%s: %v", action, err))
	}
	utils.WriteError(w, action+" failed", err)
}

func parseFilter(r *http.Request) (models.OrderFilter, models.Pagination, error) {
	q := r.URL.Query()
	filter := models.OrderFilter{Status: q.Get("status"), Search: q.Get("q")}

	if v := q.Get("locked"); v != "" {
		locked, err := strconv.ParseBool(v)
		if err != nil {
			return filter, models.Pagination{}, models.NewValidationError("locked", "must be true or false")
		}
		filter.SyncLocked = &locked
	}
	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		ts, err := parseTime(v)
		if err != nil {
			return filter, models.Pagination{}, models.NewValidationError(p.key, "must be RFC3339 or YYYY-MM-DD")
		}
		*p.dst = &ts
	}

	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	return filter, models.Pagination{Page: page, PerPage: perPage}, nil
}

func parseTime(v string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02", v)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseFilter(r)
	if err != nil {
		utils.WriteError(w, "Invalid filter", err)
		return
	}
	res, err := h.Orders.ListOrders(r.Context(), filter, page)
	if err != nil {
		h.fail(w, "List orders", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Orders", res))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "orderNumber")
	o, err := h.Orders.GetOrderWithTickets(r.Context(), number)
	if err != nil {
		h.fail(w, "Get order", err)
		return
	}
	notes, err := h.Notifications.ListNotifications(r.Context(), number)
	if err != nil {
		h.fail(w, "Get order", err)
		return
	}
	audits, err := h.Gate.History(r.Context(), number)
	if err != nil {
		h.fail(w, "Get order", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order", OrderDetail{Order: o, Notifications: notes, Audits: audits}))
}

func (h *Handler) LockSync(w http.ResponseWriter, r *http.Request) {
	var req admin.LockRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Gate.LockSync(r.Context(), operator(r), chi.URLParam(r, "orderNumber"), req)
	if err != nil {
		h.fail(w, "Lock sync", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order sync locked", res))
}

func (h *Handler) UnlockSync(w http.ResponseWriter, r *http.Request) {
	var req admin.UnlockRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Gate.UnlockSync(r.Context(), operator(r), chi.URLParam(r, "orderNumber"), req)
	if err != nil {
		h.fail(w, "Unlock sync", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order sync unlocked", res))
}

func (h *Handler) ForceStatus(w http.ResponseWriter, r *http.Request) {
	var req admin.ForceStatusRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Gate.ForceStatus(r.Context(), operator(r), chi.URLParam(r, "orderNumber"), req)
	if err != nil {
		h.fail(w, "Force status", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order status forced", res))
}

func (h *Handler) ForceDelete(w http.ResponseWriter, r *http.Request) {
	var req admin.ForceDeleteRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Gate.ForceDelete(r.Context(), operator(r), chi.URLParam(r, "orderNumber"), req)
	if err != nil {
		h.fail(w, "Force delete", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order deleted", res))
}

func (h *Handler) UpdateBuyerEmail(w http.ResponseWriter, r *http.Request) {
	var req admin.BuyerEmailRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Gate.UpdateBuyerEmail(r.Context(), operator(r), chi.URLParam(r, "orderNumber"), req)
	if err != nil {
		h.fail(w, "Update buyer email", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Buyer email updated", res))
}

func (h *Handler) CreateManualOrder(w http.ResponseWriter, r *http.Request) {
	var req models.ManualOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	o, err := h.Gate.CreateManualOrder(r.Context(), operator(r), req)
	if err != nil {
		h.fail(w, "Manual order", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Manual order created", o))
}

func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	res, err := h.Orders.CleanupStale(r.Context())
	if err != nil {
		h.fail(w, "Cleanup", err)
		return
	}
	msg := "Cleanup finished"
	if len(res.Errors) > 0 {
		msg = "Cleanup finished with errors"
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(msg, res))
}
