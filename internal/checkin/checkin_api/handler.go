package checkin_api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-admission/internal/auth"
	"ms-admission/internal/checkin"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/utils"
)

// Four images at camera resolution plus base64 overhead.
const maxScanBody = 12 << 20

type Guard interface {
	Validate(ctx context.Context, req checkin.ScanRequest) (*checkin.Decision, error)
	CheckIn(ctx context.Context, req checkin.ScanRequest) (*checkin.Decision, error)
	GateStats(ctx context.Context) (*models.TicketStats, error)
	AdminResetSingle(ctx context.Context, operator models.Operator, code, secretToken, confirmCode string) (*models.Ticket, error)
}

type Handler struct {
	Guard  Guard
	Logger *logger.Logger
}

func NewHandler(guard Guard, log *logger.Logger) *Handler {
	return &Handler{Guard: guard, Logger: log}
}

// RegisterScannerRoutes mounts the gate endpoints. Callers must wrap r with
// scanner or admin authentication.
func (h *Handler) RegisterScannerRoutes(r chi.Router) {
	r.Post("/scanner/validate", h.Validate)
	r.Post("/scanner/checkin", h.CheckIn)
	r.Get("/scanner/stats", h.Stats)
}

// RegisterAdminRoutes mounts the ticket reset endpoint.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/tickets/{ticketCode}/reset", h.ResetTicket)
}

func (h *Handler) decodeScan(w http.ResponseWriter, r *http.Request) (checkin.ScanRequest, bool) {
	var req checkin.ScanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScanBody)).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid scan payload", err.Error()))
		return req, false
	}
	op, ok := auth.OperatorFromContext(r.Context())
	if !ok {
		utils.WriteError(w, "Authentication required", models.ErrUnauthorized)
		return req, false
	}
	req.Operator = op
	return req, true
}

// writeDecision answers 200 for every admission decision, including used and
// invalid. Only the error decision maps to a failure status.
func (h *Handler) writeDecision(w http.ResponseWriter, d *checkin.Decision, err error) {
	if err != nil {
		status := utils.StatusForError(err)
		resp := utils.ErrorResponse("Scan failed", err.Error())
		if status == http.StatusInternalServerError {
			h.Logger.Error("CHECKIN", fmt.Sprintf("Scan failed: %v", err))
			resp.Error = "internal error"
		}
		if d != nil {
			resp.Data = d
		}
		utils.WriteJSON(w, status, resp)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(d.Reason, d))
}

func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeScan(w, r)
	if !ok {
		return
	}
	d, err := h.Guard.Validate(r.Context(), req)
	h.writeDecision(w, d, err)
}

func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeScan(w, r)
	if !ok {
		return
	}
	d, err := h.Guard.CheckIn(r.Context(), req)
	h.writeDecision(w, d, err)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Guard.GateStats(r.Context())
	if err != nil {
		h.Logger.Error("CHECKIN", fmt.Sprintf("Gate stats failed: %v", err))
		utils.WriteError(w, "Gate stats unavailable", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Gate stats", stats))
}

type resetRequest struct {
	SecretToken string `json:"secret_token" validate:"required"`
	ConfirmCode string `json:"confirm_code" validate:"required"`
}

func (h *Handler) ResetTicket(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "ticketCode")
	var req resetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		utils.WriteError(w, "Invalid request", err)
		return
	}
	op, _ := auth.OperatorFromContext(r.Context())

	ticket, err := h.Guard.AdminResetSingle(r.Context(), op, code, req.SecretToken, req.ConfirmCode)
	if err != nil {
		utils.WriteError(w, "Ticket reset refused", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Ticket reset to valid", ticket))
}
