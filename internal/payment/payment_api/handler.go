package payment_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/payment/gateway"
	"ms-admission/internal/payment/syncengine"
	"ms-admission/internal/utils"
)

const (
	maxWebhookBody     = 64 << 10
	defaultBulkTimeout = 10 * time.Minute
)

type SyncEngine interface {
	ApplyExternalUpdate(ctx context.Context, u syncengine.ExternalUpdate) (*syncengine.ApplyResult, error)
	Reconcile(ctx context.Context, number string) (*syncengine.ReconcileResult, error)
	ReconcileAndApply(ctx context.Context, number, source string) (*syncengine.ReconcileResult, error)
	BulkReconcile(ctx context.Context) (*syncengine.BulkResult, error)
}

type Handler struct {
	Engine              SyncEngine
	ServerKey           string
	StripeWebhookSecret string
	Logger              *logger.Logger

	// BulkTimeout bounds one background bulk sweep.
	BulkTimeout time.Duration
	sweeps      sync.WaitGroup
}

func NewHandler(engine SyncEngine, serverKey, stripeWebhookSecret string, log *logger.Logger) *Handler {
	return &Handler{
		Engine:              engine,
		ServerKey:           serverKey,
		StripeWebhookSecret: stripeWebhookSecret,
		Logger:              log,
	}
}

// RegisterWebhookRoutes mounts the unauthenticated gateway callbacks.
// Authenticity comes from the payload signature.
func (h *Handler) RegisterWebhookRoutes(r chi.Router) {
	r.Post("/payments/notifications", h.Notification)
	r.Post("/payments/stripe/webhook", h.StripeWebhook)
}

// RegisterAdminRoutes mounts reconciliation endpoints. Callers must wrap r
// with admin authentication.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Get("/orders/{orderNumber}/reconcile", h.Reconcile)
	r.Post("/orders/{orderNumber}/reconcile", h.ReconcileAndApply)
	r.Post("/orders/reconcile", h.BulkReconcile)
}

// Notification handles the HTTP gateway's payment notification. Anything the
// gateway should retry (unknown order, storage failure) gets a non-2xx.
func (h *Handler) Notification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	var n gateway.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid notification payload", err.Error()))
		return
	}
	if err := utils.ValidateStruct(&n); err != nil {
		utils.WriteError(w, "Invalid notification payload", err)
		return
	}
	if !gateway.VerifySignature(&n, h.ServerKey) {
		h.Logger.LogSecurity("BAD_SIGNATURE", fmt.Sprintf("Notification for %s from %s rejected", n.OrderID, r.RemoteAddr))
		utils.WriteJSON(w, http.StatusForbidden, utils.ErrorResponse("Invalid signature", "signature_key does not match"))
		return
	}

	update := syncengine.FromGateway(n.Update(string(body)), models.SourceWebhook)
	h.apply(w, r, update)
}

// StripeWebhook handles PaymentIntent events signed with the Stripe-Signature header.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.Logger.Error("WEBHOOK", fmt.Sprintf("Error reading request body: %v", err))
		utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse("Error reading request body", err.Error()))
		return
	}

	update, err := gateway.ParseStripeWebhook(payload, r.Header.Get("Stripe-Signature"), h.StripeWebhookSecret, h.Logger)
	if err != nil {
		var whErr *gateway.WebhookError
		if errors.As(err, &whErr) {
			h.Logger.Error("WEBHOOK", fmt.Sprintf("Webhook error [%s]: %s", whErr.Category, whErr.InternalError))
			utils.WriteJSON(w, whErr.StatusCode, utils.ErrorResponse(whErr.PublicError, ""))
			return
		}
		utils.WriteError(w, "Webhook processing error", err)
		return
	}
	if update == nil {
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event ignored", nil))
		return
	}

	h.apply(w, r, syncengine.FromGateway(update, models.SourceStripe))
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request, u syncengine.ExternalUpdate) {
	res, err := h.Engine.ApplyExternalUpdate(r.Context(), u)
	if err != nil {
		if !errors.Is(err, models.ErrOrderNotFound) {
			h.Logger.Error("WEBHOOK", fmt.Sprintf("Failed to apply %s update for %s: %v", u.Source, u.OrderNumber, err))
		}
		utils.WriteError(w, "Notification not applied", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Notification processed", res))
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "orderNumber")
	res, err := h.Engine.Reconcile(r.Context(), number)
	if err != nil {
		utils.WriteError(w, "Reconcile failed", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Reconcile result", res))
}

func (h *Handler) ReconcileAndApply(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "orderNumber")
	res, err := h.Engine.ReconcileAndApply(r.Context(), number, models.SourceReconcile)
	if err != nil {
		utils.WriteError(w, "Reconcile failed", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order reconciled", res))
}

// BulkRun identifies a sweep started from the admin API.
type BulkRun struct {
	RunID string `json:"run_id"`
}

// BulkReconcile starts a sweep in the background and answers 202 right away.
// The sweep outlives the request and is bounded by BulkTimeout.
func (h *Handler) BulkReconcile(w http.ResponseWriter, r *http.Request) {
	runID := uuid.NewString()
	timeout := h.BulkTimeout
	if timeout <= 0 {
		timeout = defaultBulkTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)

	h.sweeps.Add(1)
	go func() {
		defer h.sweeps.Done()
		defer cancel()
		h.runBulk(ctx, runID)
	}()

	h.Logger.LogSync("*", models.SourceBulk, fmt.Sprintf("Bulk reconcile %s started from admin API", runID))
	utils.WriteJSON(w, http.StatusAccepted, utils.SuccessResponse("Bulk reconcile started", BulkRun{RunID: runID}))
}

func (h *Handler) runBulk(ctx context.Context, runID string) {
	res, err := h.Engine.BulkReconcile(ctx)
	if err != nil {
		h.Logger.Error("SYNC", fmt.Sprintf("Bulk reconcile %s failed: %v", runID, err))
		return
	}
	if res.Skipped {
		h.Logger.LogSync("*", models.SourceBulk, fmt.Sprintf("Bulk reconcile %s skipped, another instance holds the sweep lock", runID))
		return
	}
	h.Logger.LogSync("*", models.SourceBulk, fmt.Sprintf("Bulk reconcile %s: checked=%d updated=%d ignored=%d not_found=%d unreachable=%d failed=%d in %s",
		runID, res.Checked, res.Updated, res.Ignored, res.NotFound, res.Unreachable, res.Failed, res.Duration))
}

// Wait blocks until background sweeps started by this handler finish.
func (h *Handler) Wait() {
	h.sweeps.Wait()
}
