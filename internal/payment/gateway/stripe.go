package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"ms-admission/internal/logger"
	"ms-admission/internal/payment/status"
	"ms-admission/internal/utils"
)

// OrderMetadataKey is the PaymentIntent metadata key holding our order number.
const OrderMetadataKey = "order_number"

var ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")

// StripeOracle resolves order status from Stripe PaymentIntents.
type StripeOracle struct {
	client *client.API
	log    *logger.Logger
}

// NewStripeOracle builds a client for secretKey. backends may be nil; tests
// point it at a local server.
func NewStripeOracle(secretKey string, backends *stripe.Backends, log *logger.Logger) (*StripeOracle, error) {
	if secretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY is not set")
		return nil, ErrStripeClientInitFailed
	}
	sc := client.New(secretKey, backends)
	if sc == nil {
		return nil, ErrStripeClientInitFailed
	}
	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeOracle{client: sc, log: log}, nil
}

func (s *StripeOracle) Name() string { return "stripe" }

// StripeStatus maps a PaymentIntent status onto the gateway status vocabulary.
func StripeStatus(pi stripe.PaymentIntentStatus) string {
	switch pi {
	case stripe.PaymentIntentStatusSucceeded:
		return status.Settlement
	case stripe.PaymentIntentStatusRequiresCapture:
		return status.Authorize
	case stripe.PaymentIntentStatusCanceled:
		return status.Cancel
	default:
		return status.Pending
	}
}

// QueryStatus searches PaymentIntents tagged with the order number and
// reports the most recently created one.
func (s *StripeOracle) QueryStatus(ctx context.Context, orderNumber string) (*TransactionStatus, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", OrderMetadataKey, orderNumber)

	var latest *stripe.PaymentIntent
	iter := s.client.PaymentIntents.Search(params)
	for iter.Next() {
		pi := iter.PaymentIntent()
		if latest == nil || pi.Created > latest.Created {
			latest = pi
		}
	}
	if err := iter.Err(); err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("PaymentIntent search for %s failed: %v", orderNumber, err))
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if latest == nil {
		return nil, ErrTransactionNotFound
	}

	raw, _ := json.Marshal(latest)
	created := utils.UnixTimeToTime(latest.Created).UTC()
	ts := &TransactionStatus{
		OrderNumber:       orderNumber,
		TransactionStatus: StripeStatus(latest.Status),
		TransactionID:     latest.ID,
		GrossAmount:       fmt.Sprintf("%d", latest.Amount),
		StatusMessage:     string(latest.Status),
		TransactionTime:   &created,
		Raw:               string(raw),
	}
	if len(latest.PaymentMethodTypes) > 0 {
		ts.PaymentType = latest.PaymentMethodTypes[0]
	}
	return ts, nil
}

// WebhookError represents an error that occurred during webhook processing
type WebhookError struct {
	Category      string // "configuration", "validation", "processing"
	StatusCode    int    // HTTP status code
	PublicError   string // Safe to expose to clients
	InternalError string // Detailed error for logs only
	OriginalErr   error  // Underlying error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

func (e *WebhookError) Unwrap() error {
	return e.OriginalErr
}

// stripeEventStatus maps the PaymentIntent events we act on.
var stripeEventStatus = map[stripe.EventType]string{
	"payment_intent.succeeded":                 status.Settlement,
	"payment_intent.payment_failed":            status.Failure,
	"payment_intent.canceled":                  status.Cancel,
	"payment_intent.amount_capturable_updated": status.Authorize,
}

// ParseStripeWebhook verifies the Stripe-Signature header and converts a
// PaymentIntent event into an Update. Events we do not act on return (nil, nil).
func ParseStripeWebhook(payload []byte, signature, secret string, log *logger.Logger) (*Update, error) {
	if secret == "" {
		log.Error("WEBHOOK", "Stripe webhook secret is not configured")
		return nil, &WebhookError{
			Category:      "configuration",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Webhook processing error",
			InternalError: "Stripe webhook secret is not configured",
		}
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
		Tolerance:                5 * time.Minute,
	})
	if err != nil {
		log.LogSecurity("STRIPE_SIGNATURE", fmt.Sprintf("Rejected webhook: %v", err))
		return nil, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook signature",
			InternalError: fmt.Sprintf("Invalid webhook signature: %v", err),
			OriginalErr:   err,
		}
	}

	rawStatus, handled := stripeEventStatus[event.Type]
	if !handled {
		log.Info("WEBHOOK", fmt.Sprintf("Unhandled event type: %s", event.Type))
		return nil, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid event data",
			InternalError: fmt.Sprintf("Failed to unmarshal payment intent: %v", err),
			OriginalErr:   err,
		}
	}
	orderNumber := pi.Metadata[OrderMetadataKey]
	if orderNumber == "" {
		return nil, &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid payment intent data",
			InternalError: fmt.Sprintf("Payment intent %s has no %s in metadata", pi.ID, OrderMetadataKey),
		}
	}

	update := &Update{
		OrderNumber:   orderNumber,
		RawStatus:     rawStatus,
		TransactionID: pi.ID,
		Payload:       string(event.Data.Raw),
	}
	if len(pi.PaymentMethodTypes) > 0 {
		update.PaymentType = pi.PaymentMethodTypes[0]
	}
	return update, nil
}
